// Package apierr maps gateway failures onto HTTP responses.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Kind string

const (
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindUpstream       Kind = "upstream_error"
	KindConfiguration  Kind = "configuration_error"
	KindMaintenance    Kind = "maintenance"
	KindInternal       Kind = "internal_error"
)

type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Limit      int64
	Used       int64
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Status: http.StatusUnauthorized, Message: msg}
}

func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Status: http.StatusForbidden, Message: msg}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: msg}
}

func RateLimited(retryAfter time.Duration, limit, used int64) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Limit:      limit,
		Used:       used,
	}
}

func QuotaExceeded(msg string, retryAfter time.Duration, limit, used int64) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    msg,
		RetryAfter: retryAfter,
		Limit:      limit,
		Used:       used,
	}
}

// Upstream wraps an adapter failure. An empty message becomes "HTTP <code>".
func Upstream(service, msg string, code int, err error) *Error {
	if msg == "" {
		msg = "HTTP " + strconv.Itoa(code)
	}
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Message: service + ": " + msg, Err: err}
}

func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Status: http.StatusInternalServerError, Message: msg}
}

func Maintenance() *Error {
	return &Error{Kind: KindMaintenance, Status: http.StatusServiceUnavailable, Message: "service is in maintenance mode"}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
}

// From returns err as an *Error, treating anything unknown as internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

func Is(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Body is the JSON error document. Extra carries endpoint specific fields
// such as the session id of a failed session.
func Body(e *Error, extra map[string]any) map[string]any {
	body := map[string]any{
		"error":   e.Message,
		"code":    string(e.Kind),
		"success": false,
	}
	if e.Status == http.StatusTooManyRequests {
		body["retry_after"] = int64(e.RetryAfter.Seconds())
		body["limit"] = e.Limit
		body["used"] = e.Used
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// Write renders err. Rate-limit style errors also get Retry-After and
// X-RateLimit headers.
func Write(w http.ResponseWriter, err error, extra map[string]any) *Error {
	e := From(err)
	if e.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(e.RetryAfter.Seconds()), 10))
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(e.Limit, 10))
		remaining := e.Limit - e.Used
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
	WriteJSON(w, e.Status, Body(e, extra))
	return e
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
