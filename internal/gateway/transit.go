package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/vault"
)

type transitBody struct {
	Envelope *vault.Envelope `json:"envelope"`
}

// decodeBody reads a JSON request body into out. The body may also be a
// transit envelope sealed with the caller's API key.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return apierr.Validation("request body is too large or unreadable")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return apierr.Validation("request body is required")
	}

	var wrapped transitBody
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Envelope != nil {
		return h.openEnvelope(r, wrapped.Envelope, out)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apierr.Validation("invalid JSON body")
	}
	return nil
}

func (h *Handler) openEnvelope(r *http.Request, env *vault.Envelope, out any) error {
	err := h.transit.Open(r.Header.Get(HeaderAPIKey), env, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vault.ErrTransitSignature):
		return apierr.Authentication("transit signature mismatch")
	case errors.Is(err, vault.ErrTransitExpired):
		return apierr.Authentication("transit envelope expired")
	}
	return apierr.Validation("transit envelope could not be opened")
}

// respond writes body as JSON, sealed when the caller asked for a transit
// response.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	if r.Header.Get(HeaderTransitResponse) != "1" {
		apierr.WriteJSON(w, status, body)
		return
	}
	h.respondSealed(w, r, status, body)
}

func (h *Handler) respondSealed(w http.ResponseWriter, r *http.Request, status int, body any) {
	env, err := h.transit.Seal(r.Header.Get(HeaderAPIKey), body)
	if err != nil {
		h.writeError(w, r, apierr.Internal(err), nil)
		return
	}
	apierr.WriteJSON(w, status, transitBody{Envelope: env})
}

// TransitVerify opens an envelope sealed by the tenant and answers with a
// sealed acknowledgement, letting an installation check its key setup.
func (h *Handler) TransitVerify(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apierr.Validation("request body is too large or unreadable"), nil)
		return
	}

	var wrapped transitBody
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Envelope == nil {
		h.writeError(w, r, apierr.Validation("envelope is required"), nil)
		return
	}

	var payload json.RawMessage
	if err := h.openEnvelope(r, wrapped.Envelope, &payload); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	h.respondSealed(w, r, http.StatusOK, map[string]any{
		"success":     true,
		"verified":    true,
		"received":    payload,
		"server_time": h.transit.Now().UTC().Unix(),
	})
}
