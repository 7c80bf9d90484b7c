// Package pagespeed runs Lighthouse audits through the PageSpeed Insights
// API and reduces them to score snapshots.
package pagespeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	psi "google.golang.org/api/pagespeedonline/v5"
)

const serviceName = "pagespeed"

type Strategy string

const (
	StrategyMobile  Strategy = "mobile"
	StrategyDesktop Strategy = "desktop"
)

// ParseStrategy maps anything unrecognized to mobile.
func ParseStrategy(s string) Strategy {
	if strings.EqualFold(strings.TrimSpace(s), string(StrategyDesktop)) {
		return StrategyDesktop
	}
	return StrategyMobile
}

var categories = []string{"PERFORMANCE", "ACCESSIBILITY", "BEST_PRACTICES", "SEO"}

var metricAudits = map[string]func(*models.ScoreSnapshot, float64){
	"first-contentful-paint":   func(s *models.ScoreSnapshot, v float64) { s.FCPMs = v },
	"largest-contentful-paint": func(s *models.ScoreSnapshot, v float64) { s.LCPMs = v },
	"cumulative-layout-shift":  func(s *models.ScoreSnapshot, v float64) { s.CLS = v },
	"total-blocking-time":      func(s *models.ScoreSnapshot, v float64) { s.TBTMs = v },
	"speed-index":              func(s *models.ScoreSnapshot, v float64) { s.SIMs = v },
	"interactive":              func(s *models.ScoreSnapshot, v float64) { s.TTIMs = v },
}

var diagnosticAudits = map[string]bool{
	"dom-size":                  true,
	"bootup-time":               true,
	"mainthread-work-breakdown": true,
	"font-display":              true,
	"uses-long-cache-ttl":       true,
	"third-party-summary":       true,
	"long-tasks":                true,
	"layout-shift-elements":     true,
	"critical-request-chains":   true,
}

// passingScore is the audit score at or above which an audit is not reported.
const passingScore = 0.9

type Client struct {
	apiKey  func() string
	timeout time.Duration
	svc     *psi.Service
}

// NewClient builds the API client once. baseURL overrides the Google
// endpoint and must end with a slash.
func NewClient(ctx context.Context, apiKey func() string, timeout time.Duration, httpClient *http.Client, baseURL string) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithEndpoint(baseURL))
	}

	svc, err := psi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("pagespeed service: %w", err)
	}
	return &Client{apiKey: apiKey, timeout: timeout, svc: svc}, nil
}

func (c *Client) Run(ctx context.Context, url string, strategy Strategy) (*models.TestResult, error) {
	key := strings.TrimSpace(c.apiKey())
	if key == "" {
		return nil, apierr.Configuration("PageSpeed API key is not configured")
	}

	ctx, span := otel.Tracer("pagespeed-client").Start(ctx, "pagespeed.run")
	defer span.End()
	span.SetAttributes(attribute.String("page.url", url), attribute.String("pagespeed.strategy", string(strategy)))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.svc.Pagespeedapi.Runpagespeed(url).
		Strategy(strings.ToUpper(string(strategy))).
		Category(categories...).
		Context(ctx).
		Do(googleapi.QueryParameter("key", key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "runpagespeed failed")
		return nil, upstreamError(err)
	}

	result, err := toResult(resp, url, strategy)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("pagespeed.performance", result.Scores.Performance))
	return result, nil
}

func upstreamError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return apierr.Upstream(serviceName, gerr.Message, gerr.Code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Upstream(serviceName, "request timed out", 504, err)
	}
	return apierr.Upstream(serviceName, err.Error(), 0, err)
}

func toResult(resp *psi.PagespeedApiPagespeedResponseV5, url string, strategy Strategy) (*models.TestResult, error) {
	lr := resp.LighthouseResult
	if lr == nil {
		return nil, apierr.Upstream(serviceName, "response has no lighthouse result", 200, nil)
	}
	if lr.RuntimeError != nil && lr.RuntimeError.Code != "" && lr.RuntimeError.Code != "NO_ERROR" {
		return nil, apierr.Upstream(serviceName, lr.RuntimeError.Message, 200, nil)
	}

	result := &models.TestResult{
		ID:            uuid.New(),
		URL:           url,
		Strategy:      string(strategy),
		Opportunities: []models.Audit{},
		Diagnostics:   []models.Audit{},
		FetchedAt:     time.Now().UTC(),
	}

	if cats := lr.Categories; cats != nil {
		result.Scores.Performance = categoryScore(cats.Performance)
		result.Scores.Accessibility = categoryScore(cats.Accessibility)
		result.Scores.BestPractices = categoryScore(cats.BestPractices)
		result.Scores.SEO = categoryScore(cats.Seo)
	}

	for id, audit := range lr.Audits {
		if set, ok := metricAudits[id]; ok {
			set(&result.Scores, audit.NumericValue)
			continue
		}

		score, scored := auditScore(audit.Score)
		if !scored || score >= passingScore {
			continue
		}

		var details struct {
			Type             string  `json:"type"`
			OverallSavingsMs float64 `json:"overallSavingsMs"`
		}
		if len(audit.Details) > 0 {
			_ = json.Unmarshal(audit.Details, &details)
		}

		a := models.Audit{
			ID:           id,
			Title:        audit.Title,
			Description:  audit.Description,
			DisplayValue: audit.DisplayValue,
			Score:        score,
			SavingsMs:    details.OverallSavingsMs,
		}
		switch {
		case details.Type == "opportunity":
			result.Opportunities = append(result.Opportunities, a)
		case diagnosticAudits[id]:
			result.Diagnostics = append(result.Diagnostics, a)
		}
	}

	sort.Slice(result.Opportunities, func(i, j int) bool {
		oi, oj := result.Opportunities[i], result.Opportunities[j]
		if oi.SavingsMs != oj.SavingsMs {
			return oi.SavingsMs > oj.SavingsMs
		}
		return oi.ID < oj.ID
	})
	sort.Slice(result.Diagnostics, func(i, j int) bool {
		return result.Diagnostics[i].ID < result.Diagnostics[j].ID
	})
	return result, nil
}

func categoryScore(cat *psi.LighthouseCategoryV5) int {
	if cat == nil {
		return 0
	}
	score, ok := auditScore(cat.Score)
	if !ok {
		return 0
	}
	return int(math.Round(score * 100))
}

// auditScore reads the loosely typed score field; null means "not scored".
func auditScore(v interface{}) (float64, bool) {
	switch s := v.(type) {
	case float64:
		return s, true
	case json.Number:
		f, err := s.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
