package models

import (
	"time"

	"github.com/google/uuid"
)

type Tenant struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	KeyHash           string     `json:"-"`
	KeyPrefix         string     `json:"key_prefix"`
	SiteURL           string     `json:"site_url"`
	Active            bool       `json:"active"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AIEnabled         bool       `json:"ai_enabled"`
	PerfEnabled       bool       `json:"perf_enabled"`
	MonthlyTokenQuota int64      `json:"monthly_token_quota"`
	DailyTestQuota    int64      `json:"daily_test_quota"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Expired reports whether the tenant license has lapsed at t.
func (t *Tenant) Expired(at time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(at)
}

// Usage categories.
const (
	CategoryAI       = "ai"
	CategoryPerfTest = "performance-test"
	CategoryRequest  = "request"
)

type UsageRecord struct {
	ID           int64          `json:"id"`
	TenantID     *int64         `json:"tenant_id,omitempty"`
	Endpoint     string         `json:"endpoint"`
	Category     string         `json:"category"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	TokensUsed   int64          `json:"tokens_used"`
	CostUSD      float64        `json:"cost_usd"`
	StatusCode   int            `json:"status_code"`
	LatencyMs    int64          `json:"latency_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type UsageSummary struct {
	TenantID      int64   `json:"tenant_id"`
	TotalRequests int64   `json:"total_requests"`
	ErrorCount    int64   `json:"error_count"`
	AICalls       int64   `json:"ai_calls"`
	TokensUsed    int64   `json:"tokens_used"`
	CostUSD       float64 `json:"cost_usd"`
	PerfTests     int64   `json:"performance_tests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScoreSnapshot is the outcome of a single performance test.
type ScoreSnapshot struct {
	Performance   int     `json:"performance"`
	Accessibility int     `json:"accessibility"`
	BestPractices int     `json:"best_practices"`
	SEO           int     `json:"seo"`
	FCPMs         float64 `json:"fcp_ms"`
	LCPMs         float64 `json:"lcp_ms"`
	CLS           float64 `json:"cls"`
	TBTMs         float64 `json:"tbt_ms"`
	SIMs          float64 `json:"si_ms"`
	TTIMs         float64 `json:"tti_ms"`
}

type Audit struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	DisplayValue string  `json:"display_value,omitempty"`
	Score        float64 `json:"score"`
	SavingsMs    float64 `json:"savings_ms,omitempty"`
}

type TestResult struct {
	ID            uuid.UUID     `json:"id"`
	URL           string        `json:"url"`
	Strategy      string        `json:"strategy"`
	Scores        ScoreSnapshot `json:"scores"`
	Opportunities []Audit       `json:"opportunities"`
	Diagnostics   []Audit       `json:"diagnostics"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

type SettingChange struct {
	SettingKey       string `json:"setting_key"`
	RecommendedValue any    `json:"recommended_value"`
	Reason           string `json:"reason"`
	EstimatedImpact  string `json:"estimated_impact"`
}

// Recommendation is the stored form of an AI answer. RawResponse is set
// when the model did not return the expected JSON shape.
type Recommendation struct {
	Summary         string          `json:"summary"`
	Priority        string          `json:"priority,omitempty"`
	Recommendations []SettingChange `json:"recommendations"`
	AdditionalNotes string          `json:"additional_notes,omitempty"`
	Structured      bool            `json:"structured"`
	RawResponse     string          `json:"raw_response,omitempty"`
}
