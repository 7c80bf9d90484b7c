package optimize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/ai"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/db"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/pagespeed"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type fakeSessions struct {
	rows map[uuid.UUID]models.Session
}

func (f *fakeSessions) CreateSession(_ context.Context, s *models.Session) error {
	f.rows[s.ID] = *s
	return nil
}

func (f *fakeSessions) UpdateSession(_ context.Context, s *models.Session) error {
	if _, ok := f.rows[s.ID]; !ok {
		return db.ErrNotFound
	}
	f.rows[s.ID] = *s
	return nil
}

func (f *fakeSessions) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &s, nil
}

type fakeQuota struct {
	aiErr, perfErr error
}

func (f *fakeQuota) CheckAITokens(context.Context, *models.Tenant) error         { return f.aiErr }
func (f *fakeQuota) CheckPerformanceTests(context.Context, *models.Tenant) error { return f.perfErr }

type fakeTester struct {
	calls   int
	results []models.ScoreSnapshot
	err     error
}

func (f *fakeTester) Run(_ context.Context, url string, strategy pagespeed.Strategy) (*models.TestResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	scores := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return &models.TestResult{ID: uuid.New(), URL: url, Strategy: string(strategy), Scores: scores}, nil
}

type fakeAnalyzer struct {
	calls    int
	err      error
	requests []ai.Request
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req ai.Request) (*ai.Analysis, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Analysis{
		Result: ai.Structured{Payload: models.Recommendation{
			Summary:         "defer scripts",
			Recommendations: []models.SettingChange{{SettingKey: "defer_js", RecommendedValue: true}},
		}},
		Model:        "gemini-2.0-flash",
		InputTokens:  1000,
		OutputTokens: 200,
		CostUSD:      0.00018,
	}, nil
}

type fakeUsage struct {
	records []models.UsageRecord
}

func (f *fakeUsage) LogUsage(_ context.Context, rec *models.UsageRecord) error {
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeUsage) count(category string) int {
	n := 0
	for _, r := range f.records {
		if r.Category == category {
			n++
		}
	}
	return n
}

type fakeSettings map[string]int

func (f fakeSettings) GetInt(key string, def int) int {
	if v, ok := f[key]; ok {
		return v
	}
	return def
}

type harness struct {
	orch     *Orchestrator
	sessions *fakeSessions
	quota    *fakeQuota
	tester   *fakeTester
	analyzer *fakeAnalyzer
	usage    *fakeUsage
	tenant   *models.Tenant
}

func newHarness(t *testing.T, scores ...models.ScoreSnapshot) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		sessions: &fakeSessions{rows: map[uuid.UUID]models.Session{}},
		quota:    &fakeQuota{},
		tester:   &fakeTester{results: scores},
		analyzer: &fakeAnalyzer{},
		usage:    &fakeUsage{},
		tenant: &models.Tenant{
			ID: 7, SiteURL: "https://example.com", Active: true,
			AIEnabled: true, PerfEnabled: true,
		},
	}
	h.orch = New(Deps{
		Sessions: h.sessions,
		Quota:    h.quota,
		Tester:   h.tester,
		Analyzer: h.analyzer,
		Usage:    h.usage,
		Settings: fakeSettings{},
	}, 5, log)
	return h
}

func (h *harness) start(t *testing.T) *models.Session {
	t.Helper()
	res, err := h.orch.Start(context.Background(), h.tenant, StartRequest{URL: "https://example.com/shop", Strategy: "desktop"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res.Session
}

func (h *harness) stored(t *testing.T, id uuid.UUID) models.Session {
	t.Helper()
	s, ok := h.sessions.rows[id]
	if !ok {
		t.Fatalf("session %s not stored", id)
	}
	return s
}

func TestStart(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 62, SEO: 90})

	s := h.start(t)
	if s.State != models.StateApplying || s.Iterations != 1 {
		t.Fatalf("expected applying after first iteration, got %s/%d", s.State, s.Iterations)
	}
	if s.InitialScores == nil || s.InitialScores.Performance != 62 {
		t.Fatalf("initial scores not stored: %+v", s.InitialScores)
	}
	if s.Recommendation == nil || !s.Recommendation.Structured || s.Recommendation.Summary != "defer scripts" {
		t.Fatalf("recommendation not stored: %+v", s.Recommendation)
	}
	if s.TokensUsed() != 1200 || s.Strategy != "desktop" || s.Type != "full" {
		t.Fatalf("unexpected session: %+v", s)
	}

	stored := h.stored(t, s.ID)
	if stored.State != models.StateApplying {
		t.Fatalf("stored state %s", stored.State)
	}
	if h.usage.count(models.CategoryPerfTest) != 1 || h.usage.count(models.CategoryAI) != 1 {
		t.Fatalf("expected one usage row per adapter call, got %+v", h.usage.records)
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name   string
		req    StartRequest
		tenant func(*models.Tenant)
		quota  func(*fakeQuota)
		status int
	}{
		{name: "missing url", req: StartRequest{}, status: http.StatusBadRequest},
		{name: "foreign url", req: StartRequest{URL: "https://example.com.evil.test"}, status: http.StatusForbidden},
		{name: "ai disabled", req: StartRequest{URL: "https://example.com"}, tenant: func(t *models.Tenant) { t.AIEnabled = false }, status: http.StatusForbidden},
		{name: "perf disabled", req: StartRequest{URL: "https://example.com"}, tenant: func(t *models.Tenant) { t.PerfEnabled = false }, status: http.StatusForbidden},
		{
			name:   "ai quota exhausted",
			req:    StartRequest{URL: "https://example.com"},
			quota:  func(q *fakeQuota) { q.aiErr = apierr.QuotaExceeded("monthly AI token quota exceeded", time.Hour, 1000, 1000) },
			status: http.StatusTooManyRequests,
		},
		{
			name:   "test quota exhausted",
			req:    StartRequest{URL: "https://example.com"},
			quota:  func(q *fakeQuota) { q.perfErr = apierr.QuotaExceeded("daily performance test quota exceeded", time.Hour, 10, 10) },
			status: http.StatusTooManyRequests,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, models.ScoreSnapshot{Performance: 50})
			if tc.tenant != nil {
				tc.tenant(h.tenant)
			}
			if tc.quota != nil {
				tc.quota(h.quota)
			}

			_, err := h.orch.Start(context.Background(), h.tenant, tc.req)
			if got := apierr.From(err).Status; got != tc.status {
				t.Fatalf("expected %d, got %d (%v)", tc.status, got, err)
			}
			if h.tester.calls != 0 || h.analyzer.calls != 0 {
				t.Fatalf("no adapter call expected, got tester=%d analyzer=%d", h.tester.calls, h.analyzer.calls)
			}
			if len(h.sessions.rows) != 0 {
				t.Fatal("no session should be created")
			}
		})
	}
}

func TestStartWithUnreachableTester(t *testing.T) {
	h := newHarness(t)
	h.tester.err = apierr.Upstream("pagespeed", "", 503, errors.New("connection refused"))

	res, err := h.orch.Start(context.Background(), h.tenant, StartRequest{URL: "https://example.com"})
	if apierr.From(err).Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", err)
	}
	if res == nil || res.Session == nil {
		t.Fatal("failed start must still return the session")
	}

	stored, getErr := h.orch.Get(context.Background(), h.tenant, res.Session.ID)
	if getErr != nil {
		t.Fatalf("failed session must be retrievable: %v", getErr)
	}
	if stored.State != models.StateFailed || stored.Error == "" {
		t.Fatalf("expected failed session with error text, got %s %q", stored.State, stored.Error)
	}
	if h.analyzer.calls != 0 {
		t.Fatal("ai must not run after a failed test")
	}
	if len(h.usage.records) != 1 || h.usage.records[0].StatusCode != http.StatusBadGateway {
		t.Fatalf("failed test must be logged with 502: %+v", h.usage.records)
	}
}

func TestStartWithFailingAnalyzer(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 40})
	h.analyzer.err = apierr.Upstream("ai", "Resource has been exhausted", 429, nil)

	res, err := h.orch.Start(context.Background(), h.tenant, StartRequest{URL: "https://example.com"})
	if apierr.From(err).Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", err)
	}
	stored := h.stored(t, res.Session.ID)
	if stored.State != models.StateFailed || !strings.Contains(stored.Error, "Resource has been exhausted") {
		t.Fatalf("unexpected failed session: %s %q", stored.State, stored.Error)
	}
	if stored.InitialScores == nil || stored.InitialScores.Performance != 40 {
		t.Fatal("scores from the successful test must be kept")
	}
}

func TestRetestIterationCap(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 50})
	s := h.start(t)

	capped := h.stored(t, s.ID)
	capped.Iterations = 5
	h.sessions.rows[s.ID] = capped
	testerCalls, analyzerCalls := h.tester.calls, h.analyzer.calls

	res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID})
	if err != nil {
		t.Fatalf("retest: %v", err)
	}
	if res.Session.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", res.Session.State)
	}
	if h.tester.calls != testerCalls || h.analyzer.calls != analyzerCalls {
		t.Fatal("capped retest must not call any adapter")
	}
}

func TestRetestIterationCapFromSettings(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 50})
	h.orch.settings = fakeSettings{"max_iterations": 1}
	s := h.start(t)

	res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID})
	if err != nil {
		t.Fatalf("retest: %v", err)
	}
	if res.Session.State != models.StateCompleted || h.tester.calls != 1 {
		t.Fatalf("max_iterations=1 should stop after start, state %s, tests %d", res.Session.State, h.tester.calls)
	}
}

func TestRetestIgnoresInvalidIterationSetting(t *testing.T) {
	for _, bad := range []int{0, -3} {
		t.Run(fmt.Sprint(bad), func(t *testing.T) {
			h := newHarness(t, models.ScoreSnapshot{Performance: 50})
			h.orch.settings = fakeSettings{"max_iterations": bad}
			s := h.start(t)

			res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID})
			if err != nil {
				t.Fatalf("retest: %v", err)
			}
			if res.Message == "maximum iterations reached" || h.tester.calls != 2 {
				t.Fatalf("max_iterations=%d must fall back to the configured cap, message %q, tests %d", bad, res.Message, h.tester.calls)
			}
		})
	}
}

func TestRetestConvergence(t *testing.T) {
	tests := []struct {
		name        string
		retest      int
		state       models.SessionState
		aiCalls     int
		iterations  int
		converged   bool
		performance int
	}{
		{name: "improved past target finalizes", retest: 95, state: models.StateCompleted, aiCalls: 1, iterations: 2, converged: true, performance: 15},
		{name: "improved below target asks ai again", retest: 85, state: models.StateApplying, aiCalls: 2, iterations: 2, performance: 5},
		{name: "no improvement asks ai again", retest: 80, state: models.StateApplying, aiCalls: 2, iterations: 2, performance: 0},
		{name: "high but not improved asks ai again", retest: 92, state: models.StateApplying, aiCalls: 2, iterations: 2, performance: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			initial := 80
			if tc.retest == 92 {
				initial = 92
			}
			h := newHarness(t, models.ScoreSnapshot{Performance: initial}, models.ScoreSnapshot{Performance: tc.retest})
			s := h.start(t)

			applied := map[string]any{"defer_js": true}
			res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID, AppliedSettings: applied})
			if err != nil {
				t.Fatalf("retest: %v", err)
			}

			if res.Session.State != tc.state {
				t.Fatalf("expected %s, got %s", tc.state, res.Session.State)
			}
			if h.analyzer.calls != tc.aiCalls {
				t.Fatalf("expected %d ai calls, got %d", tc.aiCalls, h.analyzer.calls)
			}
			if res.Session.Iterations != tc.iterations {
				t.Fatalf("expected %d iterations, got %d", tc.iterations, res.Session.Iterations)
			}
			if res.Converged != tc.converged {
				t.Fatalf("converged = %v", res.Converged)
			}
			if res.Deltas == nil || res.Deltas.Performance != tc.performance {
				t.Fatalf("unexpected deltas %+v", res.Deltas)
			}
			if res.Session.AppliedSettings["defer_js"] != true {
				t.Fatalf("applied settings not kept: %+v", res.Session.AppliedSettings)
			}
			if tc.converged {
				if res.Session.FinalScores == nil || res.Session.FinalScores.Performance != tc.retest {
					t.Fatalf("final scores must be the retest scores: %+v", res.Session.FinalScores)
				}
				return
			}

			second := h.analyzer.requests[1]
			if !strings.Contains(second.Context, "Iteration 2") || !strings.Contains(second.Context, `"defer_js":true`) {
				t.Fatalf("retest context missing iteration details:\n%s", second.Context)
			}
			if second.CurrentSettings["defer_js"] != true {
				t.Fatal("ai must see the applied settings")
			}
		})
	}
}

func TestRetestTesterFailureAppendsError(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 50})
	s := h.start(t)

	prior := h.stored(t, s.ID)
	prior.Error = "earlier warning"
	h.sessions.rows[s.ID] = prior
	h.tester.err = apierr.Upstream("pagespeed", "Lighthouse returned error", 500, nil)

	res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID})
	if apierr.From(err).Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", err)
	}
	if res.Session.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", res.Session.State)
	}
	if want := "earlier warning; pagespeed: Lighthouse returned error"; h.stored(t, s.ID).Error != want {
		t.Fatalf("error %q, want %q", h.stored(t, s.ID).Error, want)
	}
}

func TestRetestAnalyzerFailureFinalizes(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 50}, models.ScoreSnapshot{Performance: 60})
	s := h.start(t)
	h.analyzer.err = apierr.Upstream("ai", "", 500, nil)

	res, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID})
	if err != nil {
		t.Fatalf("ai failure during retest must not fail the request: %v", err)
	}
	if res.Session.State != models.StateCompleted || res.Session.Iterations != 2 {
		t.Fatalf("expected completed with 2 iterations, got %s/%d", res.Session.State, res.Session.Iterations)
	}
	if !strings.Contains(res.Session.Error, "ai: HTTP 500") {
		t.Fatalf("error text not recorded: %q", res.Session.Error)
	}
}

func TestRetestRejects(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 50})
	s := h.start(t)

	other := &models.Tenant{ID: 99, SiteURL: "https://example.com", AIEnabled: true, PerfEnabled: true}
	if _, err := h.orch.Retest(context.Background(), other, RetestRequest{SessionID: s.ID}); apierr.From(err).Status != http.StatusForbidden {
		t.Fatalf("other tenant: expected 403, got %v", err)
	}
	if _, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: uuid.New()}); apierr.From(err).Status != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %v", err)
	}
	if _, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{}); apierr.From(err).Status != http.StatusBadRequest {
		t.Fatalf("missing id: expected 400, got %v", err)
	}

	done := h.stored(t, s.ID)
	done.State = models.StateCompleted
	h.sessions.rows[s.ID] = done
	if _, err := h.orch.Retest(context.Background(), h.tenant, RetestRequest{SessionID: s.ID}); apierr.From(err).Status != http.StatusBadRequest {
		t.Fatalf("completed session: expected 400, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	h := newHarness(t)
	h.tester.err = apierr.Upstream("pagespeed", "", 503, nil)
	res, _ := h.orch.Start(context.Background(), h.tenant, StartRequest{URL: "https://example.com"})

	final := &models.ScoreSnapshot{Performance: 88}
	done, err := h.orch.Complete(context.Background(), h.tenant, CompleteRequest{
		SessionID:       res.Session.ID,
		FinalScores:     final,
		AppliedSettings: map[string]any{"lazy_images": true},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored := h.stored(t, res.Session.ID)
	if stored.State != models.StateCompleted || stored.CompletedAt == nil {
		t.Fatalf("complete must close even a failed session, got %s", stored.State)
	}
	if stored.FinalScores.Performance != 88 || stored.AppliedSettings["lazy_images"] != true {
		t.Fatalf("caller data not stored: %+v", stored)
	}
	if done.Deltas == nil || done.Deltas.Performance != 88 {
		t.Fatalf("missing initial scores count as zero: %+v", done.Deltas)
	}

	other := &models.Tenant{ID: 99}
	if _, err := h.orch.Complete(context.Background(), other, CompleteRequest{SessionID: res.Session.ID}); apierr.From(err).Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestComputeDeltas(t *testing.T) {
	d := ComputeDeltas(&models.ScoreSnapshot{Performance: 80, SEO: 100}, models.ScoreSnapshot{Performance: 95, Accessibility: 90, SEO: 98})
	if d.Performance != 15 || d.Accessibility != 90 || d.SEO != -2 || d.BestPractices != 0 {
		t.Fatalf("unexpected deltas %+v", d)
	}
}

func TestOneOffCallsAreMetered(t *testing.T) {
	h := newHarness(t, models.ScoreSnapshot{Performance: 70})

	if _, err := h.orch.Test(context.Background(), h.tenant, "https://example.com", pagespeed.StrategyMobile); err != nil {
		t.Fatalf("test: %v", err)
	}
	h.analyzer.err = apierr.Upstream("ai", "quota", 429, nil)
	if _, err := h.orch.Analyze(context.Background(), h.tenant, ai.Request{URL: "https://example.com"}); err == nil {
		t.Fatal("expected analyze error")
	}

	if len(h.usage.records) != 2 {
		t.Fatalf("expected two usage rows, got %+v", h.usage.records)
	}
	perf, aiRow := h.usage.records[0], h.usage.records[1]
	if perf.Endpoint != "performance/test" || perf.Category != models.CategoryPerfTest || *perf.TenantID != 7 {
		t.Fatalf("unexpected test row %+v", perf)
	}
	if aiRow.Category != models.CategoryAI || aiRow.StatusCode != http.StatusBadGateway || aiRow.Metadata["error"] != "ai: quota" {
		t.Fatalf("unexpected ai row %+v", aiRow)
	}
}
