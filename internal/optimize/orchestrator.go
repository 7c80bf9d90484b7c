// Package optimize runs the measure, analyze, apply, re-measure loop of an
// optimization session.
package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/ai"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/db"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/pagespeed"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/settings"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConvergedScore is the performance score at which an improving loop stops.
const ConvergedScore = 90

const defaultSessionType = "full"

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

type QuotaChecker interface {
	CheckAITokens(ctx context.Context, tenant *models.Tenant) error
	CheckPerformanceTests(ctx context.Context, tenant *models.Tenant) error
}

type Tester interface {
	Run(ctx context.Context, url string, strategy pagespeed.Strategy) (*models.TestResult, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req ai.Request) (*ai.Analysis, error)
}

type UsageRecorder interface {
	LogUsage(ctx context.Context, rec *models.UsageRecord) error
}

type IntSettings interface {
	GetInt(key string, def int) int
}

// Observer receives adapter call outcomes and session state changes.
type Observer interface {
	ObserveUpstream(service string, ok bool, d time.Duration)
	ObserveSession(state models.SessionState)
}

type nopObserver struct{}

func (nopObserver) ObserveUpstream(string, bool, time.Duration) {}
func (nopObserver) ObserveSession(models.SessionState)         {}

type Deps struct {
	Sessions SessionStore
	Quota    QuotaChecker
	Tester   Tester
	Analyzer Analyzer
	Usage    UsageRecorder
	Settings IntSettings
	Observer Observer
}

type Orchestrator struct {
	sessions      SessionStore
	quota         QuotaChecker
	tester        Tester
	analyzer      Analyzer
	usage         UsageRecorder
	settings      IntSettings
	observer      Observer
	maxIterations int
	log           logrus.FieldLogger
	now           func() time.Time
}

func New(d Deps, maxIterations int, log logrus.FieldLogger) *Orchestrator {
	observer := d.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Orchestrator{
		sessions:      d.Sessions,
		quota:         d.Quota,
		tester:        d.Tester,
		analyzer:      d.Analyzer,
		usage:         d.Usage,
		settings:      d.Settings,
		observer:      observer,
		maxIterations: maxIterations,
		log:           log,
		now:           time.Now,
	}
}

type StartRequest struct {
	URL             string
	Strategy        string
	SessionType     string
	CurrentSettings map[string]any
	Context         string
}

type RetestRequest struct {
	SessionID       uuid.UUID
	AppliedSettings map[string]any
	Context         string
}

type CompleteRequest struct {
	SessionID       uuid.UUID
	FinalScores     *models.ScoreSnapshot
	AppliedSettings map[string]any
}

// Result is the session after an action. It is also returned next to an
// error when the session was persisted in the failed state.
type Result struct {
	Session   *models.Session
	Test      *models.TestResult
	Deltas    *Deltas
	Converged bool
	Message   string
}

// Deltas are per category score changes against the initial test.
type Deltas struct {
	Performance   int `json:"performance"`
	Accessibility int `json:"accessibility"`
	BestPractices int `json:"best_practices"`
	SEO           int `json:"seo"`
}

// ComputeDeltas treats a missing initial snapshot as all zeros.
func ComputeDeltas(initial *models.ScoreSnapshot, latest models.ScoreSnapshot) Deltas {
	var base models.ScoreSnapshot
	if initial != nil {
		base = *initial
	}
	return Deltas{
		Performance:   latest.Performance - base.Performance,
		Accessibility: latest.Accessibility - base.Accessibility,
		BestPractices: latest.BestPractices - base.BestPractices,
		SEO:           latest.SEO - base.SEO,
	}
}

func (o *Orchestrator) Start(ctx context.Context, tenant *models.Tenant, req StartRequest) (*Result, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return nil, apierr.Validation("url is required")
	}
	if err := auth.RequireFeature(tenant, auth.FeaturePerformance); err != nil {
		return nil, err
	}
	if err := auth.RequireFeature(tenant, auth.FeatureAI); err != nil {
		return nil, err
	}
	if !auth.URLBelongsToSite(target, tenant.SiteURL) {
		return nil, apierr.Authorization("url does not belong to the licensed site")
	}
	if err := o.quota.CheckPerformanceTests(ctx, tenant); err != nil {
		return nil, err
	}
	if err := o.quota.CheckAITokens(ctx, tenant); err != nil {
		return nil, err
	}

	// Adapter calls and their bookkeeping finish even if the caller leaves.
	ctx = context.WithoutCancel(ctx)

	sessionType := strings.TrimSpace(req.SessionType)
	if sessionType == "" {
		sessionType = defaultSessionType
	}
	now := o.now().UTC()
	s := &models.Session{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Type:      sessionType,
		URL:       target,
		Strategy:  string(pagespeed.ParseStrategy(req.Strategy)),
		State:     models.StateRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger := o.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "session_id": s.ID})
	logger.WithField("url", target).Info("optimization session started")

	test, err := o.sessionTest(ctx, s)
	if err != nil {
		return o.fail(ctx, logger, s, err)
	}
	snapshot := test.Scores
	latest := test.Scores
	s.InitialScores = &snapshot
	s.LatestScores = &latest
	if err := o.transition(ctx, s, EventTested); err != nil {
		return nil, err
	}

	analysis, err := o.sessionAnalysis(ctx, s, ai.Request{
		URL:             s.URL,
		Strategy:        s.Strategy,
		Scores:          test.Scores,
		Opportunities:   test.Opportunities,
		Diagnostics:     test.Diagnostics,
		CurrentSettings: req.CurrentSettings,
		Context:         req.Context,
	})
	if err != nil {
		return o.fail(ctx, logger, s, err)
	}

	applyAnalysis(s, analysis)
	s.Iterations = 1
	if err := o.transition(ctx, s, EventAnalyzed); err != nil {
		return nil, err
	}
	return &Result{Session: s, Test: test}, nil
}

func (o *Orchestrator) Retest(ctx context.Context, tenant *models.Tenant, req RetestRequest) (*Result, error) {
	s, err := o.owned(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.State != models.StateApplying && s.State != models.StateTesting {
		return nil, apierr.Validation(fmt.Sprintf("session is %s; retest needs applying or testing", s.State))
	}

	ctx = context.WithoutCancel(ctx)
	logger := o.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "session_id": s.ID})

	limit := o.settings.GetInt(settings.KeyMaxIterations, o.maxIterations)
	if limit < 1 {
		logger.WithField("max_iterations", limit).Warn("ignoring invalid max_iterations setting")
		limit = o.maxIterations
	}
	if s.Iterations >= limit {
		s.FinalScores = copyScores(s.LatestScores)
		if req.AppliedSettings != nil {
			s.AppliedSettings = req.AppliedSettings
		}
		if err := o.transition(ctx, s, EventFinalize); err != nil {
			return nil, err
		}
		logger.WithField("iterations", s.Iterations).Info("iteration cap reached")
		return &Result{Session: s, Message: "maximum iterations reached"}, nil
	}

	if err := auth.RequireFeature(tenant, auth.FeaturePerformance); err != nil {
		return nil, err
	}
	if err := auth.RequireFeature(tenant, auth.FeatureAI); err != nil {
		return nil, err
	}
	if err := o.quota.CheckPerformanceTests(ctx, tenant); err != nil {
		return nil, err
	}
	if err := o.quota.CheckAITokens(ctx, tenant); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, s, EventRetest); err != nil {
		return nil, err
	}

	test, err := o.sessionTest(ctx, s)
	if err != nil {
		return o.fail(ctx, logger, s, err)
	}
	latest := test.Scores
	s.LatestScores = &latest
	deltas := ComputeDeltas(s.InitialScores, test.Scores)

	if deltas.Performance > 0 && test.Scores.Performance >= ConvergedScore {
		if err := o.finalize(ctx, s, req.AppliedSettings); err != nil {
			return nil, err
		}
		logger.WithField("performance", test.Scores.Performance).Info("optimization converged")
		return &Result{Session: s, Test: test, Deltas: &deltas, Converged: true, Message: "target score reached"}, nil
	}

	if err := o.transition(ctx, s, EventTested); err != nil {
		return nil, err
	}

	analysis, err := o.sessionAnalysis(ctx, s, ai.Request{
		URL:             s.URL,
		Strategy:        s.Strategy,
		Scores:          test.Scores,
		Opportunities:   test.Opportunities,
		Diagnostics:     test.Diagnostics,
		CurrentSettings: req.AppliedSettings,
		Context:         iterationContext(s.Iterations+1, req.AppliedSettings, deltas, req.Context),
	})
	if err != nil {
		s.AppendError(apierr.From(err).Message)
		if ferr := o.finalize(ctx, s, req.AppliedSettings); ferr != nil {
			return nil, ferr
		}
		logger.WithError(err).Warn("analysis failed during retest, session finalized")
		return &Result{Session: s, Test: test, Deltas: &deltas, Message: "analysis failed; session finalized"}, nil
	}

	applyAnalysis(s, analysis)
	s.AppliedSettings = req.AppliedSettings
	s.Iterations++
	if err := o.transition(ctx, s, EventAnalyzed); err != nil {
		return nil, err
	}
	return &Result{Session: s, Test: test, Deltas: &deltas}, nil
}

// Complete closes the session with whatever the caller reports, whatever
// state it was in.
func (o *Orchestrator) Complete(ctx context.Context, tenant *models.Tenant, req CompleteRequest) (*Result, error) {
	s, err := o.owned(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, err
	}

	if req.FinalScores != nil {
		s.FinalScores = copyScores(req.FinalScores)
	} else if s.FinalScores == nil {
		s.FinalScores = copyScores(s.LatestScores)
	}
	if req.AppliedSettings != nil {
		s.AppliedSettings = req.AppliedSettings
	}
	now := o.now().UTC()
	s.CompletedAt = &now
	if err := o.transition(context.WithoutCancel(ctx), s, EventComplete); err != nil {
		return nil, err
	}

	res := &Result{Session: s}
	if s.FinalScores != nil {
		d := ComputeDeltas(s.InitialScores, *s.FinalScores)
		res.Deltas = &d
	}
	return res, nil
}

func (o *Orchestrator) Get(ctx context.Context, tenant *models.Tenant, id uuid.UUID) (*models.Session, error) {
	return o.owned(ctx, tenant, id)
}

func (o *Orchestrator) owned(ctx context.Context, tenant *models.Tenant, id uuid.UUID) (*models.Session, error) {
	if id == uuid.Nil {
		return nil, apierr.Validation("session_id is required")
	}
	s, err := o.sessions.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apierr.NotFound("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s.TenantID != tenant.ID {
		return nil, apierr.Authorization("session belongs to another license")
	}
	return s, nil
}

func (o *Orchestrator) finalize(ctx context.Context, s *models.Session, applied map[string]any) error {
	s.FinalScores = copyScores(s.LatestScores)
	if applied != nil {
		s.AppliedSettings = applied
	}
	s.Iterations++
	return o.transition(ctx, s, EventFinalize)
}

func (o *Orchestrator) fail(ctx context.Context, logger logrus.FieldLogger, s *models.Session, cause error) (*Result, error) {
	s.AppendError(apierr.From(cause).Message)
	if err := o.transition(ctx, s, EventFail); err != nil {
		logger.WithError(err).Error("could not persist failed session")
	}
	logger.WithError(cause).Warn("optimization session failed")
	return &Result{Session: s}, cause
}

// transition applies ev and persists the session.
func (o *Orchestrator) transition(ctx context.Context, s *models.Session, ev Event) error {
	next, err := Next(s.State, ev)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	s.State = next
	s.UpdatedAt = now
	if next == models.StateCompleted && s.CompletedAt == nil {
		s.CompletedAt = &now
	}
	if err := o.sessions.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	o.observer.ObserveSession(next)
	return nil
}

// Test runs one metered performance test outside of any session.
func (o *Orchestrator) Test(ctx context.Context, tenant *models.Tenant, url string, strategy pagespeed.Strategy) (*models.TestResult, error) {
	return o.runTest(context.WithoutCancel(ctx), tenant.ID, "performance/test", url, strategy, map[string]any{})
}

// Analyze runs one metered AI analysis outside of any session.
func (o *Orchestrator) Analyze(ctx context.Context, tenant *models.Tenant, req ai.Request) (*ai.Analysis, error) {
	return o.runAnalysis(context.WithoutCancel(ctx), tenant.ID, "ai/analyze", req, map[string]any{})
}

func (o *Orchestrator) sessionTest(ctx context.Context, s *models.Session) (*models.TestResult, error) {
	return o.runTest(ctx, s.TenantID, "optimize", s.URL, pagespeed.ParseStrategy(s.Strategy), map[string]any{"session_id": s.ID.String()})
}

func (o *Orchestrator) sessionAnalysis(ctx context.Context, s *models.Session, req ai.Request) (*ai.Analysis, error) {
	return o.runAnalysis(ctx, s.TenantID, "optimize", req, map[string]any{"session_id": s.ID.String()})
}

// runTest calls the performance adapter and appends a usage row for the
// attempt, failed or not.
func (o *Orchestrator) runTest(ctx context.Context, tenantID int64, endpoint, url string, strategy pagespeed.Strategy, meta map[string]any) (*models.TestResult, error) {
	start := o.now()
	test, err := o.tester.Run(ctx, url, strategy)
	latency := o.now().Sub(start)
	o.observer.ObserveUpstream("pagespeed", err == nil, latency)

	meta["url"] = url
	meta["strategy"] = string(strategy)
	rec := &models.UsageRecord{
		TenantID:   &tenantID,
		Endpoint:   endpoint,
		Category:   models.CategoryPerfTest,
		StatusCode: 200,
		LatencyMs:  latency.Milliseconds(),
		Metadata:   meta,
	}
	if err != nil {
		rec.StatusCode = apierr.From(err).Status
		meta["error"] = apierr.From(err).Message
	} else {
		meta["performance"] = test.Scores.Performance
	}
	o.record(ctx, rec)
	return test, err
}

func (o *Orchestrator) runAnalysis(ctx context.Context, tenantID int64, endpoint string, req ai.Request, meta map[string]any) (*ai.Analysis, error) {
	start := o.now()
	analysis, err := o.analyzer.Analyze(ctx, req)
	latency := o.now().Sub(start)
	o.observer.ObserveUpstream("ai", err == nil, latency)

	rec := &models.UsageRecord{
		TenantID:   &tenantID,
		Endpoint:   endpoint,
		Category:   models.CategoryAI,
		StatusCode: 200,
		LatencyMs:  latency.Milliseconds(),
		Metadata:   meta,
	}
	if err != nil {
		rec.StatusCode = apierr.From(err).Status
		meta["error"] = apierr.From(err).Message
	} else {
		rec.InputTokens = analysis.InputTokens
		rec.OutputTokens = analysis.OutputTokens
		rec.TokensUsed = analysis.TokensUsed()
		rec.CostUSD = analysis.CostUSD
		meta["model"] = analysis.Model
	}
	o.record(ctx, rec)
	return analysis, err
}

func (o *Orchestrator) record(ctx context.Context, rec *models.UsageRecord) {
	rec.CreatedAt = o.now().UTC()
	if err := o.usage.LogUsage(ctx, rec); err != nil {
		o.log.WithError(err).WithField("category", rec.Category).Warn("usage record not written")
	}
}

func applyAnalysis(s *models.Session, a *ai.Analysis) {
	rec := a.Result.Recommendation()
	s.Recommendation = &rec
	s.InputTokens += a.InputTokens
	s.OutputTokens += a.OutputTokens
	s.CostUSD += a.CostUSD
}

func iterationContext(iteration int, applied map[string]any, d Deltas, extra string) string {
	settingsJSON := "{}"
	if len(applied) > 0 {
		if b, err := json.Marshal(applied); err == nil {
			settingsJSON = string(b)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d of the optimization loop.\n", iteration)
	fmt.Fprintf(&b, "Settings applied since the previous test: %s\n", settingsJSON)
	fmt.Fprintf(&b, "Score change since the first test: performance %+d, accessibility %+d, best practices %+d, SEO %+d.\n",
		d.Performance, d.Accessibility, d.BestPractices, d.SEO)
	b.WriteString("Recommend further changes that have not been tried yet.")
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n" + extra)
	}
	return b.String()
}

func copyScores(s *models.ScoreSnapshot) *models.ScoreSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
