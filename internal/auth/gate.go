package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/ratelimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type TenantStore interface {
	FindTenantsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Tenant, error)
	TouchTenant(ctx context.Context, id int64, at time.Time) error
}

type RateLimiter interface {
	CheckAndRecord(ctx context.Context, tenantID int64, endpoint string, maxRequests int, window time.Duration) (ratelimit.Decision, error)
}

type QuotaChecker interface {
	CheckAITokens(ctx context.Context, tenant *models.Tenant) error
	CheckPerformanceTests(ctx context.Context, tenant *models.Tenant) error
}

type Feature int

const (
	FeatureAI Feature = iota + 1
	FeaturePerformance
)

func (f Feature) String() string {
	switch f {
	case FeatureAI:
		return "ai"
	case FeaturePerformance:
		return "performance-testing"
	}
	return "unknown"
}

// RequireFeature returns a 403 when the tenant has f switched off.
func RequireFeature(tenant *models.Tenant, f Feature) error {
	enabled := false
	switch f {
	case FeatureAI:
		enabled = tenant.AIEnabled
	case FeaturePerformance:
		enabled = tenant.PerfEnabled
	}
	if !enabled {
		return apierr.Authorization(fmt.Sprintf("feature %s is disabled for this license", f))
	}
	return nil
}

// Credentials are the request metadata presented by a tenant.
type Credentials struct {
	APIKey   string
	SiteURL  string
	SourceIP string
}

// Policy describes what an endpoint requires beyond a valid tenant.
type Policy struct {
	Endpoint    string
	MaxRequests int
	Window      time.Duration
	Features    []Feature
	Quotas      []string
}

type Gate struct {
	tenants  TenantStore
	limiter  RateLimiter
	quota    QuotaChecker
	log      logrus.FieldLogger
	now      func() time.Time
	failures *failureThrottle
}

type GateOption func(*Gate)

// WithFailureThrottle rejects an IP once it has produced burst failed
// lookups faster than perSecond. A zero rate disables the throttle.
func WithFailureThrottle(perSecond float64, burst int) GateOption {
	return func(g *Gate) {
		if perSecond > 0 && burst > 0 {
			g.failures = newFailureThrottle(rate.Limit(perSecond), burst)
		}
	}
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(tenants TenantStore, limiter RateLimiter, quota QuotaChecker, log logrus.FieldLogger, opts ...GateOption) *Gate {
	g := &Gate{
		tenants: tenants,
		limiter: limiter,
		quota:   quota,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Lookup resolves the credentials to an active, unexpired tenant bound to
// the claimed site.
func (g *Gate) Lookup(ctx context.Context, creds Credentials) (*models.Tenant, error) {
	if creds.APIKey == "" {
		return nil, apierr.Authentication("missing API key")
	}
	if creds.SiteURL == "" {
		return nil, apierr.Authentication("missing site URL")
	}

	prefix := KeyPrefix(creds.APIKey)
	logger := g.log.WithFields(logrus.Fields{"key_prefix": prefix, "ip": creds.SourceIP})

	if g.failures != nil {
		if wait, blocked := g.failures.blocked(creds.SourceIP); blocked {
			logger.Warn("authentication throttled after repeated failures")
			return nil, apierr.RateLimited(wait, int64(g.failures.burst), int64(g.failures.burst))
		}
	}

	tenant, err := g.match(ctx, prefix, creds.APIKey)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		g.fail(logger, creds.SourceIP, "no tenant matches key")
		return nil, apierr.Authentication("invalid API key")
	}

	logger = logger.WithField("tenant_id", tenant.ID)
	if !SameSite(creds.SiteURL, tenant.SiteURL) {
		g.fail(logger.WithField("site_url", creds.SiteURL), creds.SourceIP, "site URL mismatch")
		return nil, apierr.Authorization("site URL does not match license")
	}

	now := g.now()
	if tenant.Expired(now) {
		g.fail(logger, creds.SourceIP, "license expired")
		return nil, apierr.Authorization("license expired")
	}

	if err := g.tenants.TouchTenant(ctx, tenant.ID, now); err != nil {
		logger.WithError(err).Warn("failed to update last seen")
	}
	tenant.LastSeenAt = &now
	return tenant, nil
}

func (g *Gate) match(ctx context.Context, prefix, key string) (*models.Tenant, error) {
	if prefix == "" {
		return nil, nil
	}
	candidates, err := g.tenants.FindTenantsByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("find tenants by prefix: %w", err)
	}
	for _, candidate := range candidates {
		if VerifyAPIKey(candidate.KeyHash, key) {
			return candidate, nil
		}
	}
	return nil, nil
}

func (g *Gate) fail(logger logrus.FieldLogger, ip, reason string) {
	logger.WithField("reason", reason).Warn("tenant authentication failed")
	if g.failures != nil {
		g.failures.record(ip)
	}
}

// Admit runs the full entry check: lookup, feature flags, rate limit and
// up-front quotas.
func (g *Gate) Admit(ctx context.Context, creds Credentials, p Policy) (*models.Tenant, error) {
	tenant, err := g.Lookup(ctx, creds)
	if err != nil {
		return nil, err
	}

	for _, f := range p.Features {
		if err := RequireFeature(tenant, f); err != nil {
			return tenant, err
		}
	}

	if p.MaxRequests > 0 {
		decision, err := g.limiter.CheckAndRecord(ctx, tenant.ID, p.Endpoint, p.MaxRequests, p.Window)
		if err != nil {
			return tenant, fmt.Errorf("rate limit check: %w", err)
		}
		if !decision.Allowed {
			g.log.WithFields(logrus.Fields{
				"tenant_id": tenant.ID,
				"endpoint":  p.Endpoint,
				"count":     decision.Count,
			}).Info("rate limit exceeded")
			return tenant, apierr.RateLimited(decision.RetryAfter, int64(decision.Limit), decision.Count)
		}
	}

	for _, category := range p.Quotas {
		if err := g.checkQuota(ctx, tenant, category); err != nil {
			return tenant, err
		}
	}
	return tenant, nil
}

func (g *Gate) checkQuota(ctx context.Context, tenant *models.Tenant, category string) error {
	switch category {
	case models.CategoryAI:
		return g.quota.CheckAITokens(ctx, tenant)
	case models.CategoryPerfTest:
		return g.quota.CheckPerformanceTests(ctx, tenant)
	}
	return fmt.Errorf("unknown quota category %q", category)
}

// failureThrottle keeps one token bucket per source IP; each failed lookup
// spends a token.
type failureThrottle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

const maxTrackedIPs = 10000

func newFailureThrottle(limit rate.Limit, burst int) *failureThrottle {
	return &failureThrottle{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (f *failureThrottle) blocked(ip string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.buckets[ip]
	if !ok || lim.Tokens() >= 1 {
		return 0, false
	}
	wait := time.Duration(float64(time.Second) / float64(f.limit))
	if wait < time.Second {
		wait = time.Second
	}
	return wait, true
}

func (f *failureThrottle) record(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.buckets[ip]
	if !ok {
		if len(f.buckets) >= maxTrackedIPs {
			f.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(f.limit, f.burst)
		f.buckets[ip] = lim
	}
	lim.Allow()
}
