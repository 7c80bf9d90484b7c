// Package gateway is the tenant facing HTTP surface: every route is
// authenticated by the request gate, metered and logged as a usage row.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/ai"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/optimize"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/pagespeed"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/settings"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/vault"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	HeaderAPIKey          = "X-API-Key"
	HeaderSiteURL         = "X-Site-URL"
	HeaderTransitResponse = "X-Transit-Response"

	maxBodyBytes = 1 << 20
)

type Admitter interface {
	Admit(ctx context.Context, creds auth.Credentials, p auth.Policy) (*models.Tenant, error)
}

// Sessions is the optimization workflow plus its metered one-off calls.
type Sessions interface {
	Start(ctx context.Context, tenant *models.Tenant, req optimize.StartRequest) (*optimize.Result, error)
	Retest(ctx context.Context, tenant *models.Tenant, req optimize.RetestRequest) (*optimize.Result, error)
	Complete(ctx context.Context, tenant *models.Tenant, req optimize.CompleteRequest) (*optimize.Result, error)
	Get(ctx context.Context, tenant *models.Tenant, id uuid.UUID) (*models.Session, error)
	Test(ctx context.Context, tenant *models.Tenant, url string, strategy pagespeed.Strategy) (*models.TestResult, error)
	Analyze(ctx context.Context, tenant *models.Tenant, req ai.Request) (*ai.Analysis, error)
}

type ResultStore interface {
	Put(ctx context.Context, tenantID int64, res *models.TestResult) error
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (*models.TestResult, error)
	Latest(ctx context.Context, tenantID int64, url, strategy string) (*models.TestResult, error)
}

type UsageRecorder interface {
	LogUsage(ctx context.Context, rec *models.UsageRecord) error
}

type Flags interface {
	GetBool(key string, def bool) bool
}

type RequestObserver interface {
	ObserveRequest(route, method string, status int, d time.Duration)
}

type Deps struct {
	Gate     Admitter
	Sessions Sessions
	Results  ResultStore
	Quota    optimize.QuotaChecker
	Usage    UsageRecorder
	Flags    Flags
	Transit  *vault.Transit
	Metrics  RequestObserver

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []*net.IPNet
}

// Limits are the per-endpoint request caps over one shared window.
type Limits struct {
	Window   time.Duration
	Optimize int
	Test     int
	Analyze  int
}

type Handler struct {
	gate     Admitter
	sessions Sessions
	results  ResultStore
	quota    optimize.QuotaChecker
	usage    UsageRecorder
	flags    Flags
	transit  *vault.Transit
	metrics  RequestObserver
	proxies  []*net.IPNet
	limits   Limits
	log      logrus.FieldLogger
}

func NewHandler(d Deps, limits Limits, log logrus.FieldLogger) *Handler {
	transit := d.Transit
	if transit == nil {
		transit = vault.NewTransit()
	}
	return &Handler{
		gate:     d.Gate,
		sessions: d.Sessions,
		results:  d.Results,
		quota:    d.Quota,
		usage:    d.Usage,
		flags:    d.Flags,
		transit:  transit,
		metrics:  d.Metrics,
		proxies:  d.TrustedProxies,
		limits:   limits,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	optimizePolicy := auth.Policy{Endpoint: "optimize", MaxRequests: h.limits.Optimize, Window: h.limits.Window}
	router.Handle("/v1/optimize", h.guard(optimizePolicy, h.Optimize)).Methods(http.MethodPost)
	router.Handle("/v1/sessions/{id}", h.guard(auth.Policy{
		Endpoint:    "sessions",
		MaxRequests: h.limits.Optimize,
		Window:      h.limits.Window,
	}, h.GetSession)).Methods(http.MethodGet)

	router.Handle("/v1/performance/test", h.guard(auth.Policy{
		Endpoint:    "performance/test",
		MaxRequests: h.limits.Test,
		Window:      h.limits.Window,
		Features:    []auth.Feature{auth.FeaturePerformance},
	}, h.PerformanceTest)).Methods(http.MethodPost)
	router.Handle("/v1/performance/results/{id}", h.guard(auth.Policy{
		Endpoint:    "performance/results",
		MaxRequests: h.limits.Test,
		Window:      h.limits.Window,
	}, h.PerformanceResult)).Methods(http.MethodGet)

	router.Handle("/v1/ai/analyze", h.guard(auth.Policy{
		Endpoint:    "ai/analyze",
		MaxRequests: h.limits.Analyze,
		Window:      h.limits.Window,
		Features:    []auth.Feature{auth.FeatureAI},
		Quotas:      []string{models.CategoryAI},
	}, h.Analyze)).Methods(http.MethodPost)

	router.Handle("/v1/transit/verify", h.guard(auth.Policy{
		Endpoint:    "transit/verify",
		MaxRequests: h.limits.Optimize,
		Window:      h.limits.Window,
	}, h.TransitVerify)).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, apierr.NotFound("route not found"), nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"success": false,
			"code":    "method_not_allowed",
			"error":   r.Method + " is not allowed on " + r.URL.Path,
		})
	})
}

// guard admits the caller, stores the tenant in the request context and
// records one "request" usage row whatever the outcome.
func (h *Handler) guard(p auth.Policy, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		var tenant *models.Tenant
		defer func() {
			h.logAccess(r, tenant, p.Endpoint, rec, time.Since(start))
		}()

		if h.flags.GetBool(settings.KeyMaintenanceMode, false) {
			h.writeError(rec, r, apierr.Maintenance(), nil)
			return
		}

		creds := auth.Credentials{
			APIKey:   strings.TrimSpace(r.Header.Get(HeaderAPIKey)),
			SiteURL:  strings.TrimSpace(r.Header.Get(HeaderSiteURL)),
			SourceIP: h.clientIP(r),
		}
		t, err := h.gate.Admit(r.Context(), creds, p)
		tenant = t
		if err != nil {
			h.writeError(rec, r, err, nil)
			return
		}

		next(rec, r.WithContext(auth.WithTenant(r.Context(), t)))
	})
}

func (h *Handler) logAccess(r *http.Request, tenant *models.Tenant, endpoint string, resp *responseRecorder, elapsed time.Duration) {
	status := resp.statusCode
	rec := &models.UsageRecord{
		Endpoint:   endpoint,
		Category:   models.CategoryRequest,
		StatusCode: status,
		LatencyMs:  elapsed.Milliseconds(),
		Metadata: map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"ip":     h.clientIP(r),
			"bytes":  resp.size,
		},
	}
	if tenant != nil {
		id := tenant.ID
		rec.TenantID = &id
	}
	if err := h.usage.LogUsage(context.WithoutCancel(r.Context()), rec); err != nil {
		h.log.WithError(err).WithField("endpoint", endpoint).Warn("access log not written")
	}
	if h.metrics != nil {
		h.metrics.ObserveRequest(endpoint, r.Method, status, elapsed)
	}

	fields := logrus.Fields{"endpoint": endpoint, "status": status, "latency_ms": elapsed.Milliseconds()}
	if tenant != nil {
		fields["tenant_id"] = tenant.ID
	}
	h.log.WithFields(fields).Debug("request handled")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	e := apierr.Write(w, err, extra)

	logger := h.log.WithFields(logrus.Fields{"path": r.URL.Path, "status": e.Status})
	switch e.Kind {
	case apierr.KindConfiguration:
		logger.WithField("critical", true).Error(e.Message)
	case apierr.KindInternal:
		logger.WithError(e.Err).Error("internal error")
	case apierr.KindUpstream:
		logger.Warn(e.Message)
	}
}

func tenantFrom(r *http.Request) *models.Tenant {
	tenant, _ := auth.GetTenantFromContext(r.Context())
	return tenant
}

// clientIP is the socket peer unless that peer is a trusted proxy, in which
// case the first forwarded address wins.
func (h *Handler) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !h.trustedProxy(remote) {
		return remote
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return remote
}

func (h *Handler) trustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range h.proxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	size          int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.headerWritten = true
	size, err := r.ResponseWriter.Write(b)
	r.size += size
	return size, err
}
