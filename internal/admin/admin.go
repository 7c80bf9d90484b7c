package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/db"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/quota"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/settings"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	defaultDailyTestQuota = 50
	// Thousands of tokens, as stored on the tenant.
	defaultMonthlyTokenQuota = 1000
	defaultSessionLimit      = 50
	maxSessionLimit          = 500
)

type Store interface {
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenantByID(ctx context.Context, id int64) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, id int64, u db.TenantUpdate) error
	DeactivateTenant(ctx context.Context, id int64) error
	RotateAPIKey(ctx context.Context, id int64, keyHash, keyPrefix string) error
	GetTenantAnalytics(ctx context.Context, tenantID int64, from, to time.Time) (*models.UsageSummary, error)
	ListSessions(ctx context.Context, tenantID int64, limit int) ([]*models.Session, error)
}

type Settings interface {
	List() []models.Setting
	SaveMany(ctx context.Context, entries []settings.Entry) error
	Reload(ctx context.Context) error
}

type AdminHandler struct {
	store       Store
	settings    Settings
	adminSecret string
	jwtSecret   string
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewAdminHandler(store Store, s Settings, adminSecret, jwtSecret string, log logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{
		store:       store,
		settings:    s,
		adminSecret: adminSecret,
		jwtSecret:   jwtSecret,
		log:         log,
		now:         time.Now,
	}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/token", h.IssueToken).Methods(http.MethodPost)

	api := router.PathPrefix("/admin").Subrouter()
	api.Use(auth.NewMiddleware(h.jwtSecret).Authenticate)

	// Tenant management
	api.HandleFunc("/tenants", h.ListTenants).Methods(http.MethodGet)
	api.HandleFunc("/tenants", h.CreateTenant).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{id}", h.GetTenant).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{id}", h.UpdateTenant).Methods(http.MethodPut)
	api.HandleFunc("/tenants/{id}", h.DeactivateTenant).Methods(http.MethodDelete)
	api.HandleFunc("/tenants/{id}/rotate-key", h.RotateAPIKey).Methods(http.MethodPost)

	// Usage
	api.HandleFunc("/tenants/{id}/analytics", h.GetAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{id}/sessions", h.ListSessions).Methods(http.MethodGet)

	// Settings
	api.HandleFunc("/settings", h.ListSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", h.SaveSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings/reload", h.ReloadSettings).Methods(http.MethodPost)
}

// IssueToken exchanges the admin secret for a bearer token.
func (h *AdminHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apierr.Validation("invalid request body"))
		return
	}
	if req.Secret == "" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.adminSecret)) != 1 {
		h.log.WithField("ip", r.RemoteAddr).Warn("admin token refused")
		h.fail(w, r, apierr.Authentication("invalid admin secret"))
		return
	}

	token, err := auth.GenerateToken("admin", h.jwtSecret)
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int64(auth.AdminTokenTTL.Seconds()),
	})
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string     `json:"name"`
		SiteURL           string     `json:"site_url"`
		ExpiresAt         *time.Time `json:"expires_at"`
		AIEnabled         *bool      `json:"ai_enabled"`
		PerfEnabled       *bool      `json:"perf_enabled"`
		MonthlyTokenQuota int64      `json:"monthly_token_quota"`
		DailyTestQuota    int64      `json:"daily_test_quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apierr.Validation("invalid request body"))
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SiteURL) == "" {
		h.fail(w, r, apierr.Validation("name and site_url are required"))
		return
	}
	site, ok := siteURL(req.SiteURL)
	if !ok {
		h.fail(w, r, apierr.Validation("site_url must be an absolute http(s) URL"))
		return
	}
	if req.MonthlyTokenQuota <= 0 {
		req.MonthlyTokenQuota = defaultMonthlyTokenQuota
	}
	if req.DailyTestQuota <= 0 {
		req.DailyTestQuota = defaultDailyTestQuota
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}

	tenant := &models.Tenant{
		Name:              strings.TrimSpace(req.Name),
		KeyHash:           hash,
		KeyPrefix:         auth.KeyPrefix(apiKey),
		SiteURL:           site,
		Active:            true,
		ExpiresAt:         req.ExpiresAt,
		AIEnabled:         boolOr(req.AIEnabled, true),
		PerfEnabled:       boolOr(req.PerfEnabled, true),
		MonthlyTokenQuota: req.MonthlyTokenQuota,
		DailyTestQuota:    req.DailyTestQuota,
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}

	h.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "site_url": tenant.SiteURL}).Info("tenant created")
	// The plaintext key is only ever returned here.
	apierr.WriteJSON(w, http.StatusCreated, map[string]any{
		"tenant":  tenant,
		"api_key": apiKey,
	})
}

func (h *AdminHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (h *AdminHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	tenant, err := h.store.GetTenantByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, storeError(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, tenant)
}

func (h *AdminHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var updates db.TenantUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		h.fail(w, r, apierr.Validation("invalid request body"))
		return
	}
	if updates.SiteURL != nil {
		normalized, ok := siteURL(*updates.SiteURL)
		if !ok {
			h.fail(w, r, apierr.Validation("site_url must be an absolute http(s) URL"))
			return
		}
		updates.SiteURL = &normalized
	}

	if err := h.store.UpdateTenant(r.Context(), id, updates); err != nil {
		h.fail(w, r, storeError(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *AdminHandler) DeactivateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeactivateTenant(r.Context(), id); err != nil {
		h.fail(w, r, storeError(err))
		return
	}
	h.log.WithField("tenant_id", id).Info("tenant deactivated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}

	if err := h.store.RotateAPIKey(r.Context(), id, hash, auth.KeyPrefix(apiKey)); err != nil {
		h.fail(w, r, storeError(err))
		return
	}
	h.log.WithField("tenant_id", id).Info("api key rotated")
	apierr.WriteJSON(w, http.StatusOK, map[string]string{
		"api_key": apiKey,
		"status":  "rotated",
	})
}

// GetAnalytics summarizes usage between from and to (RFC 3339 or
// YYYY-MM-DD). The default range is the current month.
func (h *AdminHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	now := h.now().UTC()
	from, err := parseTime(r.URL.Query().Get("from"), quota.MonthStart(now))
	if err != nil {
		h.fail(w, r, apierr.Validation("from must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"), now)
	if err != nil {
		h.fail(w, r, apierr.Validation("to must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	if to.Before(from) {
		h.fail(w, r, apierr.Validation("to must not be before from"))
		return
	}

	stats, err := h.store.GetTenantAnalytics(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"from":    from,
		"to":      to,
		"summary": stats,
	})
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.fail(w, r, apierr.Validation("limit must be a positive integer"))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := h.store.ListSessions(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *AdminHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"settings": h.settings.List()})
}

// SaveSettings applies a batch of settings atomically.
func (h *AdminHandler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Settings []settings.Entry `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apierr.Validation("invalid request body"))
		return
	}
	if len(req.Settings) == 0 {
		h.fail(w, r, apierr.Validation("settings must not be empty"))
		return
	}
	for _, e := range req.Settings {
		if strings.TrimSpace(e.Key) == "" {
			h.fail(w, r, apierr.Validation("every setting needs a key"))
			return
		}
	}

	if err := h.settings.SaveMany(r.Context(), req.Settings); err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}

	keys := make([]string, 0, len(req.Settings))
	for _, e := range req.Settings {
		keys = append(keys, e.Key)
	}
	h.log.WithField("keys", keys).Info("settings saved")
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"status": "saved", "count": len(req.Settings)})
}

func (h *AdminHandler) ReloadSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.Reload(r.Context()); err != nil {
		h.fail(w, r, apierr.Internal(err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *AdminHandler) tenantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		h.fail(w, r, apierr.Validation("invalid tenant id"))
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.Write(w, err, nil)
	if e.Kind == apierr.KindInternal {
		h.log.WithError(e.Err).WithField("path", r.URL.Path).Error("admin request failed")
	}
}

func storeError(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return apierr.NotFound("tenant not found")
	}
	return apierr.Internal(err)
}

func siteURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return auth.NormalizeURL(raw), true
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func parseTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
