package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/optimize"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func cidrs(t *testing.T, raw ...string) []*net.IPNet {
	t.Helper()
	out := make([]*net.IPNet, 0, len(raw))
	for _, r := range raw {
		_, cidr, err := net.ParseCIDR(r)
		if err != nil {
			t.Fatalf("parse %q: %v", r, err)
		}
		out = append(out, cidr)
	}
	return out
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "no proxies ignores forwarding headers",
			remote:  "198.51.100.9:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.8"},
			want:    "198.51.100.9",
		},
		{
			name:    "untrusted peer cannot forward",
			proxies: []string{"10.0.0.0/8"},
			remote:  "198.51.100.9:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:    "198.51.100.9",
		},
		{
			name:    "trusted proxy uses first forwarded address",
			proxies: []string{"10.0.0.0/8"},
			remote:  "10.0.0.2:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.4, 10.0.0.3"},
			want:    "203.0.113.4",
		},
		{
			name:    "trusted proxy falls back to X-Real-IP",
			proxies: []string{"10.0.0.0/8"},
			remote:  "10.0.0.2:4000",
			headers: map[string]string{"X-Forwarded-For": "garbage", "X-Real-IP": "203.0.113.5"},
			want:    "203.0.113.5",
		},
		{
			name:    "trusted proxy without headers",
			proxies: []string{"10.0.0.0/8"},
			remote:  "10.0.0.2:4000",
			want:    "10.0.0.2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handler{proxies: cidrs(t, tc.proxies...)}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := h.clientIP(req); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGateSeesResolvedAddress(t *testing.T) {
	h := newHarness(t)
	h.mount(h.gate, cidrs(t, "10.0.0.0/8"))
	h.sessions.result = &optimize.Result{Session: &models.Session{ID: uuid.New(), State: models.StateCompleted}}

	h.send(t, "198.51.100.9:4000", testKey, "203.0.113.7")
	if h.gate.ip != "198.51.100.9" {
		t.Fatalf("spoofed header reached the gate: %q", h.gate.ip)
	}

	h.send(t, "10.0.0.2:4000", testKey, "203.0.113.7")
	if h.gate.ip != "203.0.113.7" {
		t.Fatalf("forwarded address from trusted proxy = %q", h.gate.ip)
	}
}

type tenantByKey struct {
	tenant *models.Tenant
}

func (s tenantByKey) FindTenantsByKeyPrefix(context.Context, string) ([]*models.Tenant, error) {
	copied := *s.tenant
	return []*models.Tenant{&copied}, nil
}

func (tenantByKey) TouchTenant(context.Context, int64, time.Time) error { return nil }

type allowAll struct{}

func (allowAll) CheckAndRecord(_ context.Context, _ int64, _ string, maxRequests int, _ time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Limit: maxRequests}, nil
}

// realGate mounts an auth.Gate whose failed-lookup throttle allows two
// failures per address.
func (h *harness) realGate(t *testing.T, proxies []*net.IPNet) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	tenant := &models.Tenant{
		ID:          7,
		KeyHash:     string(hash),
		KeyPrefix:   auth.KeyPrefix(testKey),
		SiteURL:     "https://example.com",
		Active:      true,
		AIEnabled:   true,
		PerfEnabled: true,
	}
	gate := auth.NewGate(tenantByKey{tenant}, allowAll{}, h.quota, h.log, auth.WithFailureThrottle(0.001, 2))
	h.mount(gate, proxies)
	h.sessions.result = &optimize.Result{Session: &models.Session{ID: uuid.New(), State: models.StateCompleted}}
}

// send posts a complete action from remote, optionally with X-Forwarded-For.
func (h *harness) send(t *testing.T, remote, key, forwarded string) int {
	t.Helper()
	body := fmt.Sprintf(`{"action":"complete","session_id":%q}`, uuid.NewString())
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", strings.NewReader(body))
	req.RemoteAddr = remote
	req.Header.Set(HeaderAPIKey, key)
	req.Header.Set(HeaderSiteURL, "https://example.com")
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestForgedForwardingIsThrottledByPeer(t *testing.T) {
	h := newHarness(t)
	h.realGate(t, nil)

	var codes []int
	for i := 0; i < 6; i++ {
		codes = append(codes, h.send(t, "198.51.100.9:4000", "pk_test_wrongwrongwrong0", fmt.Sprintf("203.0.113.%d", i+1)))
	}
	want := []int{401, 401, 429, 429, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestForgedForwardingCannotLockOutTenant(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		// attacker and victim socket addresses
		attacker string
		victim   string
		forward  string
	}{
		{
			name:     "direct connections",
			attacker: "198.51.100.9:4000",
			victim:   "203.0.113.7:5000",
			forward:  "203.0.113.7",
		},
		{
			name:     "untrusted forwarder",
			proxies:  []string{"10.0.0.0/8"},
			attacker: "198.51.100.9:4000",
			victim:   "203.0.113.7:5000",
			forward:  "203.0.113.7",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.realGate(t, cidrs(t, tc.proxies...))

			for i := 0; i < 3; i++ {
				h.send(t, tc.attacker, "pk_test_wrongwrongwrong0", tc.forward)
			}
			if code := h.send(t, tc.victim, testKey, ""); code != http.StatusOK {
				t.Fatalf("valid key from %s got %d, want 200", tc.victim, code)
			}
		})
	}
}

func TestTrustedProxyThrottlesPerClient(t *testing.T) {
	h := newHarness(t)
	h.realGate(t, cidrs(t, "10.0.0.0/8"))

	for i := 0; i < 3; i++ {
		h.send(t, "10.0.0.2:4000", "pk_test_wrongwrongwrong0", "203.0.113.50")
	}
	if code := h.send(t, "10.0.0.2:4000", testKey, "203.0.113.50"); code != http.StatusTooManyRequests {
		t.Fatalf("abusive client behind proxy got %d, want 429", code)
	}
	if code := h.send(t, "10.0.0.2:4000", testKey, "203.0.113.7"); code != http.StatusOK {
		t.Fatalf("other client behind the same proxy got %d, want 200", code)
	}
}
