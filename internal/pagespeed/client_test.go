package pagespeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
)

const lighthouseJSON = `{
  "lighthouseResult": {
    "categories": {
      "performance": {"score": 0.714},
      "accessibility": {"score": 0.9},
      "best-practices": {"score": 0.95},
      "seo": {"score": 1}
    },
    "audits": {
      "largest-contentful-paint": {"numericValue": 3200, "score": 0.5},
      "cumulative-layout-shift": {"numericValue": 0.12, "score": 0.7},
      "total-blocking-time": {"numericValue": 450, "score": 0.4},
      "render-blocking-resources": {"title": "Eliminate render-blocking resources", "displayValue": "Potential savings of 1,200 ms", "score": 0.3, "details": {"type": "opportunity", "overallSavingsMs": 1200}},
      "unused-css-rules": {"title": "Reduce unused CSS", "score": 0.5, "details": {"type": "opportunity", "overallSavingsMs": 300}},
      "uses-text-compression": {"title": "Enable text compression", "score": 1, "details": {"type": "opportunity", "overallSavingsMs": 0}},
      "dom-size": {"title": "Avoid an excessive DOM size", "score": 0.6, "details": {"type": "table"}},
      "is-on-https": {"title": "Uses HTTPS", "score": 1}
    }
  }
}`

func newTestClient(t *testing.T, key string, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), func() string { return key }, 5*time.Second, srv.Client(), srv.URL+"/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestRun(t *testing.T) {
	c := newTestClient(t, "psi-key", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "psi-key" {
			t.Errorf("api key not sent: %q", r.URL.RawQuery)
		}
		if q.Get("url") != "https://example.com" || q.Get("strategy") != "DESKTOP" {
			t.Errorf("unexpected query: %q", r.URL.RawQuery)
		}
		if len(q["category"]) != 4 {
			t.Errorf("expected four categories, got %v", q["category"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(lighthouseJSON))
	})

	res, err := c.Run(context.Background(), "https://example.com", StrategyDesktop)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	s := res.Scores
	if s.Performance != 71 || s.Accessibility != 90 || s.BestPractices != 95 || s.SEO != 100 {
		t.Fatalf("unexpected category scores: %+v", s)
	}
	if s.LCPMs != 3200 || s.CLS != 0.12 || s.TBTMs != 450 {
		t.Fatalf("unexpected metrics: %+v", s)
	}
	if res.Strategy != "desktop" || res.URL != "https://example.com" {
		t.Fatalf("unexpected result header: %+v", res)
	}

	if len(res.Opportunities) != 2 {
		t.Fatalf("expected 2 failing opportunities, got %+v", res.Opportunities)
	}
	if res.Opportunities[0].ID != "render-blocking-resources" || res.Opportunities[0].SavingsMs != 1200 {
		t.Fatalf("opportunities must be ordered by savings: %+v", res.Opportunities)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].ID != "dom-size" {
		t.Fatalf("unexpected diagnostics: %+v", res.Diagnostics)
	}
}

func TestRunUpstreamError(t *testing.T) {
	c := newTestClient(t, "psi-key", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "Quota exceeded for quota metric"}}`))
	})

	_, err := c.Run(context.Background(), "https://example.com", StrategyMobile)
	e := apierr.From(err)
	if e.Status != http.StatusBadGateway || e.Message != "pagespeed: Quota exceeded for quota metric" {
		t.Fatalf("got %d %q", e.Status, e.Message)
	}
}

func TestRunLighthouseRuntimeError(t *testing.T) {
	c := newTestClient(t, "psi-key", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lighthouseResult": {"runtimeError": {"code": "FAILED_DOCUMENT_REQUEST", "message": "Lighthouse was unable to reliably load the page"}}}`))
	})

	_, err := c.Run(context.Background(), "https://example.com", StrategyMobile)
	if !apierr.Is(err, apierr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestRunMissingKey(t *testing.T) {
	called := false
	c := newTestClient(t, " ", func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.Run(context.Background(), "https://example.com", StrategyMobile)
	if !apierr.Is(err, apierr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if called {
		t.Fatal("no request without a key")
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"desktop": StrategyDesktop,
		"DESKTOP": StrategyDesktop,
		"mobile":  StrategyMobile,
		"":        StrategyMobile,
		"tablet":  StrategyMobile,
	} {
		if got := ParseStrategy(in); got != want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", in, got, want)
		}
	}
}
