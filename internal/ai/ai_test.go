package ai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
)

const structuredJSON = `{"summary":"Defer scripts","priority":"high","recommendations":[{"setting_key":"defer_js","recommended_value":true,"reason":"render blocking","estimated_impact":"+8"}],"additional_notes":"retest after"}`

func TestParsePipeline(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		structured bool
		summary    string
	}{
		{name: "direct json", raw: structuredJSON, structured: true, summary: "Defer scripts"},
		{name: "direct json with whitespace", raw: "\n  " + structuredJSON + "\n", structured: true, summary: "Defer scripts"},
		{name: "fenced json", raw: "Here you go:\n```json\n" + structuredJSON + "\n```\nGood luck", structured: true, summary: "Defer scripts"},
		{name: "fenced without language", raw: "```\n" + structuredJSON + "\n```", structured: true, summary: "Defer scripts"},
		{name: "second fence is the json", raw: "```bash\nwp cache flush\n```\n```json\n" + structuredJSON + "\n```", structured: true, summary: "Defer scripts"},
		{name: "prose", raw: "Enable lazy loading for images below the fold.", structured: false},
		{name: "broken json", raw: `{"summary": "cut off`, structured: false},
		{name: "json of wrong shape", raw: `{"foo": 1}`, structured: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Parse(tc.raw)
			switch r := result.(type) {
			case Structured:
				if !tc.structured {
					t.Fatalf("expected unstructured, got %+v", r)
				}
				rec := r.Recommendation()
				if rec.Summary != tc.summary || !rec.Structured || len(rec.Recommendations) != 1 {
					t.Fatalf("unexpected recommendation: %+v", rec)
				}
				if rec.Recommendations[0].SettingKey != "defer_js" {
					t.Fatalf("unexpected setting key %q", rec.Recommendations[0].SettingKey)
				}
			case Unstructured:
				if tc.structured {
					t.Fatalf("expected structured, got raw %q", r.RawText)
				}
				rec := r.Recommendation()
				if rec.RawResponse != tc.raw || rec.Structured {
					t.Fatalf("raw text must be preserved: %+v", rec)
				}
			default:
				t.Fatalf("unexpected result type %T", result)
			}
		})
	}
}

func TestEstimateCost(t *testing.T) {
	got := EstimateCost("gemini-2.0-flash", 1_000_000, 500_000)
	if math.Abs(got-0.30) > 1e-9 {
		t.Fatalf("expected 0.30, got %f", got)
	}
	if PricingFor("models/gemini-2.5-pro") != prices["gemini-2.5-pro"] {
		t.Fatal("models/ prefix should be ignored")
	}
	if PricingFor("some-future-model") != defaultPricing {
		t.Fatal("unknown models use the default price")
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(Request{
		URL:             "https://example.com/shop",
		Strategy:        "mobile",
		Scores:          models.ScoreSnapshot{Performance: 71, Accessibility: 90, BestPractices: 95, SEO: 100, LCPMs: 3200},
		Opportunities:   []models.Audit{{Title: "Eliminate render-blocking resources", DisplayValue: "Potential savings of 1,200 ms"}},
		CurrentSettings: map[string]any{"defer_js": false},
		Context:         "Iteration 2",
	})

	for _, want := range []string{"https://example.com/shop", "performance 71", "LCP 3200ms", "render-blocking", `"defer_js": false`, "Iteration 2"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func fakeResponse(text string, in, out int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: in, CandidatesTokenCount: out, TotalTokenCount: in + out},
	}
}

func newFakeClient(key string, gen generateFunc) *Client {
	c := NewClient(func() string { return key }, func() string { return "gemini-2.0-flash" }, time.Second)
	c.generate = gen
	return c
}

func TestAnalyze(t *testing.T) {
	c := newFakeClient("k", func(_ context.Context, apiKey, model, prompt string) (*genai.GenerateContentResponse, error) {
		if apiKey != "k" || model != "gemini-2.0-flash" || prompt == "" {
			t.Fatalf("unexpected call: %q %q", apiKey, model)
		}
		return fakeResponse("```json\n"+structuredJSON+"\n```", 1200, 300), nil
	})

	a, err := c.Analyze(context.Background(), Request{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, ok := a.Result.(Structured); !ok {
		t.Fatalf("expected structured result, got %T", a.Result)
	}
	if a.InputTokens != 1200 || a.OutputTokens != 300 || a.TokensUsed() != 1500 {
		t.Fatalf("unexpected tokens: %+v", a)
	}
	if want := EstimateCost("gemini-2.0-flash", 1200, 300); a.CostUSD != want {
		t.Fatalf("cost %f, want %f", a.CostUSD, want)
	}
}

func TestAnalyzeMissingKey(t *testing.T) {
	called := false
	c := newFakeClient("", func(context.Context, string, string, string) (*genai.GenerateContentResponse, error) {
		called = true
		return nil, nil
	})

	_, err := c.Analyze(context.Background(), Request{})
	if apierr.From(err).Status != http.StatusInternalServerError || !apierr.Is(err, apierr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if called {
		t.Fatal("no upstream call without a key")
	}
}

func TestAnalyzeUpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "api error message passes through", err: &googleapi.Error{Code: 429, Message: "Resource has been exhausted"}, want: "ai: Resource has been exhausted"},
		{name: "api error without message", err: &googleapi.Error{Code: 500}, want: "ai: HTTP 500"},
		{name: "transport error", err: errors.New("dial tcp: connection refused"), want: "ai: dial tcp: connection refused"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newFakeClient("k", func(context.Context, string, string, string) (*genai.GenerateContentResponse, error) {
				return nil, tc.err
			})
			_, err := c.Analyze(context.Background(), Request{})
			e := apierr.From(err)
			if e.Status != http.StatusBadGateway || e.Message != tc.want {
				t.Fatalf("got %d %q, want 502 %q", e.Status, e.Message, tc.want)
			}
		})
	}
}

func TestTokenUsageFallback(t *testing.T) {
	resp := &genai.GenerateContentResponse{}
	in, out := tokenUsage(resp, strings.Repeat("x", 400))
	if in != 0 || out != 100 {
		t.Fatalf("expected estimate 0/100, got %d/%d", in, out)
	}
}
