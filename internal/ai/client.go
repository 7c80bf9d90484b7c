// Package ai talks to the Gemini API and turns its answers into
// setting recommendations.
package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const serviceName = "ai"

// Analysis is one model call, parsed and priced.
type Analysis struct {
	Result       Result
	RawText      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Latency      time.Duration
}

func (a *Analysis) TokensUsed() int64 {
	return a.InputTokens + a.OutputTokens
}

type generateFunc func(ctx context.Context, apiKey, model, prompt string) (*genai.GenerateContentResponse, error)

// Client resolves its API key and model on every call so that settings
// changes apply without a restart.
type Client struct {
	apiKey  func() string
	model   func() string
	timeout time.Duration

	generate generateFunc

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewClient(apiKey, model func() string, timeout time.Duration) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		clients: make(map[string]*genai.Client),
	}
	c.generate = c.generateGemini
	return c
}

func (c *Client) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	key := strings.TrimSpace(c.apiKey())
	if key == "" {
		return nil, apierr.Configuration("AI API key is not configured")
	}
	model := c.model()

	ctx, span := otel.Tracer("ai-client").Start(ctx, "gemini.generate_content")
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", model), attribute.String("page.url", req.URL))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.generate(ctx, key, model, BuildPrompt(req))
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate content failed")
		return nil, upstreamError(err)
	}

	text := responseText(resp)
	if text == "" {
		span.SetStatus(codes.Error, "empty response")
		return nil, apierr.Upstream(serviceName, "empty response from model", 200, nil)
	}

	in, out := tokenUsage(resp, text)
	span.SetAttributes(
		attribute.Int64("gemini.input_tokens", in),
		attribute.Int64("gemini.output_tokens", out),
	)

	return &Analysis{
		Result:       Parse(text),
		RawText:      text,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      EstimateCost(model, in, out),
		Latency:      latency,
	}, nil
}

func (c *Client) generateGemini(ctx context.Context, apiKey, model, prompt string) (*genai.GenerateContentResponse, error) {
	client, err := c.clientFor(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	m := client.GenerativeModel(model)
	m.SetTemperature(0.2)
	m.SetMaxOutputTokens(4096)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = genai.NewUserContent(genai.Text(systemInstruction))

	return m.GenerateContent(ctx, genai.Text(prompt))
}

// clientFor reuses one SDK client per API key.
func (c *Client) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[apiKey]; ok {
		return client, nil
	}
	for k, old := range c.clients {
		old.Close()
		delete(c.clients, k)
	}

	client, err := genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	c.clients[apiKey] = client
	return client, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for k, client := range c.clients {
		errs = append(errs, client.Close())
		delete(c.clients, k)
	}
	return errors.Join(errs...)
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

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		break
	}
	return b.String()
}

// tokenUsage prefers provider counts and falls back to a 4 chars per token
// estimate of the output.
func tokenUsage(resp *genai.GenerateContentResponse, text string) (int64, int64) {
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		return int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	out := int64(len(text) / 4)
	if out < 1 {
		out = 1
	}
	return 0, out
}
