package ai

import "strings"

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var prices = map[string]Pricing{
	"gemini-2.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-2.0-flash":      {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-2.0-flash-lite": {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-1.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-1.5-flash":      {InputPerMillion: 0.075, OutputPerMillion: 0.30},
}

var defaultPricing = prices["gemini-2.0-flash"]

// PricingFor returns the price table of model, falling back to
// gemini-2.0-flash for unknown models.
func PricingFor(model string) Pricing {
	model = strings.TrimPrefix(strings.ToLower(model), "models/")
	if p, ok := prices[model]; ok {
		return p
	}
	return defaultPricing
}

// EstimateCost is an estimate only; it is never reconciled with billing.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	return float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
}
