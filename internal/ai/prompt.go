package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

// Request is everything the model sees for one analysis.
type Request struct {
	URL             string
	Strategy        string
	Scores          models.ScoreSnapshot
	Opportunities   []models.Audit
	Diagnostics     []models.Audit
	CurrentSettings map[string]any
	Context         string
}

const systemInstruction = `You are a web performance engineer tuning a website optimization plugin.
Reply with a single JSON object and nothing else, using this shape:
{"summary": string, "priority": "high"|"medium"|"low",
 "recommendations": [{"setting_key": string, "recommended_value": any, "reason": string, "estimated_impact": string}],
 "additional_notes": string}
Only recommend keys that appear in the current settings.`

const maxAuditsInPrompt = 10

func BuildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "URL: %s\nStrategy: %s\n\n", req.URL, req.Strategy)

	s := req.Scores
	fmt.Fprintf(&b, "Scores: performance %d, accessibility %d, best practices %d, SEO %d\n",
		s.Performance, s.Accessibility, s.BestPractices, s.SEO)
	fmt.Fprintf(&b, "Metrics: FCP %.0fms, LCP %.0fms, CLS %.3f, TBT %.0fms, SI %.0fms, TTI %.0fms\n\n",
		s.FCPMs, s.LCPMs, s.CLS, s.TBTMs, s.SIMs, s.TTIMs)

	writeAudits(&b, "Opportunities", req.Opportunities)
	writeAudits(&b, "Diagnostics", req.Diagnostics)

	settings, err := json.MarshalIndent(req.CurrentSettings, "", "  ")
	if err != nil || req.CurrentSettings == nil {
		settings = []byte("{}")
	}
	fmt.Fprintf(&b, "Current settings:\n%s\n", settings)

	if c := strings.TrimSpace(req.Context); c != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", c)
	}
	return b.String()
}

func writeAudits(b *strings.Builder, title string, audits []models.Audit) {
	if len(audits) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for i, a := range audits {
		if i == maxAuditsInPrompt {
			fmt.Fprintf(b, "- ... %d more\n", len(audits)-i)
			break
		}
		line := "- " + a.Title
		if a.DisplayValue != "" {
			line += " (" + a.DisplayValue + ")"
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
}
