package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

// Result is what came back from the model: Structured when the expected
// JSON document could be recovered, Unstructured otherwise.
type Result interface {
	Recommendation() models.Recommendation
	isResult()
}

type Structured struct {
	Payload models.Recommendation
}

type Unstructured struct {
	RawText string
}

func (Structured) isResult()   {}
func (Unstructured) isResult() {}

func (s Structured) Recommendation() models.Recommendation {
	r := s.Payload
	r.Structured = true
	if r.Recommendations == nil {
		r.Recommendations = []models.SettingChange{}
	}
	return r
}

func (u Unstructured) Recommendation() models.Recommendation {
	return models.Recommendation{
		Summary:         "The model returned free text instead of structured recommendations.",
		Recommendations: []models.SettingChange{},
		RawResponse:     u.RawText,
	}
}

type parser func(raw string) (Result, bool)

var pipeline = []parser{parseDirect, parseFenced}

// Parse tries each parser in order and wraps the text when none succeeds.
func Parse(raw string) Result {
	for _, p := range pipeline {
		if r, ok := p(raw); ok {
			return r
		}
	}
	return Unstructured{RawText: raw}
}

func parseDirect(raw string) (Result, bool) {
	return decode(strings.TrimSpace(raw))
}

var fenced = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func parseFenced(raw string) (Result, bool) {
	for _, m := range fenced.FindAllStringSubmatch(raw, -1) {
		if r, ok := decode(strings.TrimSpace(m[1])); ok {
			return r, true
		}
	}
	return nil, false
}

func decode(text string) (Result, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var payload models.Recommendation
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, false
	}
	if payload.Summary == "" && len(payload.Recommendations) == 0 {
		return nil, false
	}
	return Structured{Payload: payload}, true
}
