package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle position of an optimization session.
type SessionState int

const (
	StateRunning SessionState = iota + 1
	StateAnalyzing
	StateApplying
	StateTesting
	StateCompleted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAnalyzing:
		return "analyzing"
	case StateApplying:
		return "applying"
	case StateTesting:
		return "testing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func ParseSessionState(s string) (SessionState, error) {
	switch s {
	case "running":
		return StateRunning, nil
	case "analyzing":
		return StateAnalyzing, nil
	case "applying":
		return StateApplying, nil
	case "testing":
		return StateTesting, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	}
	return 0, fmt.Errorf("unknown session state %q", s)
}

func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseSessionState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Session struct {
	ID              uuid.UUID       `json:"session_id"`
	TenantID        int64           `json:"tenant_id"`
	Type            string          `json:"session_type"`
	URL             string          `json:"url"`
	Strategy        string          `json:"strategy"`
	State           SessionState    `json:"state"`
	InitialScores   *ScoreSnapshot  `json:"initial_scores,omitempty"`
	LatestScores    *ScoreSnapshot  `json:"latest_scores,omitempty"`
	FinalScores     *ScoreSnapshot  `json:"final_scores,omitempty"`
	Recommendation  *Recommendation `json:"recommendation,omitempty"`
	AppliedSettings map[string]any  `json:"applied_settings,omitempty"`
	InputTokens     int64           `json:"input_tokens"`
	OutputTokens    int64           `json:"output_tokens"`
	CostUSD         float64         `json:"cost_usd"`
	Iterations      int             `json:"iterations"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func (s *Session) TokensUsed() int64 {
	return s.InputTokens + s.OutputTokens
}

// AppendError keeps earlier failure text and adds msg after it.
func (s *Session) AppendError(msg string) {
	if msg == "" {
		return
	}
	if s.Error == "" {
		s.Error = msg
		return
	}
	s.Error = s.Error + "; " + msg
}
