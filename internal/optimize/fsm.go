package optimize

import (
	"errors"
	"fmt"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Event is something that happened to a session.
type Event int

const (
	// EventTested: a performance test returned scores.
	EventTested Event = iota + 1
	// EventAnalyzed: the AI returned a recommendation.
	EventAnalyzed
	// EventRetest: the caller applied settings and asked for a new test.
	EventRetest
	// EventFinalize: the loop converged, hit its cap or lost the AI.
	EventFinalize
	// EventFail: an adapter failed.
	EventFail
	// EventComplete: the caller closed the session.
	EventComplete
)

func (e Event) String() string {
	switch e {
	case EventTested:
		return "tested"
	case EventAnalyzed:
		return "analyzed"
	case EventRetest:
		return "retest"
	case EventFinalize:
		return "finalize"
	case EventFail:
		return "fail"
	case EventComplete:
		return "complete"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Next is the only place session states change.
func Next(from models.SessionState, ev Event) (models.SessionState, error) {
	switch ev {
	case EventTested:
		if from == models.StateRunning || from == models.StateTesting {
			return models.StateAnalyzing, nil
		}
	case EventAnalyzed:
		if from == models.StateAnalyzing {
			return models.StateApplying, nil
		}
	case EventRetest:
		if from == models.StateApplying || from == models.StateTesting {
			return models.StateTesting, nil
		}
	case EventFinalize:
		switch from {
		case models.StateApplying, models.StateTesting, models.StateAnalyzing:
			return models.StateCompleted, nil
		}
	case EventFail:
		if !from.Terminal() {
			return models.StateFailed, nil
		}
	case EventComplete:
		// Closing a session is allowed from anywhere.
		return models.StateCompleted, nil
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
}
