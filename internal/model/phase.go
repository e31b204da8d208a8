package model

import "fmt"

type Phase string

const (
	PhaseBacklog   Phase = "backlog"
	PhaseReady     Phase = "ready"
	PhaseExecuting Phase = "executing"
	PhaseComplete  Phase = "complete"
	PhaseArchived  Phase = "archived"
)

type PlanningStatus string

const (
	PlanningUnset     PlanningStatus = ""
	PlanningRunning   PlanningStatus = "running"
	PlanningCompleted PlanningStatus = "completed"
	PlanningError     PlanningStatus = "error"
)

var validPhases = map[Phase]bool{
	PhaseBacklog:   true,
	PhaseReady:     true,
	PhaseExecuting: true,
	PhaseComplete:  true,
	PhaseArchived:  true,
}

// Phase edges: backlog may jump straight to executing, executing may fall back
// to ready on failure or crash recovery, and archived may be restored manually.
var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseBacklog: {
		PhaseReady:     true,
		PhaseExecuting: true,
	},
	PhaseReady: {
		PhaseExecuting: true,
	},
	PhaseExecuting: {
		PhaseComplete: true,
		PhaseReady:    true,
	},
	PhaseComplete: {
		PhaseArchived: true,
	},
	PhaseArchived: {
		PhaseComplete: true,
	},
}

func ValidPhase(p Phase) bool {
	return validPhases[p]
}

func ValidatePhaseTransition(from, to Phase) error {
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}

// TransitionGuard evaluates the phase-specific guards for moving a task to
// the given phase. Guards are checked before any mutation; a non-nil error
// means the transition must be rejected whole.
func TransitionGuard(t *Task, to Phase) error {
	if t.Phase == PhaseBacklog && (to == PhaseReady || to == PhaseExecuting) {
		if len(t.AcceptanceCriteria) == 0 && !t.SkipPlanning {
			return fmt.Errorf("task %s has no acceptance criteria and skip_planning is not set", t.ID)
		}
	}
	return nil
}
