package contract

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/flowline-dev/flowline/internal/model"
)

var allPhases = []model.Phase{
	model.PhaseBacklog, model.PhaseReady, model.PhaseExecuting,
	model.PhaseComplete, model.PhaseArchived,
}

var allPlanningStatuses = []model.PlanningStatus{
	model.PlanningUnset, model.PlanningRunning,
	model.PlanningCompleted, model.PlanningError,
}

// Resolution must be total: every combination of inputs lands in a known
// mode with a complete capability table.
func TestResolveIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		phase := rapid.SampledFrom(allPhases).Draw(t, "phase")
		planning := rapid.SampledFrom(allPlanningStatuses).Draw(t, "planning")
		planPresent := rapid.Bool().Draw(t, "planPresent")

		mode := Resolve(phase, planning, planPresent)
		if _, ok := contracts[mode]; !ok {
			t.Fatalf("Resolve(%s, %q, %t) = %q, not a known mode", phase, planning, planPresent, mode)
		}
	})
}

// For every mode each capability is exactly one of allowed or forbidden.
func TestCapabilityPartition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		phase := rapid.SampledFrom(allPhases).Draw(t, "phase")
		planning := rapid.SampledFrom(allPlanningStatuses).Draw(t, "planning")
		planPresent := rapid.Bool().Draw(t, "planPresent")
		cap := rapid.SampledFrom(AllCapabilities).Draw(t, "cap")

		mode := Resolve(phase, planning, planPresent)
		if IsAllowed(mode, cap) == IsForbidden(mode, cap) {
			t.Fatalf("mode %s: capability %s is both or neither of allowed/forbidden", mode, cap)
		}
	})
}

// Executing tasks always resolve to execution mode regardless of planning
// state; terminal phases never do.
func TestResolvePhaseDominance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		planning := rapid.SampledFrom(allPlanningStatuses).Draw(t, "planning")
		planPresent := rapid.Bool().Draw(t, "planPresent")

		if planning != model.PlanningError {
			if got := Resolve(model.PhaseExecuting, planning, planPresent); got != ModeTaskExecution {
				t.Fatalf("executing resolved to %s", got)
			}
		}
		for _, phase := range []model.Phase{model.PhaseReady, model.PhaseComplete, model.PhaseArchived} {
			if got := Resolve(phase, planning, planPresent); got != ModeTaskComplete {
				t.Fatalf("%s resolved to %s, want task_complete", phase, got)
			}
		}
	})
}
