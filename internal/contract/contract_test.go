package contract

import (
	"strings"
	"testing"

	"github.com/flowline-dev/flowline/internal/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		phase       model.Phase
		planning    model.PlanningStatus
		planPresent bool
		want        Mode
	}{
		{"archived task", model.PhaseArchived, model.PlanningCompleted, true, ModeTaskComplete},
		{"planning error wins over phase", model.PhaseBacklog, model.PlanningError, false, ModeTaskComplete},
		{"ready resolves to complete mode", model.PhaseReady, model.PlanningCompleted, true, ModeTaskComplete},
		{"complete phase", model.PhaseComplete, model.PlanningCompleted, true, ModeTaskComplete},
		{"executing", model.PhaseExecuting, model.PlanningCompleted, true, ModeTaskExecution},
		{"executing ignores planning state", model.PhaseExecuting, model.PlanningRunning, false, ModeTaskExecution},
		{"backlog planning in flight", model.PhaseBacklog, model.PlanningRunning, false, ModeTaskPlanning},
		{"backlog planning running with plan saved", model.PhaseBacklog, model.PlanningRunning, true, ModeForeman},
		{"backlog unplanned", model.PhaseBacklog, model.PlanningUnset, false, ModeForeman},
		{"backlog planning completed", model.PhaseBacklog, model.PlanningCompleted, true, ModeForeman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.phase, tt.planning, tt.planPresent)
			if got != tt.want {
				t.Errorf("Resolve(%s, %q, %t) = %s, want %s", tt.phase, tt.planning, tt.planPresent, got, tt.want)
			}
		})
	}
}

func TestResolveTaskNil(t *testing.T) {
	if got := ResolveTask(nil); got != ModeForeman {
		t.Errorf("ResolveTask(nil) = %s, want foreman", got)
	}
}

func TestContractTablesCoverAllCapabilities(t *testing.T) {
	for mode, c := range contracts {
		seen := make(map[Capability]int)
		for _, cap := range c.Allowed {
			seen[cap]++
		}
		for _, cap := range c.Forbidden {
			seen[cap]++
		}
		for _, cap := range AllCapabilities {
			if seen[cap] != 1 {
				t.Errorf("mode %s classifies %s %d times, want exactly once", mode, cap, seen[cap])
			}
		}
		if len(seen) != len(AllCapabilities) {
			t.Errorf("mode %s classifies %d capabilities, want %d", mode, len(seen), len(AllCapabilities))
		}
	}
}

func TestCapabilityGates(t *testing.T) {
	tests := []struct {
		mode    Mode
		cap     Capability
		allowed bool
	}{
		{ModeForeman, CapRead, true},
		{ModeForeman, CapWebSearch, true},
		{ModeForeman, CapEdit, false},
		{ModeForeman, CapMarkComplete, false},
		{ModeTaskPlanning, CapSavePlan, true},
		{ModeTaskPlanning, CapWrite, false},
		{ModeTaskPlanning, CapMarkComplete, false},
		{ModeTaskExecution, CapEdit, true},
		{ModeTaskExecution, CapWrite, true},
		{ModeTaskExecution, CapMarkComplete, true},
		{ModeTaskExecution, CapSavePlan, false},
		{ModeTaskComplete, CapEdit, true},
		{ModeTaskComplete, CapMarkComplete, false},
		{ModeTaskComplete, CapSavePlan, false},
	}

	for _, tt := range tests {
		if got := IsAllowed(tt.mode, tt.cap); got != tt.allowed {
			t.Errorf("IsAllowed(%s, %s) = %t, want %t", tt.mode, tt.cap, got, tt.allowed)
		}
		err := Check(tt.mode, tt.cap)
		if tt.allowed && err != nil {
			t.Errorf("Check(%s, %s) unexpected error: %v", tt.mode, tt.cap, err)
		}
		if !tt.allowed && err == nil {
			t.Errorf("Check(%s, %s) expected error, got nil", tt.mode, tt.cap)
		}
	}
}

func TestUnknownModeFallsBackToForeman(t *testing.T) {
	c := For(Mode("mystery"))
	if c.Mode != ModeForeman {
		t.Errorf("unknown mode resolved to %s, want foreman", c.Mode)
	}
}

func TestDirective(t *testing.T) {
	d := Directive(ModeTaskExecution)
	if !strings.Contains(d, "mode: task_execution") {
		t.Errorf("directive missing mode line:\n%s", d)
	}
	if !strings.Contains(d, "mark_complete") {
		t.Errorf("directive missing mark_complete capability:\n%s", d)
	}
}
