// Package contract maps a task's live phase and planning state to the
// agent's capability profile. Resolution is a total, pure function; each mode
// owns a fixed allowed/forbidden capability table. The table is consulted
// twice per session: once to build the directive injected into every agent
// turn, and once to reject a disallowed action the agent attempts anyway.
package contract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowline-dev/flowline/internal/model"
)

type Mode string

const (
	// ModeForeman is the workspace-level assistant with no specific task.
	ModeForeman       Mode = "foreman"
	ModeTaskPlanning  Mode = "task_planning"
	ModeTaskExecution Mode = "task_execution"
	ModeTaskComplete  Mode = "task_complete"
)

type Capability string

const (
	CapRead         Capability = "read"
	CapEdit         Capability = "edit"
	CapWrite        Capability = "write"
	CapShell        Capability = "shell"
	CapWebSearch    Capability = "web_search"
	CapFetch        Capability = "fetch"
	CapSavePlan     Capability = "save_plan"
	CapMarkComplete Capability = "mark_complete"
)

// AllCapabilities lists every capability a contract must classify.
var AllCapabilities = []Capability{
	CapRead, CapEdit, CapWrite, CapShell,
	CapWebSearch, CapFetch, CapSavePlan, CapMarkComplete,
}

// Contract is the derived capability profile for one mode. Never stored;
// computed on demand from a task snapshot.
type Contract struct {
	Mode      Mode
	Allowed   []Capability
	Forbidden []Capability
}

var contracts = map[Mode]Contract{
	ModeForeman: {
		Mode:      ModeForeman,
		Allowed:   []Capability{CapRead, CapShell, CapWebSearch, CapFetch},
		Forbidden: []Capability{CapEdit, CapWrite, CapSavePlan, CapMarkComplete},
	},
	ModeTaskPlanning: {
		Mode:      ModeTaskPlanning,
		Allowed:   []Capability{CapRead, CapShell, CapFetch, CapSavePlan},
		Forbidden: []Capability{CapEdit, CapWrite, CapMarkComplete, CapWebSearch},
	},
	ModeTaskExecution: {
		Mode:      ModeTaskExecution,
		Allowed:   []Capability{CapRead, CapShell, CapFetch, CapEdit, CapWrite, CapMarkComplete},
		Forbidden: []Capability{CapSavePlan, CapWebSearch},
	},
	ModeTaskComplete: {
		Mode:      ModeTaskComplete,
		Allowed:   []Capability{CapRead, CapShell, CapFetch, CapEdit, CapWrite},
		Forbidden: []Capability{CapSavePlan, CapMarkComplete, CapWebSearch},
	},
}

// Resolve maps (phase, planning status, plan presence) to a mode. Terminal
// and explicit states are checked before in-progress ones; the order of the
// branches is load-bearing.
func Resolve(phase model.Phase, planning model.PlanningStatus, planPresent bool) Mode {
	if phase == model.PhaseArchived ||
		planning == model.PlanningError ||
		(phase != model.PhaseBacklog && phase != model.PhaseExecuting) {
		return ModeTaskComplete
	}
	if phase == model.PhaseExecuting {
		return ModeTaskExecution
	}
	if phase == model.PhaseBacklog && planning == model.PlanningRunning && !planPresent {
		return ModeTaskPlanning
	}
	return ModeForeman
}

// ResolveTask resolves the mode for a live task snapshot. A nil task means
// no task context: foreman.
func ResolveTask(t *model.Task) Mode {
	if t == nil {
		return ModeForeman
	}
	return Resolve(t.Phase, t.PlanningStatus, t.HasPlan())
}

// For returns the capability contract for a mode. Unknown modes get the
// foreman contract, the most restricted mutation profile.
func For(mode Mode) Contract {
	if c, ok := contracts[mode]; ok {
		return c
	}
	return contracts[ModeForeman]
}

func IsAllowed(mode Mode, cap Capability) bool {
	for _, c := range For(mode).Allowed {
		if c == cap {
			return true
		}
	}
	return false
}

func IsForbidden(mode Mode, cap Capability) bool {
	return !IsAllowed(mode, cap)
}

// Check returns a reason-bearing error when the capability is not permitted
// under the mode. Used by the daemon's action gate.
func Check(mode Mode, cap Capability) error {
	if IsForbidden(mode, cap) {
		return fmt.Errorf("capability %q is forbidden in mode %q", cap, mode)
	}
	return nil
}

// Directive renders the per-turn instruction text describing what the agent
// may and may not do under the mode.
func Directive(mode Mode) string {
	c := For(mode)

	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", c.Mode)
	fmt.Fprintf(&b, "allowed: %s\n", joinCaps(c.Allowed))
	fmt.Fprintf(&b, "forbidden: %s\n", joinCaps(c.Forbidden))

	switch mode {
	case ModeForeman:
		b.WriteString("You are assisting at the workspace level. Do not modify files or task state.\n")
	case ModeTaskPlanning:
		b.WriteString("Produce and save a plan for the current task. Do not modify files or mark the task complete.\n")
	case ModeTaskExecution:
		b.WriteString("Execute the current task's plan. Mark the task complete when its acceptance criteria are met.\n")
	case ModeTaskComplete:
		b.WriteString("The current task is complete. Follow-up edits are permitted; re-completion and re-planning are not.\n")
	}
	return b.String()
}

func joinCaps(caps []Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
