// Package model defines the data structures for Flowline's tasks, leases,
// and configuration files.
package model

const TaskSchemaVersion = 1

type AcceptanceCriterion struct {
	Text string `yaml:"text"`
	Done bool   `yaml:"done"`
}

// TransitionRecord is one audit entry appended by the phase-transition
// operation. The history doubles as the activity timeline source and as the
// recovery sweep's evidence trail.
type TransitionRecord struct {
	ID     string `yaml:"id"`
	From   Phase  `yaml:"from"`
	To     Phase  `yaml:"to"`
	At     string `yaml:"at"`
	Actor  string `yaml:"actor"`
	Reason string `yaml:"reason,omitempty"`
}

type Task struct {
	SchemaVersion int    `yaml:"schema_version"`
	ID            string `yaml:"id"`
	Title         string `yaml:"title"`
	Description   string `yaml:"description,omitempty"`

	Phase          Phase          `yaml:"phase"`
	Order          float64        `yaml:"order"`
	PlanningStatus PlanningStatus `yaml:"planning_status,omitempty"`
	Plan           *string        `yaml:"plan,omitempty"`
	SkipPlanning   bool           `yaml:"skip_planning,omitempty"`

	AcceptanceCriteria []AcceptanceCriterion `yaml:"acceptance_criteria"`
	Summary            *string               `yaml:"summary,omitempty"`

	// Blocked bookkeeping: blocked_since is set whenever an execution is
	// returned to ready, and folded into blocked_duration_sec on the next pick.
	BlockedCount       int     `yaml:"blocked_count,omitempty"`
	BlockedDurationSec float64 `yaml:"blocked_duration_sec,omitempty"`
	BlockedSince       *string `yaml:"blocked_since,omitempty"`

	StartedAt   *string `yaml:"started_at,omitempty"`
	CompletedAt *string `yaml:"completed_at,omitempty"`
	// FailedAt marks an agent-reported failure. The task stays in executing
	// until an operator intervenes; the scheduler skips it.
	FailedAt  *string `yaml:"failed_at,omitempty"`
	CreatedAt string  `yaml:"created_at"`
	UpdatedAt string  `yaml:"updated_at"`

	History []TransitionRecord `yaml:"history,omitempty"`
}

func (t *Task) HasPlan() bool {
	return t.Plan != nil && *t.Plan != ""
}

// PlanningInFlight reports whether planning is still running with no saved
// plan yet. Such tasks are skipped by the scheduler's ready pick.
func (t *Task) PlanningInFlight() bool {
	return t.PlanningStatus == PlanningRunning && !t.HasPlan()
}

// Draft is a staged task awaiting promotion into the backlog.
type Draft struct {
	SchemaVersion int      `yaml:"schema_version"`
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Description   string   `yaml:"description,omitempty"`
	SkipPlanning  bool     `yaml:"skip_planning,omitempty"`
	Criteria      []string `yaml:"criteria,omitempty"`
	CreatedAt     string   `yaml:"created_at"`
}
