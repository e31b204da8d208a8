// Package session is the agent-session collaborator boundary. The queue
// manager hands a task to a Runner and awaits exactly one completion
// callback; everything about model invocation behind the Runner is opaque
// to the scheduler.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/model"
)

// Request carries everything a session needs at hand-off time.
type Request struct {
	Task         model.Task
	Workspace    string
	WorkspaceDir string
	Directive    string
}

// CompleteFunc receives the session's reported outcome. The Runner contract
// is to invoke it exactly once per successful Start; failing to do so stalls
// the task and is an operational concern, not auto-recovered in-process.
type CompleteFunc func(success bool)

// Runner starts an agent session. A Start error means the hand-off itself
// failed and no callback will ever fire.
type Runner interface {
	Start(ctx context.Context, req Request, onComplete CompleteFunc) error
}

// Context is the session-scoped handle constructed at hand-off time and
// discarded at completion. Routing completion through this object, rather
// than a process-wide callback registry, means a late callback for a stopped
// or replaced session has nothing left to mutate.
type Context struct {
	ID        string
	TaskID    string
	Workspace string
	StartedAt time.Time

	cancel context.CancelFunc
}

// NewContext derives a cancellable run context from parent and wraps it in a
// session handle.
func NewContext(parent context.Context, taskID, workspace string) (*Context, context.Context) {
	runCtx, cancel := context.WithCancel(parent)
	sc := &Context{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Workspace: workspace,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	return sc, runCtx
}

// Stop cancels the session's run context. Safe to call more than once.
func (c *Context) Stop() {
	c.cancel()
}
