// Package queue implements the per-workspace queue manager: the scheduling
// pass that reconciles orphaned executions, enforces WIP limits, picks the
// next ready task FIFO, and hands it to the agent-session collaborator.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/flowline-dev/flowline/internal/contract"
	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/lease"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/session"
	"github.com/flowline-dev/flowline/internal/store"
)

const (
	ActorScheduler = "scheduler"
	ActorAgent     = "agent"
	ActorOperator  = "operator"
)

// staleWarnFactor scales the lease TTL into the dwell threshold after which
// a failed-but-executing task is flagged for operator attention.
const staleWarnFactor = 10

// Manager schedules one workspace. Different workspaces schedule fully
// independently; there is no cross-workspace coordination.
type Manager struct {
	workspace string
	store     *store.Store
	leases    *lease.Store
	runner    session.Runner
	bus       *events.Bus
	activity  *events.ActivityLog
	sched     model.SchedulerConfig
	ownerID   string
	logger    *log.Logger
	logLevel  logging.Level

	mu            sync.Mutex
	cfg           model.QueueConfig
	currentTaskID string
	sessions      map[string]*session.Context

	// processing is the re-entrancy guard: at most one pass runs at a time,
	// and kicks arriving during a pass are dropped. The safety ticker and the
	// post-completion re-kick recover any work a dropped kick would have done.
	processing atomic.Bool

	breaker *gobreaker.CircuitBreaker
	retryMu sync.Mutex
	retry   backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	workspace string,
	st *store.Store,
	leases *lease.Store,
	runner session.Runner,
	bus *events.Bus,
	activity *events.ActivityLog,
	sched model.SchedulerConfig,
	ownerID string,
	logger *log.Logger,
	level logging.Level,
) (*Manager, error) {
	cfg, err := st.LoadQueueConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(sched.RetryDelay()) * time.Second
	eb.MaxInterval = 2 * time.Minute
	eb.MaxElapsedTime = 0 // never give up; the safety ticker would re-kick anyway

	m := &Manager{
		workspace: workspace,
		store:     st,
		leases:    leases,
		runner:    runner,
		bus:       bus,
		activity:  activity,
		sched:     sched,
		ownerID:   ownerID,
		logger:    logger,
		logLevel:  level,
		cfg:       cfg,
		sessions:  make(map[string]*session.Context),
		retry:     eb,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agent-session:" + workspace,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return m, nil
}

// Run starts the low-frequency safety timer that re-triggers evaluation
// independent of external events. Blocks until Close.
func (m *Manager) Run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(m.sched.ScanInterval()) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Kick()
			}
		}
	}()
}

// Close stops the safety timer and cancels all live session contexts.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

// Start enables the scheduler, persists the flag, and immediately attempts
// one pass. Idempotent.
func (m *Manager) Start() error {
	if err := m.setEnabled(true); err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Stop disables the scheduler and persists the flag. It prevents future
// picks but does not interrupt an in-flight session; use StopExecution for
// that. Idempotent.
func (m *Manager) Stop() error {
	return m.setEnabled(false)
}

func (m *Manager) setEnabled(enabled bool) error {
	m.mu.Lock()
	m.cfg.Enabled = enabled
	cfg := m.cfg
	m.mu.Unlock()

	if err := m.store.SaveQueueConfig(cfg); err != nil {
		return fmt.Errorf("persist queue config: %w", err)
	}
	m.log(logging.LevelInfo, "queue_enabled=%t workspace=%s", enabled, m.workspace)
	m.publishQueueStatus(nil)
	return nil
}

// Kick requests a scheduling pass. No-op while disabled or while a pass is
// already running; bursts of kicks coalesce into one pass.
func (m *Manager) Kick() {
	if !m.Enabled() {
		return
	}
	if !m.processing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.processing.Store(false)
		m.pass()
	}()
}

// Status returns a read-only snapshot of the queue.
func (m *Manager) Status() events.QueueSnapshot {
	tasks, err := m.store.Discover()
	if err != nil {
		m.log(logging.LevelWarn, "status_discover_failed error=%v", err)
	}
	return m.snapshot(tasks)
}

func (m *Manager) snapshot(tasks []*model.Task) events.QueueSnapshot {
	snap := events.QueueSnapshot{}
	for _, t := range tasks {
		switch t.Phase {
		case model.PhaseReady:
			snap.ReadyCount++
		case model.PhaseExecuting:
			snap.ExecutingCount++
		}
	}
	m.mu.Lock()
	snap.Enabled = m.cfg.Enabled
	snap.CurrentTaskID = m.currentTaskID
	m.mu.Unlock()
	return snap
}

// pass is one scheduling evaluation. It never propagates an error: a single
// task's failure must not stop the workspace's scheduling loop.
func (m *Manager) pass() {
	defer func() {
		if r := recover(); r != nil {
			m.log(logging.LevelError, "pass_panic workspace=%s recovered=%v", m.workspace, r)
			m.clearCurrent("")
			m.scheduleRetry()
		}
	}()

	tasks, err := m.store.Discover()
	if err != nil {
		m.log(logging.LevelWarn, "pass_discover_failed error=%v", err)
		return
	}

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.Automation.BacklogToReady {
		m.promoteBacklog(tasks, cfg)
	}

	// Partition executing tasks into live (an in-process session handle
	// exists) and orphaned. Tasks carrying a reported failure are neither:
	// they wait for human triage and are deliberately not resumed.
	liveCount := 0
	var orphans []*model.Task
	for _, t := range tasks {
		if t.Phase != model.PhaseExecuting {
			continue
		}
		switch {
		case m.hasSession(t.ID):
			liveCount++
		case t.FailedAt != nil:
			m.warnStaleFailure(t)
		default:
			orphans = append(orphans, t)
		}
	}

	var resume *model.Task
	skip := make(map[string]bool)
	if len(orphans) > 0 {
		o := orphans[0]
		if m.withinFastFailGrace(o) {
			reason := "execution ended shortly after start; returned to ready"
			if err := m.store.Transition(o, model.PhaseReady, ActorScheduler, reason); err != nil {
				m.log(logging.LevelWarn, "fast_fail_return task=%s error=%v", o.ID, err)
			} else {
				if err := m.leases.Clear(o.ID); err != nil {
					m.log(logging.LevelWarn, "fast_fail_lease_clear task=%s error=%v", o.ID, err)
				}
				m.publishPhase(o.ID, model.PhaseExecuting, model.PhaseReady, reason)
				m.appendActivity(o.ID, ActorScheduler, "fast_failure", reason)
				skip[o.ID] = true
			}
		} else {
			resume = o
		}
	}

	// Only live sessions count toward the executing WIP limit.
	if liveCount >= cfg.Limits.ExecutingLimit() {
		m.publishQueueStatus(tasks)
		return
	}

	next := resume
	if next == nil {
		if !cfg.Automation.ReadyToExecuting {
			m.publishQueueStatus(tasks)
			return
		}
		next = pickReady(tasks, skip)
	}
	if next == nil {
		m.publishQueueStatus(tasks)
		return
	}

	if next.Phase == model.PhaseReady {
		reason := "picked by scheduler"
		if err := m.store.Transition(next, model.PhaseExecuting, ActorScheduler, reason); err != nil {
			m.log(logging.LevelWarn, "pick_transition task=%s error=%v", next.ID, err)
			m.publishQueueStatus(tasks)
			return
		}
		m.publishPhase(next.ID, model.PhaseReady, model.PhaseExecuting, reason)
	} else {
		m.log(logging.LevelInfo, "resume_orphan task=%s started=%s", next.ID, strOrEmpty(next.StartedAt))
		m.appendActivity(next.ID, ActorScheduler, "resume", "resumed orphaned execution")
	}

	m.handOff(next)
	m.publishQueueStatus(tasks)
}

// promoteBacklog moves planning-complete backlog tasks into ready, bounded
// by the ready WIP limit.
func (m *Manager) promoteBacklog(tasks []*model.Task, cfg model.QueueConfig) {
	readyCount := 0
	for _, t := range tasks {
		if t.Phase == model.PhaseReady {
			readyCount++
		}
	}

	for _, t := range tasks {
		if readyCount >= cfg.Limits.ReadyLimit() {
			return
		}
		if t.Phase != model.PhaseBacklog {
			continue
		}
		eligible := t.SkipPlanning ||
			(t.PlanningStatus == model.PlanningCompleted && len(t.AcceptanceCriteria) > 0)
		if !eligible {
			continue
		}

		reason := "planning complete; promoted to ready"
		if err := m.store.Transition(t, model.PhaseReady, ActorScheduler, reason); err != nil {
			m.log(logging.LevelWarn, "promote_failed task=%s error=%v", t.ID, err)
			continue
		}
		m.publishPhase(t.ID, model.PhaseBacklog, model.PhaseReady, reason)
		readyCount++
	}
}

// pickReady selects the next ready task FIFO by (order, created), excluding
// tasks whose planning is still running with no saved plan yet. Tasks are
// already in FIFO order from Discover.
func pickReady(tasks []*model.Task, skip map[string]bool) *model.Task {
	for _, t := range tasks {
		if t.Phase != model.PhaseReady || skip[t.ID] {
			continue
		}
		if t.PlanningInFlight() {
			continue
		}
		return t
	}
	return nil
}

func (m *Manager) withinFastFailGrace(t *model.Task) bool {
	if t.StartedAt == nil {
		return false
	}
	started, err := time.Parse(time.RFC3339, *t.StartedAt)
	if err != nil {
		return false
	}
	grace := time.Duration(m.sched.FastFailGrace()) * time.Second
	return time.Since(started) < grace
}

// handOff starts an agent session for the task. Start failures are caught
// here: bookkeeping is reset and a delayed retry is scheduled; the task
// stays executing and the next pass reconciles it as an orphan.
func (m *Manager) handOff(t *model.Task) {
	sctx, runCtx := session.NewContext(m.ctx, t.ID, m.workspace)

	m.mu.Lock()
	m.sessions[t.ID] = sctx
	m.currentTaskID = t.ID
	m.mu.Unlock()

	req := session.Request{
		Task:         *t,
		Workspace:    m.workspace,
		WorkspaceDir: m.store.WorkspaceDir(),
		Directive:    contract.Directive(contract.ResolveTask(t)),
	}
	onComplete := func(success bool) {
		m.completeExecution(sctx, success)
	}

	_, err := m.breaker.Execute(func() (any, error) {
		return nil, m.runner.Start(runCtx, req, onComplete)
	})
	if err != nil {
		m.log(logging.LevelWarn, "handoff_failed task=%s error=%v", t.ID, err)
		m.dropSession(sctx)
		sctx.Stop()
		m.appendActivity(t.ID, ActorScheduler, "handoff_failed", err.Error())
		m.scheduleRetry()
		return
	}
	m.resetRetry()

	hb := lease.NewHeartbeater(m.leases, t.ID, m.ownerID, time.Duration(m.sched.Heartbeat())*time.Second)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		hb.Run(runCtx)
	}()
}

// completeExecution handles the session's completion callback. The session
// identity check makes a late callback for a stopped or replaced session a
// no-op, so a deleted task cannot be resurrected.
func (m *Manager) completeExecution(sctx *session.Context, success bool) {
	taskID := sctx.TaskID
	if !m.dropSession(sctx) {
		m.log(logging.LevelInfo, "stale_completion task=%s session=%s", taskID, sctx.ID)
		return
	}
	sctx.Stop()

	// Re-read fresh: the record may have changed during execution.
	t, err := m.store.Get(taskID)
	switch {
	case err != nil:
		m.log(logging.LevelWarn, "completion_load_failed task=%s error=%v", taskID, err)
	case t.Phase != model.PhaseExecuting:
		m.log(logging.LevelInfo, "completion_phase_moved task=%s phase=%s", taskID, t.Phase)
	case success:
		reason := "execution completed"
		if err := m.store.Transition(t, model.PhaseComplete, ActorAgent, reason); err != nil {
			m.log(logging.LevelError, "completion_transition task=%s error=%v", taskID, err)
		} else {
			m.publishPhase(taskID, model.PhaseExecuting, model.PhaseComplete, reason)
			m.appendActivity(taskID, ActorAgent, "completed", reason)
		}
	default:
		// Reported failure: deliberately not auto-retried. The task stays in
		// executing for human triage so a systematic problem is not masked.
		now := time.Now().UTC().Format(time.RFC3339)
		t.FailedAt = &now
		if err := m.store.Save(t); err != nil {
			m.log(logging.LevelError, "failure_mark task=%s error=%v", taskID, err)
		}
		m.log(logging.LevelWarn, "execution_failed task=%s left in executing for triage", taskID)
		m.appendActivity(taskID, ActorAgent, "execution_failed", "agent reported failure; task left in executing")
		m.bus.Publish(events.Event{
			Type:      events.TypeQueueWarning,
			Workspace: m.workspace,
			TaskID:    taskID,
			Reason:    "agent reported failure; task left in executing",
		})
	}

	if err := m.leases.Clear(taskID); err != nil {
		m.log(logging.LevelWarn, "completion_lease_clear task=%s error=%v", taskID, err)
	}

	time.AfterFunc(time.Duration(m.sched.SettleDelay())*time.Millisecond, m.Kick)
}

// StopExecution cancels a task's live session, if any, and clears its lease.
// Required before deleting an executing task. Returns whether a session was
// stopped.
func (m *Manager) StopExecution(taskID string) bool {
	m.mu.Lock()
	sctx, ok := m.sessions[taskID]
	if ok {
		delete(m.sessions, taskID)
		if m.currentTaskID == taskID {
			m.currentTaskID = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	sctx.Stop()
	if err := m.leases.Clear(taskID); err != nil {
		m.log(logging.LevelWarn, "stop_lease_clear task=%s error=%v", taskID, err)
	}
	m.appendActivity(taskID, ActorOperator, "execution_stopped", "session cancelled by stop request")
	m.log(logging.LevelInfo, "execution_stopped task=%s session=%s", taskID, sctx.ID)
	return true
}

// HasSession reports whether an in-process session handle exists for the task.
func (m *Manager) HasSession(taskID string) bool {
	return m.hasSession(taskID)
}

func (m *Manager) hasSession(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[taskID]
	return ok
}

// dropSession removes the session handle if it is still the registered one.
func (m *Manager) dropSession(sctx *session.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sctx.TaskID]
	if !ok || cur.ID != sctx.ID {
		return false
	}
	delete(m.sessions, sctx.TaskID)
	if m.currentTaskID == sctx.TaskID {
		m.currentTaskID = ""
	}
	return true
}

func (m *Manager) clearCurrent(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID == "" || m.currentTaskID == taskID {
		m.currentTaskID = ""
	}
}

func (m *Manager) warnStaleFailure(t *model.Task) {
	if t.FailedAt == nil {
		return
	}
	failed, err := time.Parse(time.RFC3339, *t.FailedAt)
	if err != nil {
		return
	}
	threshold := time.Duration(staleWarnFactor*m.sched.LeaseTTL()) * time.Second
	if time.Since(failed) < threshold {
		return
	}
	m.bus.Publish(events.Event{
		Type:      events.TypeQueueWarning,
		Workspace: m.workspace,
		TaskID:    t.ID,
		Reason:    fmt.Sprintf("failed task has been awaiting triage since %s", *t.FailedAt),
	})
}

func (m *Manager) scheduleRetry() {
	m.retryMu.Lock()
	d := m.retry.NextBackOff()
	m.retryMu.Unlock()
	if d == backoff.Stop {
		d = 2 * time.Minute
	}
	m.log(logging.LevelInfo, "retry_scheduled workspace=%s delay=%s", m.workspace, d)
	time.AfterFunc(d, m.Kick)
}

func (m *Manager) resetRetry() {
	m.retryMu.Lock()
	m.retry.Reset()
	m.retryMu.Unlock()
}

func (m *Manager) publishPhase(taskID string, from, to model.Phase, reason string) {
	m.bus.Publish(events.Event{
		Type:      events.TypePhaseChanged,
		Workspace: m.workspace,
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	})
}

func (m *Manager) publishQueueStatus(tasks []*model.Task) {
	var snap events.QueueSnapshot
	if tasks != nil {
		snap = m.snapshot(tasks)
	} else {
		snap = m.Status()
	}
	m.bus.Publish(events.Event{
		Type:      events.TypeQueueStatus,
		Workspace: m.workspace,
		Queue:     &snap,
	})
}

func (m *Manager) appendActivity(taskID, actor, kind, detail string) {
	if m.activity == nil {
		return
	}
	if err := m.activity.Append(events.ActivityEntry{
		Workspace: m.workspace,
		TaskID:    taskID,
		Actor:     actor,
		Kind:      kind,
		Detail:    detail,
	}); err != nil {
		m.log(logging.LevelWarn, "activity_append_failed task=%s error=%v", taskID, err)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *Manager) log(level logging.Level, format string, args ...any) {
	if level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), level, msg)
}
