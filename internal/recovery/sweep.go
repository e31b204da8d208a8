// Package recovery reconciles on-disk execution state at daemon boot. Any
// task recorded as executing whose lease is missing or stale is returned to
// ready before the queue managers start.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/lease"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/store"
)

// StaleReason classifies why an executing task was judged abandoned.
type StaleReason string

const (
	ReasonNoLease          StaleReason = "no_lease"
	ReasonInvalidHeartbeat StaleReason = "invalid_heartbeat"
	ReasonHeartbeatExpired StaleReason = "heartbeat_expired"
)

const actorRecovery = "recovery"

// Repair records one demotion performed by the sweep. OwnerID carries the
// lease holder when the lease existed; it is empty for no_lease repairs.
type Repair struct {
	Workspace string
	TaskID    string
	Reason    StaleReason
	OwnerID   string
}

// Workspace bundles the per-workspace collaborators the sweep operates on.
type Workspace struct {
	Name   string
	Store  *store.Store
	Leases *lease.Store
}

type Sweeper struct {
	ttl      time.Duration
	bus      *events.Bus
	activity *events.ActivityLog
	logger   *log.Logger
	logLevel logging.Level
}

func NewSweeper(ttl time.Duration, bus *events.Bus, activity *events.ActivityLog, logger *log.Logger, level logging.Level) *Sweeper {
	return &Sweeper{
		ttl:      ttl,
		bus:      bus,
		activity: activity,
		logger:   logger,
		logLevel: level,
	}
}

// Classify judges one lease entry. exists reports whether the task had a
// lease entry at all. A missing or unparseable heartbeat is never fresh.
func Classify(l model.Lease, exists bool, now time.Time, ttl time.Duration) (StaleReason, bool) {
	if !exists {
		return ReasonNoLease, true
	}
	if l.LastHeartbeatAt == "" {
		return ReasonInvalidHeartbeat, true
	}
	hb, err := time.Parse(time.RFC3339, l.LastHeartbeatAt)
	if err != nil {
		return ReasonInvalidHeartbeat, true
	}
	if now.Sub(hb) >= ttl {
		return ReasonHeartbeatExpired, true
	}
	return "", false
}

// Sweep reconciles every workspace in parallel and returns the repairs
// performed. The sweep is idempotent: a second run over already-repaired
// state performs no transitions.
func (s *Sweeper) Sweep(ctx context.Context, workspaces []Workspace) ([]Repair, error) {
	var (
		mu  sync.Mutex
		all []Repair
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ws := range workspaces {
		ws := ws
		g.Go(func() error {
			repairs, err := s.sweepWorkspace(ctx, ws)
			mu.Lock()
			all = append(all, repairs...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("sweep workspace %s: %w", ws.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.log(logging.LevelInfo, "sweep_done workspaces=%d repairs=%d", len(workspaces), len(all))
	return all, err
}

func (s *Sweeper) sweepWorkspace(ctx context.Context, ws Workspace) ([]Repair, error) {
	tasks, err := ws.Store.Discover()
	if err != nil {
		return nil, err
	}
	leases, err := ws.Leases.Load()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var repairs []Repair
	executing := make(map[string]bool)

	for _, t := range tasks {
		if ctx.Err() != nil {
			return repairs, ctx.Err()
		}
		if t.Phase != model.PhaseExecuting {
			continue
		}
		executing[t.ID] = true

		l, exists := leases[t.ID]
		reason, stale := Classify(l, exists, now, s.ttl)
		if !stale {
			s.log(logging.LevelInfo, "sweep_live workspace=%s task=%s heartbeat=%s", ws.Name, t.ID, l.LastHeartbeatAt)
			continue
		}

		detail := fmt.Sprintf("stale execution recovered at boot (%s)", describe(reason, l.OwnerID))
		if err := ws.Store.Transition(t, model.PhaseReady, actorRecovery, detail); err != nil {
			s.log(logging.LevelError, "sweep_demote_failed workspace=%s task=%s error=%v", ws.Name, t.ID, err)
			continue
		}
		if err := ws.Leases.Clear(t.ID); err != nil {
			s.log(logging.LevelWarn, "sweep_lease_clear workspace=%s task=%s error=%v", ws.Name, t.ID, err)
		}

		repairs = append(repairs, Repair{Workspace: ws.Name, TaskID: t.ID, Reason: reason, OwnerID: l.OwnerID})
		s.publish(ws.Name, t.ID, reason, l.OwnerID)
	}

	// Drop lease entries that no longer correspond to an executing task so
	// the lease file cannot accumulate garbage across restarts.
	for id := range leases {
		if executing[id] {
			continue
		}
		if err := ws.Leases.Clear(id); err != nil {
			s.log(logging.LevelWarn, "sweep_prune_lease workspace=%s task=%s error=%v", ws.Name, id, err)
		} else {
			s.log(logging.LevelInfo, "sweep_pruned_lease workspace=%s task=%s", ws.Name, id)
		}
	}

	return repairs, nil
}

// describe renders a stale reason for events and audit trails, tagging the
// lease holder when one was recorded.
func describe(reason StaleReason, ownerID string) string {
	if ownerID == "" {
		return string(reason)
	}
	return fmt.Sprintf("%s owner=%s", reason, ownerID)
}

func (s *Sweeper) publish(workspace, taskID string, reason StaleReason, ownerID string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeRecovery,
			Workspace: workspace,
			TaskID:    taskID,
			From:      model.PhaseExecuting,
			To:        model.PhaseReady,
			Reason:    describe(reason, ownerID),
		})
	}
	if s.activity != nil {
		if err := s.activity.Append(events.ActivityEntry{
			Workspace: workspace,
			TaskID:    taskID,
			Actor:     actorRecovery,
			Kind:      "recovery",
			Detail:    fmt.Sprintf("returned to ready: %s", describe(reason, ownerID)),
		}); err != nil {
			s.log(logging.LevelWarn, "sweep_activity_failed task=%s error=%v", taskID, err)
		}
	}
}

func (s *Sweeper) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s recovery: %s", time.Now().Format(time.RFC3339), level, msg)
}
