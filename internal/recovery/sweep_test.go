package recovery

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/lease"
	"github.com/flowline-dev/flowline/internal/lock"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/store"
)

const ttl = 45 * time.Second

func newWorkspace(t *testing.T, name string) Workspace {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	return Workspace{
		Name:   name,
		Store:  store.New(dir, lock.NewMutexMap(), logger, logging.LevelError),
		Leases: lease.NewStore(dir, logger, logging.LevelError),
	}
}

func newTestSweeper() *Sweeper {
	return NewSweeper(ttl, events.NewBus(10), nil, log.New(io.Discard, "", 0), logging.LevelError)
}

func mkExecuting(t *testing.T, ws Workspace, title string) *model.Task {
	t.Helper()
	task, err := ws.Store.Create(title, "", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Store.Transition(task, model.PhaseExecuting, "scheduler", "test setup"); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		lease  model.Lease
		exists bool
		reason StaleReason
		stale  bool
	}{
		{"no lease entry", model.Lease{}, false, ReasonNoLease, true},
		{"empty heartbeat", model.Lease{TaskID: "t"}, true, ReasonInvalidHeartbeat, true},
		{"garbage heartbeat", model.Lease{LastHeartbeatAt: "yesterday-ish"}, true, ReasonInvalidHeartbeat, true},
		{"expired heartbeat", model.Lease{LastHeartbeatAt: now.Add(-46 * time.Second).Format(time.RFC3339)}, true, ReasonHeartbeatExpired, true},
		{"fresh heartbeat", model.Lease{LastHeartbeatAt: now.Add(-40 * time.Second).Format(time.RFC3339)}, true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, stale := Classify(tt.lease, tt.exists, now, ttl)
			if stale != tt.stale || reason != tt.reason {
				t.Errorf("Classify = (%q, %t), want (%q, %t)", reason, stale, tt.reason, tt.stale)
			}
		})
	}
}

func TestSweepDemotesStaleExecutions(t *testing.T) {
	ws := newWorkspace(t, "default")
	s := newTestSweeper()

	noLease := mkExecuting(t, ws, "vanished")
	expired := mkExecuting(t, ws, "flatlined")
	live := mkExecuting(t, ws, "healthy")

	// Expired lease: heartbeat far in the past. Live lease: renewed just now.
	if err := ws.Leases.Put(model.Lease{
		TaskID:          expired.ID,
		OwnerID:         "flowline-1-default",
		StartedAt:       time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		LastHeartbeatAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		Status:          model.LeaseActive,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Leases.Renew(live.ID, "flowline-1-default"); err != nil {
		t.Fatal(err)
	}

	repairs, err := s.Sweep(context.Background(), []Workspace{ws})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	reasons := map[string]StaleReason{}
	for _, r := range repairs {
		reasons[r.TaskID] = r.Reason
	}
	if reasons[noLease.ID] != ReasonNoLease {
		t.Errorf("noLease reason = %q", reasons[noLease.ID])
	}
	if reasons[expired.ID] != ReasonHeartbeatExpired {
		t.Errorf("expired reason = %q", reasons[expired.ID])
	}
	if _, repaired := reasons[live.ID]; repaired {
		t.Error("live execution must not be demoted")
	}

	assertPhase(t, ws, noLease.ID, model.PhaseReady)
	assertPhase(t, ws, expired.ID, model.PhaseReady)
	assertPhase(t, ws, live.ID, model.PhaseExecuting)

	// Demoted tasks have their lease entries cleared.
	leases, err := ws.Leases.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := leases[expired.ID]; ok {
		t.Error("expired lease not cleared")
	}
	if _, ok := leases[live.ID]; !ok {
		t.Error("live lease should survive the sweep")
	}
}

func TestSweepReportsLeaseOwner(t *testing.T) {
	ws := newWorkspace(t, "default")
	bus := events.NewBus(10)
	s := NewSweeper(ttl, bus, nil, log.New(io.Discard, "", 0), logging.LevelError)

	orphan := mkExecuting(t, ws, "owner unknown")
	expired := mkExecuting(t, ws, "owner on record")
	if err := ws.Leases.Put(model.Lease{
		TaskID:          expired.ID,
		OwnerID:         "flowline-42-default",
		StartedAt:       time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		LastHeartbeatAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		Status:          model.LeaseActive,
	}); err != nil {
		t.Fatal(err)
	}

	got := make(chan events.Event, 10)
	unsubscribe := bus.Subscribe(events.TypeRecovery, func(ev events.Event) { got <- ev })
	defer unsubscribe()

	repairs, err := s.Sweep(context.Background(), []Workspace{ws})
	if err != nil {
		t.Fatal(err)
	}

	owners := map[string]string{}
	for _, r := range repairs {
		owners[r.TaskID] = r.OwnerID
	}
	if owners[expired.ID] != "flowline-42-default" {
		t.Errorf("expired repair owner = %q, want flowline-42-default", owners[expired.ID])
	}
	if owners[orphan.ID] != "" {
		t.Errorf("no-lease repair owner = %q, want empty", owners[orphan.ID])
	}

	reasons := map[string]string{}
	for len(reasons) < 2 {
		select {
		case ev := <-got:
			reasons[ev.TaskID] = ev.Reason
		case <-time.After(2 * time.Second):
			t.Fatalf("recovery events not delivered, got %v", reasons)
		}
	}
	if want := "heartbeat_expired owner=flowline-42-default"; reasons[expired.ID] != want {
		t.Errorf("expired event reason = %q, want %q", reasons[expired.ID], want)
	}
	if reasons[orphan.ID] != "no_lease" {
		t.Errorf("no-lease event reason = %q, want no_lease", reasons[orphan.ID])
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ws := newWorkspace(t, "default")
	s := newTestSweeper()
	mkExecuting(t, ws, "abandoned")

	first, err := s.Sweep(context.Background(), []Workspace{ws})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first sweep repairs = %d, want 1", len(first))
	}

	second, err := s.Sweep(context.Background(), []Workspace{ws})
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second sweep repairs = %d, want 0", len(second))
	}
}

func TestSweepPrunesOrphanLeases(t *testing.T) {
	ws := newWorkspace(t, "default")
	s := newTestSweeper()

	// Lease entry for a task that no longer exists in executing.
	if _, err := ws.Leases.Renew("task_0000000007_0badf00d", "flowline-1-default"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Sweep(context.Background(), []Workspace{ws}); err != nil {
		t.Fatal(err)
	}

	leases, err := ws.Leases.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Errorf("orphan lease entries not pruned: %v", leases)
	}
}

func TestSweepMultipleWorkspaces(t *testing.T) {
	a := newWorkspace(t, "alpha")
	b := newWorkspace(t, "beta")
	s := newTestSweeper()

	mkExecuting(t, a, "a1")
	mkExecuting(t, b, "b1")

	repairs, err := s.Sweep(context.Background(), []Workspace{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(repairs) != 2 {
		t.Fatalf("repairs = %d, want one per workspace", len(repairs))
	}
	seen := map[string]bool{}
	for _, r := range repairs {
		seen[r.Workspace] = true
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("workspaces repaired: %v", seen)
	}
}

func assertPhase(t *testing.T, ws Workspace, id string, want model.Phase) {
	t.Helper()
	task, err := ws.Store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Phase != want {
		t.Errorf("task %s phase = %s, want %s", id, task.Phase, want)
	}
}
