// Package status assembles the read-only daemon status snapshot served over
// IPC. Concurrent requests are collapsed with singleflight so a burst of
// status polls costs one disk scan.
package status

import (
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowline-dev/flowline/internal/contract"
	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/lease"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/queue"
	"github.com/flowline-dev/flowline/internal/store"
)

// TaskSummary is one task's row in the status output.
type TaskSummary struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Phase          string  `json:"phase"`
	Order          float64 `json:"order"`
	PlanningStatus string  `json:"planning_status,omitempty"`
	Mode           string  `json:"mode"`
	BlockedCount   int     `json:"blocked_count,omitempty"`
	StartedAt      string  `json:"started_at,omitempty"`
	FailedAt       string  `json:"failed_at,omitempty"`
	LeaseFresh     bool    `json:"lease_fresh,omitempty"`
}

type WorkspaceStatus struct {
	Name  string               `json:"name"`
	Queue events.QueueSnapshot `json:"queue"`
	Tasks []TaskSummary        `json:"tasks"`
}

type Snapshot struct {
	Version     string            `json:"version"`
	GeneratedAt string            `json:"generated_at"`
	Workspaces  []WorkspaceStatus `json:"workspaces"`
}

// Source is one workspace's set of collaborators the reporter reads from.
type Source struct {
	Name    string
	Store   *store.Store
	Leases  *lease.Store
	Manager *queue.Manager
}

type Reporter struct {
	version  string
	leaseTTL time.Duration
	sources  func() []Source
	group    singleflight.Group
}

// NewReporter builds a reporter over a dynamic source list. sources is
// called on every (non-collapsed) snapshot so workspaces added at runtime
// appear without re-registration.
func NewReporter(version string, leaseTTL time.Duration, sources func() []Source) *Reporter {
	return &Reporter{
		version:  version,
		leaseTTL: leaseTTL,
		sources:  sources,
	}
}

// Snapshot builds the full status report. Concurrent callers share one scan.
func (r *Reporter) Snapshot() (Snapshot, error) {
	v, err, _ := r.group.Do("status", func() (any, error) {
		return r.build()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (r *Reporter) build() (Snapshot, error) {
	snap := Snapshot{
		Version:     r.version,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	for _, src := range r.sources() {
		ws := WorkspaceStatus{Name: src.Name}
		if src.Manager != nil {
			ws.Queue = src.Manager.Status()
		}

		tasks, err := src.Store.Discover()
		if err != nil {
			return Snapshot{}, err
		}

		var leases map[string]model.Lease
		if src.Leases != nil {
			leases, err = src.Leases.Load()
			if err != nil {
				return Snapshot{}, err
			}
		}

		now := time.Now()
		for _, t := range tasks {
			row := TaskSummary{
				ID:             t.ID,
				Title:          t.Title,
				Phase:          string(t.Phase),
				Order:          t.Order,
				PlanningStatus: string(t.PlanningStatus),
				Mode:           string(contract.ResolveTask(t)),
				BlockedCount:   t.BlockedCount,
			}
			if t.StartedAt != nil {
				row.StartedAt = *t.StartedAt
			}
			if t.FailedAt != nil {
				row.FailedAt = *t.FailedAt
			}
			if l, ok := leases[t.ID]; ok {
				row.LeaseFresh = model.IsFresh(l, now, r.leaseTTL)
			}
			ws.Tasks = append(ws.Tasks, row)
		}

		snap.Workspaces = append(snap.Workspaces, ws)
	}

	return snap, nil
}
