package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/flowline-dev/flowline/internal/logging"
)

// Heartbeater renews one task's lease at a fixed interval for as long as its
// context lives. The interval must be comfortably shorter than the lease TTL.
type Heartbeater struct {
	store    *Store
	taskID   string
	ownerID  string
	interval time.Duration
}

func NewHeartbeater(store *Store, taskID, ownerID string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeater{
		store:    store,
		taskID:   taskID,
		ownerID:  ownerID,
		interval: interval,
	}
}

// Run renews immediately, then on every tick until ctx is done. Renewal
// errors are logged and the loop keeps going; a stretch of failed renewals
// simply lets the lease go stale, which the recovery layers handle.
func (h *Heartbeater) Run(ctx context.Context) {
	if _, err := h.store.Renew(h.taskID, h.ownerID); err != nil {
		h.store.log(logging.LevelWarn, "heartbeat_failed task=%s error=%v", h.taskID, err)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.store.Renew(h.taskID, h.ownerID); err != nil {
				h.store.log(logging.LevelWarn, "heartbeat_failed task=%s error=%v", h.taskID, err)
			}
		}
	}
}

// OwnerID builds the process-scoped lease owner identity.
func OwnerID(pid int, workspace string) string {
	return fmt.Sprintf("flowline-%d-%s", pid, workspace)
}
