package model

import "time"

const LeaseFileSchemaVersion = 1

type LeaseStatus string

const (
	LeaseActive LeaseStatus = "active"
)

// Lease is the heartbeat record proving a task's execution is actively owned
// by a live process. A missing or unparseable lease is never fresh.
type Lease struct {
	TaskID          string      `yaml:"task_id"`
	OwnerID         string      `yaml:"owner_id"`
	StartedAt       string      `yaml:"started_at"`
	LastHeartbeatAt string      `yaml:"last_heartbeat_at"`
	Status          LeaseStatus `yaml:"status"`
}

// LeaseFile is the per-workspace on-disk map of task id → lease.
type LeaseFile struct {
	SchemaVersion int              `yaml:"schema_version"`
	Leases        map[string]Lease `yaml:"leases"`
}

// IsFresh reports whether the lease heartbeat is within ttl of now.
func IsFresh(l Lease, now time.Time, ttl time.Duration) bool {
	if l.LastHeartbeatAt == "" {
		return false
	}
	hb, err := time.Parse(time.RFC3339, l.LastHeartbeatAt)
	if err != nil {
		return false
	}
	return now.Sub(hb) < ttl
}
