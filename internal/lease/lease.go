// Package lease implements the per-workspace, file-backed execution lease
// store. A lease is the sole signal distinguishing "a live owner exists
// elsewhere" from "the owning process died".
package lease

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/taskfile"
)

const leaseFileName = "leases.yaml"

// Store reads and writes one workspace's lease file. Writes are serialized
// in-process; renewals are only issued by the process currently executing a
// task.
type Store struct {
	path     string
	mu       sync.Mutex
	logger   *log.Logger
	logLevel logging.Level
}

func NewStore(wsDir string, logger *log.Logger, level logging.Level) *Store {
	return &Store{
		path:     filepath.Join(wsDir, leaseFileName),
		logger:   logger,
		logLevel: level,
	}
}

// Load returns the full task id → lease map. A missing file is an empty map.
func (s *Store) Load() (map[string]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (map[string]model.Lease, error) {
	var lf model.LeaseFile
	if err := taskfile.LoadStrict(s.path, &lf); err != nil {
		if os.IsNotExist(err) {
			return map[string]model.Lease{}, nil
		}
		return nil, fmt.Errorf("load lease file: %w", err)
	}
	if lf.Leases == nil {
		lf.Leases = map[string]model.Lease{}
	}
	return lf.Leases, nil
}

// Renew creates the lease on first call, recording started_at; on later
// calls it updates last_heartbeat_at to now.
func (s *Store) Renew(taskID, ownerID string) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases, err := s.loadLocked()
	if err != nil {
		return model.Lease{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	l, ok := leases[taskID]
	if !ok {
		l = model.Lease{
			TaskID:    taskID,
			OwnerID:   ownerID,
			StartedAt: now,
			Status:    model.LeaseActive,
		}
		s.log(logging.LevelInfo, "lease_create task=%s owner=%s", taskID, ownerID)
	}
	l.OwnerID = ownerID
	l.LastHeartbeatAt = now
	leases[taskID] = l

	if err := s.saveLocked(leases); err != nil {
		return model.Lease{}, err
	}
	s.log(logging.LevelDebug, "lease_renew task=%s owner=%s heartbeat=%s", taskID, ownerID, now)
	return l, nil
}

// Put stores a lease record verbatim, replacing any existing entry for the
// task. Renew is the normal write path; Put exists for adopting externally
// managed leases.
func (s *Store) Put(l model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases, err := s.loadLocked()
	if err != nil {
		return err
	}
	leases[l.TaskID] = l
	return s.saveLocked(leases)
}

// Clear removes the lease on terminal completion or explicit stop. Clearing
// an absent lease is a no-op.
func (s *Store) Clear(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := leases[taskID]; !ok {
		return nil
	}
	delete(leases, taskID)

	if err := s.saveLocked(leases); err != nil {
		return err
	}
	s.log(logging.LevelInfo, "lease_clear task=%s", taskID)
	return nil
}

func (s *Store) saveLocked(leases map[string]model.Lease) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("ensure workspace dir: %w", err)
	}
	lf := model.LeaseFile{
		SchemaVersion: model.LeaseFileSchemaVersion,
		Leases:        leases,
	}
	return taskfile.AtomicWrite(s.path, lf)
}

func (s *Store) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s lease: %s", time.Now().Format(time.RFC3339), level, msg)
}
