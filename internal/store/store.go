// Package store discovers and persists task records. All phase changes
// funnel through Transition, which validates the edge and its guards,
// appends an audit entry, and writes the record atomically.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/lock"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/taskfile"
)

const (
	tasksDirName      = "tasks"
	draftsDirName     = "drafts"
	quarantineDirName = "quarantine"
	queueConfigName   = "queue.yaml"
)

// Store manages one workspace's task records.
type Store struct {
	wsDir    string
	locks    *lock.MutexMap
	logger   *log.Logger
	logLevel logging.Level
}

func New(wsDir string, locks *lock.MutexMap, logger *log.Logger, level logging.Level) *Store {
	return &Store{
		wsDir:    wsDir,
		locks:    locks,
		logger:   logger,
		logLevel: level,
	}
}

func (s *Store) WorkspaceDir() string { return s.wsDir }

func (s *Store) tasksDir() string  { return filepath.Join(s.wsDir, tasksDirName) }
func (s *Store) draftsDir() string { return filepath.Join(s.wsDir, draftsDirName) }

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.tasksDir(), id+".yaml")
}

// Discover reads every task record in the workspace, quarantining files that
// fail to parse, and returns tasks sorted by (order, created, id).
func (s *Store) Discover() ([]*model.Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var tasks []*model.Task
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(s.tasksDir(), name)
		var t model.Task
		if err := taskfile.LoadStrict(path, &t); err != nil {
			s.log(logging.LevelWarn, "task_parse_failed file=%s error=%v", name, err)
			qpath, qerr := taskfile.Quarantine(filepath.Join(s.wsDir, quarantineDirName), path, err.Error())
			if qerr != nil {
				s.log(logging.LevelError, "quarantine_failed file=%s error=%v", name, qerr)
				continue
			}
			s.log(logging.LevelWarn, "task_quarantined file=%s dest=%s", name, qpath)

			// Atomic writes keep a .bak of the previous good version; fall
			// back to it before giving up on the record.
			if rerr := taskfile.RestoreFromBackup(path); rerr != nil {
				s.log(logging.LevelWarn, "task_restore_failed file=%s error=%v", name, rerr)
				continue
			}
			t = model.Task{}
			if err := taskfile.LoadStrict(path, &t); err != nil {
				s.log(logging.LevelError, "task_restore_unreadable file=%s error=%v", name, err)
				continue
			}
			s.log(logging.LevelInfo, "task_restored_from_backup file=%s", name)
		}
		if t.ID == "" {
			t.ID = strings.TrimSuffix(name, ".yaml")
		}
		tasks = append(tasks, &t)
	}

	SortTasks(tasks)
	return tasks, nil
}

// SortTasks orders tasks by order, then created timestamp, then id. This is
// the scheduler's FIFO order.
func SortTasks(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// Get re-reads a single task fresh from disk.
func (s *Store) Get(id string) (*model.Task, error) {
	var t model.Task
	if err := taskfile.LoadStrict(s.taskPath(id), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s not found", id)
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return &t, nil
}

// Create adds a new task in backlog.
func (s *Store) Create(title, description string, skipPlanning bool, criteria []string) (*model.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("task title must not be empty")
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, err
	}

	existing, err := s.Discover()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	t := &model.Task{
		SchemaVersion: model.TaskSchemaVersion,
		ID:            id,
		Title:         title,
		Description:   description,
		Phase:         model.PhaseBacklog,
		Order:         nextOrder(existing),
		SkipPlanning:  skipPlanning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, c := range criteria {
		if strings.TrimSpace(c) == "" {
			continue
		}
		t.AcceptanceCriteria = append(t.AcceptanceCriteria, model.AcceptanceCriterion{Text: c})
	}

	if err := s.Save(t); err != nil {
		return nil, err
	}
	s.log(logging.LevelInfo, "task_created id=%s title=%q", t.ID, t.Title)
	return t, nil
}

func nextOrder(tasks []*model.Task) float64 {
	max := 0.0
	for _, t := range tasks {
		if t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

// Save persists a task record atomically.
func (s *Store) Save(t *model.Task) error {
	if err := os.MkdirAll(s.tasksDir(), 0755); err != nil {
		return fmt.Errorf("ensure tasks dir: %w", err)
	}
	t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return taskfile.AtomicWrite(s.taskPath(t.ID), t)
}

// Transition is the single phase-change operation. It validates the edge and
// its guards synchronously — a failed guard mutates nothing — then stamps
// timestamps, maintains the blocked counters, appends an audit entry, and
// persists. Persistence is best-effort: truth is re-derived from task state,
// not from the audit trail.
func (s *Store) Transition(t *model.Task, to model.Phase, actor, reason string) error {
	lockKey := "task:" + t.ID
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	from := t.Phase
	if err := model.ValidatePhaseTransition(from, to); err != nil {
		return err
	}
	if err := model.TransitionGuard(t, to); err != nil {
		return fmt.Errorf("transition %s → %s rejected: %w", from, to, err)
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	t.Phase = to
	switch {
	case to == model.PhaseExecuting:
		t.StartedAt = &nowStr
		t.FailedAt = nil
		if t.BlockedSince != nil {
			if since, err := time.Parse(time.RFC3339, *t.BlockedSince); err == nil {
				t.BlockedDurationSec += now.Sub(since).Seconds()
			}
			t.BlockedSince = nil
		}
	case to == model.PhaseComplete:
		t.CompletedAt = &nowStr
	case from == model.PhaseExecuting && to == model.PhaseReady:
		t.BlockedCount++
		t.BlockedSince = &nowStr
	}

	t.History = append(t.History, model.TransitionRecord{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		At:     nowStr,
		Actor:  actor,
		Reason: reason,
	})

	if err := s.Save(t); err != nil {
		s.log(logging.LevelError, "transition_persist_failed task=%s %s→%s error=%v", t.ID, from, to, err)
		return fmt.Errorf("persist transition: %w", err)
	}

	s.log(logging.LevelInfo, "transition task=%s %s→%s actor=%s reason=%q", t.ID, from, to, actor, reason)
	return nil
}

// Delete removes a task record. A task still recorded as executing must have
// its execution stopped first so a late completion callback cannot resurrect
// the deleted record.
func (s *Store) Delete(id string) error {
	lockKey := "task:" + id
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t.Phase == model.PhaseExecuting {
		return fmt.Errorf("task %s is executing; stop its execution before deleting", id)
	}

	if err := os.Remove(s.taskPath(id)); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	os.Remove(s.taskPath(id) + ".bak")
	s.log(logging.LevelInfo, "task_deleted id=%s", id)
	return nil
}

// CreateDraft stages a draft for later promotion into the backlog.
func (s *Store) CreateDraft(title, description string, skipPlanning bool, criteria []string) (*model.Draft, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("draft title must not be empty")
	}
	id, err := model.GenerateID(model.IDTypeDraft)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.draftsDir(), 0755); err != nil {
		return nil, fmt.Errorf("ensure drafts dir: %w", err)
	}

	d := &model.Draft{
		SchemaVersion: model.TaskSchemaVersion,
		ID:            id,
		Title:         title,
		Description:   description,
		SkipPlanning:  skipPlanning,
		Criteria:      criteria,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := taskfile.AtomicWrite(filepath.Join(s.draftsDir(), id+".yaml"), d); err != nil {
		return nil, err
	}
	return d, nil
}

// PromoteDraft turns a staged draft into a backlog task and removes the draft.
func (s *Store) PromoteDraft(draftID string) (*model.Task, error) {
	path := filepath.Join(s.draftsDir(), draftID+".yaml")
	var d model.Draft
	if err := taskfile.LoadStrict(path, &d); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("draft %s not found", draftID)
		}
		return nil, fmt.Errorf("load draft %s: %w", draftID, err)
	}

	t, err := s.Create(d.Title, d.Description, d.SkipPlanning, d.Criteria)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(path); err != nil {
		s.log(logging.LevelWarn, "draft_remove_failed id=%s error=%v", draftID, err)
	}
	s.log(logging.LevelInfo, "draft_promoted draft=%s task=%s", draftID, t.ID)
	return t, nil
}

// QueueConfigPath returns the path of the persisted queue configuration.
func (s *Store) QueueConfigPath() string {
	return filepath.Join(s.wsDir, queueConfigName)
}

// LoadQueueConfig reads the persisted queue configuration, returning defaults
// when the file does not exist yet.
func (s *Store) LoadQueueConfig() (model.QueueConfig, error) {
	cfg := model.DefaultQueueConfig()
	err := taskfile.LoadStrict(s.QueueConfigPath(), &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load queue config: %w", err)
	}
	return cfg, nil
}

// SaveQueueConfig persists the queue configuration atomically.
func (s *Store) SaveQueueConfig(cfg model.QueueConfig) error {
	cfg.SchemaVersion = model.QueueConfigSchemaVersion
	if err := os.MkdirAll(s.wsDir, 0755); err != nil {
		return fmt.Errorf("ensure workspace dir: %w", err)
	}
	return taskfile.AtomicWrite(s.QueueConfigPath(), cfg)
}

func (s *Store) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), level, msg)
}
