package store

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/lock"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	return New(dir, lock.NewMutexMap(), logger, logging.LevelError), dir
}

func TestCreateAndDiscover(t *testing.T) {
	s, _ := newTestStore(t)

	t1, err := s.Create("first", "", false, []string{"builds clean"})
	require.NoError(t, err)
	t2, err := s.Create("second", "details", true, nil)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseBacklog, t1.Phase)
	assert.Equal(t, 1.0, t1.Order)
	assert.Equal(t, 2.0, t2.Order)
	assert.True(t, model.ValidateID(t1.ID))

	tasks, err := s.Discover()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, t1.ID, tasks[0].ID, "FIFO order by order field")
	assert.Equal(t, t2.ID, tasks[1].ID)
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create("   ", "", false, nil)
	assert.Error(t, err)
}

func TestTransitionGuardRejectsWithoutMutation(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create("unplanned", "", false, nil)
	require.NoError(t, err)

	err = s.Transition(task, model.PhaseReady, "operator", "try promote")
	require.Error(t, err)

	// Nothing changed in memory or on disk.
	assert.Equal(t, model.PhaseBacklog, task.Phase)
	assert.Empty(t, task.History)
	reloaded, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBacklog, reloaded.Phase)
}

func TestTransitionStampsAndAudits(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create("planned", "", false, []string{"works"})
	require.NoError(t, err)

	require.NoError(t, s.Transition(task, model.PhaseReady, "scheduler", "promoted"))
	require.NoError(t, s.Transition(task, model.PhaseExecuting, "scheduler", "picked"))
	require.NotNil(t, task.StartedAt)

	require.NoError(t, s.Transition(task, model.PhaseComplete, "agent", "done"))
	require.NotNil(t, task.CompletedAt)

	require.Len(t, task.History, 3)
	assert.Equal(t, model.PhaseReady, task.History[0].To)
	assert.Equal(t, "scheduler", task.History[1].Actor)
	assert.Equal(t, "done", task.History[2].Reason)
	for _, rec := range task.History {
		assert.NotEmpty(t, rec.ID)
		_, err := time.Parse(time.RFC3339, rec.At)
		assert.NoError(t, err)
	}
}

func TestTransitionBlockedBookkeeping(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create("bouncy", "", true, nil)
	require.NoError(t, err)

	require.NoError(t, s.Transition(task, model.PhaseReady, "scheduler", ""))
	require.NoError(t, s.Transition(task, model.PhaseExecuting, "scheduler", ""))
	require.NoError(t, s.Transition(task, model.PhaseReady, "scheduler", "stale execution"))

	assert.Equal(t, 1, task.BlockedCount)
	require.NotNil(t, task.BlockedSince)

	require.NoError(t, s.Transition(task, model.PhaseExecuting, "scheduler", "re-picked"))
	assert.Nil(t, task.BlockedSince, "blocked window folded on re-pick")
	assert.Nil(t, task.FailedAt, "failure marker cleared on re-pick")
}

func TestTransitionInvalidEdge(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create("t", "", true, nil)
	require.NoError(t, err)

	err = s.Transition(task, model.PhaseArchived, "operator", "")
	assert.Error(t, err, "backlog cannot jump to archived")
}

func TestDeleteRefusesExecuting(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create("busy", "", true, nil)
	require.NoError(t, err)
	require.NoError(t, s.Transition(task, model.PhaseExecuting, "scheduler", "direct dispatch"))

	err = s.Delete(task.ID)
	require.Error(t, err)

	require.NoError(t, s.Transition(task, model.PhaseReady, "scheduler", "stopped"))
	require.NoError(t, s.Delete(task.ID))
	_, err = s.Get(task.ID)
	assert.Error(t, err)
}

func TestDiscoverQuarantinesCorruptFiles(t *testing.T) {
	s, dir := newTestStore(t)
	_, err := s.Create("healthy", "", true, nil)
	require.NoError(t, err)

	corrupt := filepath.Join(dir, "tasks", "task_0000000002_cafecafe.yaml")
	require.NoError(t, os.WriteFile(corrupt, []byte("{definitely not yaml"), 0644))

	tasks, err := s.Discover()
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "corrupt record excluded")

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "corrupt record quarantined, not deleted")

	_, err = os.Stat(corrupt)
	assert.True(t, os.IsNotExist(err))
}

func TestDiscoverRestoresCorruptFileFromBackup(t *testing.T) {
	s, dir := newTestStore(t)
	task, err := s.Create("fragile", "", true, nil)
	require.NoError(t, err)
	// Second write leaves a .bak holding the last good version.
	require.NoError(t, s.Transition(task, model.PhaseReady, "operator", "queued"))

	path := filepath.Join(dir, "tasks", task.ID+".yaml")
	require.NoError(t, os.WriteFile(path, []byte("{truncated mid-wri"), 0644))

	tasks, err := s.Discover()
	require.NoError(t, err)
	require.Len(t, tasks, 1, "record recovered from its backup")
	assert.Equal(t, task.ID, tasks[0].ID)
	// The backup holds the version before the last write.
	assert.Equal(t, model.PhaseBacklog, tasks[0].Phase)

	// The corrupt bytes are preserved in quarantine, and the live file is
	// readable again.
	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBacklog, got.Phase)
}

func TestDraftPromotion(t *testing.T) {
	s, _ := newTestStore(t)
	d, err := s.CreateDraft("staged", "desc", false, []string{"crit"})
	require.NoError(t, err)

	task, err := s.PromoteDraft(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBacklog, task.Phase)
	assert.Equal(t, "staged", task.Title)
	require.Len(t, task.AcceptanceCriteria, 1)

	_, err = s.PromoteDraft(d.ID)
	assert.Error(t, err, "draft removed after promotion")
}

func TestQueueConfigRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	cfg, err := s.LoadQueueConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1, cfg.Limits.ExecutingLimit())
	assert.Equal(t, 5, cfg.Limits.ReadyLimit())
	assert.True(t, cfg.Automation.ReadyToExecuting)

	cfg.Enabled = true
	cfg.Limits.Executing = 2
	require.NoError(t, s.SaveQueueConfig(cfg))

	got, err := s.LoadQueueConfig()
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 2, got.Limits.ExecutingLimit())
}
