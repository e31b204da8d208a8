package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default maximum activity log size before rotation (50MB)
const DefaultMaxActivitySize = 50 * 1024 * 1024

// ActivityEntry is one line in the operator-facing activity timeline. Every
// automatic recovery or retry is recorded here so operators can distinguish
// system-initiated recovery from agent-reported failure.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Workspace string    `json:"workspace,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// ActivityLog is an append-only JSONL file with size-based rotation.
type ActivityLog struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	currentSize int64
	maxSize     int64
}

func NewActivityLog(path string, maxSize int64) (*ActivityLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxActivitySize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create activity log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat activity log: %w", err)
	}

	return &ActivityLog{
		path:        path,
		file:        f,
		currentSize: info.Size(),
		maxSize:     maxSize,
	}, nil
}

// Append writes one entry. A missing id or timestamp is filled in.
func (a *ActivityLog) Append(entry ActivityEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity entry: %w", err)
	}
	line = append(line, '\n')

	if a.currentSize+int64(len(line)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return err
		}
	}

	n, err := a.file.Write(line)
	if err != nil {
		return fmt.Errorf("append activity entry: %w", err)
	}
	a.currentSize += int64(n)
	return nil
}

func (a *ActivityLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close activity log for rotation: %w", err)
	}

	archived := fmt.Sprintf("%s.%s", a.path, time.Now().Format("20060102T150405"))
	if err := os.Rename(a.path, archived); err != nil {
		return fmt.Errorf("archive activity log: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopen activity log: %w", err)
	}
	a.file = f
	a.currentSize = 0
	return nil
}

func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
