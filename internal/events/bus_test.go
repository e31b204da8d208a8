package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowline-dev/flowline/internal/model"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(TypePhaseChanged, func(ev Event) {
		received <- ev
	})
	defer unsub()

	bus.Publish(Event{
		Type:   TypePhaseChanged,
		TaskID: "task_0000000001_deadbeef",
		From:   model.PhaseReady,
		To:     model.PhaseExecuting,
	})

	select {
	case ev := <-received:
		if ev.To != model.PhaseExecuting {
			t.Errorf("received To = %s", ev.To)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusTypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(TypeRecovery, func(ev Event) {
		received <- ev
	})
	defer unsub()

	bus.Publish(Event{Type: TypeQueueStatus})

	select {
	case <-received:
		t.Fatal("recovery subscriber received a queue_status event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(TypeQueueWarning, func(ev Event) {
		received <- ev
	})
	unsub()

	bus.Publish(Event{Type: TypeQueueWarning})

	select {
	case <-received:
		t.Fatal("unsubscribed subscriber received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestActivityLogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	al, err := NewActivityLog(path, 0)
	if err != nil {
		t.Fatalf("NewActivityLog: %v", err)
	}
	defer al.Close()

	if err := al.Append(ActivityEntry{
		Workspace: "default",
		TaskID:    "task_0000000001_deadbeef",
		Actor:     "scheduler",
		Kind:      "recovery",
		Detail:    "returned to ready: heartbeat_expired",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}

	var entry ActivityEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.ID == "" {
		t.Error("id not filled in")
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
	if entry.Kind != "recovery" {
		t.Errorf("kind = %q", entry.Kind)
	}
}

func TestActivityLogRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.jsonl")
	al, err := NewActivityLog(path, 200) // tiny cap to force rotation
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	for i := 0; i < 5; i++ {
		if err := al.Append(ActivityEntry{Kind: "test", Detail: strings.Repeat("x", 80)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	archived := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "activity.jsonl.") {
			archived++
		}
	}
	if archived == 0 {
		t.Error("expected at least one rotated archive")
	}
}
