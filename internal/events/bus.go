// Package events implements the workspace-scoped broadcast sink and the
// append-only activity log. Delivery is at-least-once and may reorder;
// every event carries a full snapshot so consumers can treat it as idempotent.
package events

import (
	"sync"
	"time"

	"github.com/flowline-dev/flowline/internal/model"
)

type Type string

const (
	// TypePhaseChanged is published on every successful phase transition.
	TypePhaseChanged Type = "phase_changed"
	// TypeQueueStatus is published when a workspace queue's status snapshot changes.
	TypeQueueStatus Type = "queue_status"
	// TypeRecovery is published when a stale execution is returned to ready.
	TypeRecovery Type = "recovery"
	// TypeQueueWarning flags conditions needing operator attention, such as a
	// reported failure left in executing.
	TypeQueueWarning Type = "queue_warning"
)

// QueueSnapshot mirrors the queue manager's Status() result.
type QueueSnapshot struct {
	Enabled        bool   `json:"enabled"`
	CurrentTaskID  string `json:"current_task_id,omitempty"`
	ReadyCount     int    `json:"ready_count"`
	ExecutingCount int    `json:"executing_count"`
}

// Event is a typed, self-contained snapshot of one observable change.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Workspace string         `json:"workspace"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	From      model.Phase    `json:"from,omitempty"`
	To        model.Phase    `json:"to,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Queue     *QueueSnapshot `json:"queue,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking broadcast bus. Events are delivered asynchronously
// via buffered channels; if a subscriber's channel is full, the event is
// dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type and returns an
// unsubscribe function. The subscriber runs on its own goroutine; panics are
// recovered so one bad consumer cannot stall the bus.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of its type without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			// Channel full, drop for this subscriber
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
