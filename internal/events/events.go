// Package events carries state-change notifications from session workers and
// the merge queue to the single owning consumer. Producers never block: when
// the bounded channel is full the oldest event is dropped, since consumers
// re-derive full state from the store and coalescing is safe.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/zhubert/conductor/internal/logger"
)

// EventType identifies the kind of state change an Event reports.
type EventType int

const (
	// SessionOutputAppended carries newly appended session output text
	SessionOutputAppended EventType = iota
	// SessionStatusChanged reports a single session's status transition
	SessionStatusChanged
	// SessionUpdated reports that one session's persisted row changed
	SessionUpdated
	// RefreshSessions asks the consumer to reload the full session list
	RefreshSessions
	// SessionProgress carries a transient progress note for a running turn
	SessionProgress
	// MergeQueueChanged reports head advancement or queue membership changes
	MergeQueueChanged
	// OperationUpdated reports an operation ledger status change
	OperationUpdated
)

func (t EventType) String() string {
	switch t {
	case SessionOutputAppended:
		return "session_output_appended"
	case SessionStatusChanged:
		return "session_status_changed"
	case SessionUpdated:
		return "session_updated"
	case RefreshSessions:
		return "refresh_sessions"
	case SessionProgress:
		return "session_progress"
	case MergeQueueChanged:
		return "merge_queue_changed"
	case OperationUpdated:
		return "operation_updated"
	default:
		return "unknown"
	}
}

// Event is one state-change notification.
type Event struct {
	Type      EventType
	SessionID string
	Text      string // output fragment or progress note
	Status    string // new status for SessionStatusChanged
	OpID      string // operation id for OperationUpdated
}

// Bus is a bounded multi-producer single-consumer event channel.
type Bus struct {
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates a bus with the given capacity. Capacity must be at least 1.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish delivers an event without blocking. If the channel is full the
// oldest pending event is discarded to make room.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		// Full: drop the oldest and retry. The lock serializes producers so
		// the send after a successful drain cannot race another producer.
		select {
		case old := <-b.ch:
			b.dropped.Add(1)
			logger.Debug("events: dropped %s for session %s (bus full)", old.Type, old.SessionID)
		default:
		}
	}
}

// Subscribe returns the consumer channel. There is exactly one consumer; the
// channel is closed by Close.
func (b *Bus) Subscribe() <-chan Event {
	return b.ch
}

// Dropped returns how many events have been discarded due to a full bus.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the bus. Publish becomes a no-op; the consumer channel is
// closed after pending events drain out.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
