package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	bus.Publish(Event{Type: SessionStatusChanged, SessionID: "s1", Status: "review"})

	ev := <-bus.Subscribe()
	assert.Equal(t, SessionStatusChanged, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "review", ev.Status)
}

func TestBus_PreservesOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	bus.Publish(Event{Type: SessionOutputAppended, SessionID: "s1", Text: "first"})
	bus.Publish(Event{Type: SessionOutputAppended, SessionID: "s1", Text: "second"})
	bus.Publish(Event{Type: SessionOutputAppended, SessionID: "s1", Text: "third"})

	sub := bus.Subscribe()
	assert.Equal(t, "first", (<-sub).Text)
	assert.Equal(t, "second", (<-sub).Text)
	assert.Equal(t, "third", (<-sub).Text)
}

func TestBus_FullBusDropsOldest(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	// Capacity 2: the third publish must evict "a" rather than block.
	bus.Publish(Event{Type: SessionOutputAppended, Text: "a"})
	bus.Publish(Event{Type: SessionOutputAppended, Text: "b"})
	bus.Publish(Event{Type: SessionOutputAppended, Text: "c"})

	sub := bus.Subscribe()
	assert.Equal(t, "b", (<-sub).Text)
	assert.Equal(t, "c", (<-sub).Text)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(2)
	bus.Close()

	// Must not panic or block.
	bus.Publish(Event{Type: RefreshSessions})

	_, open := <-bus.Subscribe()
	assert.False(t, open, "subscriber channel should be closed")
}

func TestBus_CloseTwice(t *testing.T) {
	bus := NewBus(2)
	bus.Close()
	bus.Close()
}

func TestBus_CloseDrainsPending(t *testing.T) {
	bus := NewBus(4)
	bus.Publish(Event{Type: SessionProgress, Text: "still here"})
	bus.Close()

	ev, open := <-bus.Subscribe()
	require.True(t, open, "pending events remain readable after Close")
	assert.Equal(t, "still here", ev.Text)

	_, open = <-bus.Subscribe()
	assert.False(t, open)
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		typ  EventType
		want string
	}{
		{SessionOutputAppended, "session_output_appended"},
		{SessionStatusChanged, "session_status_changed"},
		{SessionUpdated, "session_updated"},
		{RefreshSessions, "refresh_sessions"},
		{SessionProgress, "session_progress"},
		{MergeQueueChanged, "merge_queue_changed"},
		{OperationUpdated, "operation_updated"},
		{EventType(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.typ.String())
	}
}
