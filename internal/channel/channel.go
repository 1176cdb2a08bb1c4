// Package channel adapts agent providers behind a single AgentChannel
// interface. Session workers speak TurnRequest/TurnEvent/TurnResult; whether
// a provider runs one subprocess per turn or keeps a long-lived app server
// is invisible above this package.
package channel

import (
	"context"

	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/session"
)

// TurnMode selects how a turn relates to prior conversation state.
type TurnMode int

const (
	// ModeStart begins a fresh conversation
	ModeStart TurnMode = iota
	// ModeResume continues an existing conversation, optionally replaying
	// the transcript when the provider lost its state
	ModeResume
)

// TurnRequest describes one unit of agent work.
type TurnRequest struct {
	Folder                 string
	Model                  string
	Mode                   TurnMode
	Prompt                 string
	Replay                 string // prior transcript, ModeResume only
	ProviderConversationID string
	LiveOutput             bool // stream deltas as they arrive
}

// TurnEventType tags a TurnEvent.
type TurnEventType int

const (
	// EventAssistantDelta carries streamed assistant text
	EventAssistantDelta TurnEventType = iota
	// EventProgress carries a short activity description (tool use etc.)
	EventProgress
	// EventPidUpdate reports the agent process pid (0 after exit)
	EventPidUpdate
	// EventCompleted is the terminal success event
	EventCompleted
	// EventFailed is the terminal failure event
	EventFailed
)

// TurnEvent is one message on a turn's event stream. Exactly one terminal
// event (Completed or Failed) is emitted per turn.
type TurnEvent struct {
	Type   TurnEventType
	Text   string
	Pid    int
	Result *TurnResult // EventCompleted only
	Err    error       // EventFailed only
}

// TurnResult is the outcome of a successful turn. Token counts are zero when
// the provider does not report usage.
type TurnResult struct {
	AssistantMessage       string
	InputTokens            int64
	OutputTokens           int64
	ProviderConversationID string
}

// SessionRef identifies a session to a channel implementation.
type SessionRef struct {
	SessionID              string
	Folder                 string
	Model                  string
	ProviderConversationID string
}

// AgentChannel runs agent turns for sessions. Implementations are safe for
// concurrent use across sessions; turns within one session are serialized by
// the caller.
type AgentChannel interface {
	// StartSession prepares provider-side state for a session. For
	// subprocess providers this is a no-op.
	StartSession(ctx context.Context, ref SessionRef) error

	// RunTurn executes one turn, streaming TurnEvents as they happen. The
	// returned result matches the terminal EventCompleted; a non-nil error
	// matches the terminal EventFailed.
	RunTurn(ctx context.Context, sessionID string, req TurnRequest, events chan<- TurnEvent) (*TurnResult, error)

	// ShutdownSession releases provider-side state for a session.
	ShutdownSession(ctx context.Context, sessionID string) error
}

// ForProvider returns the channel implementation for a provider. The choice
// is made once at session creation and never changes for the session's life.
func ForProvider(provider session.Provider, cfg *config.Config) AgentChannel {
	if provider.UsesPersistentChannel() {
		return NewAppServerChannel(provider, cfg)
	}
	return NewCLIChannel(provider)
}

// emit sends an event without blocking forever: if the consumer is gone the
// context decides.
func emit(ctx context.Context, events chan<- TurnEvent, ev TurnEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
