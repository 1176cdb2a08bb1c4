package channel

import (
	"context"
	"fmt"
)

// AssistRunner runs one-off recovery turns over an AgentChannel. It
// satisfies the assist package's Runner interface.
type AssistRunner struct {
	Channel                AgentChannel
	SessionID              string
	Model                  string
	ProviderConversationID string
}

// RunAssist executes a single scoped turn in the worktree and returns the
// agent's reply. Events are drained internally; assist turns don't stream
// into the session transcript beyond the headers the caller appends.
func (r *AssistRunner) RunAssist(ctx context.Context, folder, prompt string) (string, error) {
	events := make(chan TurnEvent, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.Type == EventCompleted || ev.Type == EventFailed {
				return
			}
		}
	}()

	result, err := r.Channel.RunTurn(ctx, r.SessionID, TurnRequest{
		Folder:                 folder,
		Model:                  r.Model,
		Mode:                   ModeResume,
		Prompt:                 prompt,
		ProviderConversationID: r.ProviderConversationID,
	}, events)
	<-drained

	if err != nil {
		return "", fmt.Errorf("assist turn: %w", err)
	}
	return result.AssistantMessage, nil
}
