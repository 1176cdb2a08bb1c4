// Package worker runs a session's operations. One goroutine and one command
// channel per session: operations across sessions run in parallel, within a
// session strictly in FIFO order.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/conductor/internal/assist"
	"github.com/zhubert/conductor/internal/channel"
	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/events"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/ledger"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/session"
)

// commandBuffer bounds the per-session queue. Enqueue never blocks; a full
// queue fails the operation instead.
const commandBuffer = 64

// Command is one queued unit of work. The ledger row already exists when
// the command enters the channel.
type Command struct {
	OpID   string
	Kind   ledger.OpKind
	Prompt string
}

// Worker owns one session's operation loop.
type Worker struct {
	sessionID string
	store     *ledger.Store
	gitc      git.Client
	agent     channel.AgentChannel
	bus       *events.Bus
	cfg       *config.Config
	log       *slog.Logger

	commands chan Command
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

// New creates a worker for a session. Start must be called before Enqueue.
func New(sessionID string, store *ledger.Store, gitc git.Client, agent channel.AgentChannel, bus *events.Bus, cfg *config.Config) *Worker {
	return &Worker{
		sessionID: sessionID,
		store:     store,
		gitc:      gitc,
		agent:     agent,
		bus:       bus,
		cfg:       cfg,
		log:       logger.ComponentLogger("Worker").With("sessionID", sessionID),
		commands:  make(chan Command, commandBuffer),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the operation loop.
func (w *Worker) Start() {
	go w.loop()
}

// Stop ends the loop after the in-flight operation finishes. Queued
// commands stay in the ledger as Queued; startup reconciliation fails them
// on the next run.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopping) })
	<-w.done
}

// CancelCurrent interrupts the in-flight turn, if any.
func (w *Worker) CancelCurrent() {
	w.mu.Lock()
	cancel := w.cancelTurn
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue persists an operation and hands it to the loop. The ledger row is
// written before the send, so a crash in between leaves a Queued row for
// reconciliation rather than silently losing the work.
func (w *Worker) Enqueue(ctx context.Context, kind ledger.OpKind, prompt string) (*ledger.Operation, error) {
	op, err := w.store.Enqueue(ctx, w.sessionID, kind, prompt)
	if err != nil {
		return nil, err
	}

	select {
	case w.commands <- Command{OpID: op.ID, Kind: kind, Prompt: prompt}:
		w.bus.Publish(events.Event{Type: events.OperationUpdated, SessionID: w.sessionID, OpID: op.ID})
		return op, nil
	default:
		reason := "worker queue full"
		if markErr := w.store.MarkFailed(ctx, op.ID, reason); markErr != nil {
			w.log.Warn("failed to mark overflowed operation", "opID", op.ID, "error", markErr)
		}
		return nil, fmt.Errorf("enqueue operation for session %s: %s", w.sessionID, reason)
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stopping:
			return
		case cmd := <-w.commands:
			w.handle(cmd)
		}
	}
}

// handle runs one command end to end. Failures are recorded, never fatal to
// the loop.
func (w *Worker) handle(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TurnTimeout())
	defer cancel()

	w.mu.Lock()
	w.cancelTurn = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancelTurn = nil
		w.mu.Unlock()
	}()

	// An operation may have been canceled, or already reconciled away,
	// between enqueue and dequeue.
	unfinished, cancelRequested, err := w.store.Unfinished(ctx, cmd.OpID)
	if err != nil {
		w.log.Warn("skip-check failed", "opID", cmd.OpID, "error", err)
		return
	}
	if !unfinished {
		return
	}
	if cancelRequested {
		if err := w.store.MarkCanceled(ctx, cmd.OpID, ledger.ReasonCanceledBeforeRun); err != nil {
			w.log.Warn("failed to cancel operation", "opID", cmd.OpID, "error", err)
		}
		w.publishOp(cmd.OpID)
		return
	}

	if err := w.store.MarkRunning(ctx, cmd.OpID); err != nil {
		w.log.Warn("failed to mark running", "opID", cmd.OpID, "error", err)
		return
	}
	w.publishOp(cmd.OpID)

	stopHeartbeat := w.startHeartbeat(cmd.OpID)
	defer stopHeartbeat()

	runErr := w.runTurn(ctx, cmd)
	switch {
	case runErr == nil:
		if err := w.store.MarkDone(ctx, cmd.OpID); err != nil {
			w.log.Warn("failed to mark done", "opID", cmd.OpID, "error", err)
		}
	case errors.GetKind(runErr) == errors.KindCanceled:
		if err := w.store.MarkCanceled(context.Background(), cmd.OpID, "interrupted by user"); err != nil {
			w.log.Warn("failed to mark canceled", "opID", cmd.OpID, "error", err)
		}
	default:
		if err := w.store.MarkFailed(context.Background(), cmd.OpID, runErr.Error()); err != nil {
			w.log.Warn("failed to mark failed", "opID", cmd.OpID, "error", err)
		}
	}
	w.publishOp(cmd.OpID)
}

// runTurn executes one agent turn and the follow-up bookkeeping: transcript,
// token stats, conversation id, auto-commit, status transition.
func (w *Worker) runTurn(ctx context.Context, cmd Command) error {
	sess, err := w.store.GetSession(ctx, w.sessionID)
	if err != nil {
		return err
	}

	w.setStatus(ctx, session.StatusWorking)

	mode := channel.ModeStart
	if sess.ProviderConversationID != "" {
		mode = channel.ModeResume
	}
	req := channel.TurnRequest{
		Folder:                 sess.Folder,
		Model:                  sess.Model,
		Mode:                   mode,
		Prompt:                 cmd.Prompt,
		ProviderConversationID: sess.ProviderConversationID,
		LiveOutput:             true,
	}

	w.appendOutput(fmt.Sprintf("\n> %s\n\n", cmd.Prompt))

	turnEvents := make(chan channel.TurnEvent, commandBuffer)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range turnEvents {
			switch ev.Type {
			case channel.EventAssistantDelta:
				w.appendOutput(ev.Text)
			case channel.EventProgress:
				w.bus.Publish(events.Event{Type: events.SessionProgress, SessionID: w.sessionID, Text: ev.Text})
			case channel.EventPidUpdate:
				w.log.Debug("agent pid", "pid", ev.Pid)
			case channel.EventCompleted, channel.EventFailed:
				return
			}
		}
	}()

	result, turnErr := w.agent.RunTurn(ctx, w.sessionID, req, turnEvents)
	<-consumed

	if turnErr != nil {
		if errors.GetKind(turnErr) == errors.KindCanceled {
			w.setStatus(context.Background(), session.StatusReview)
			return turnErr
		}
		w.appendOutput(fmt.Sprintf("\n[Error] %v\n", turnErr))
		w.setStatus(context.Background(), session.StatusError)
		return turnErr
	}

	w.appendOutput("\n")
	if err := w.store.AddSessionTokens(ctx, w.sessionID, result.InputTokens, result.OutputTokens); err != nil {
		w.log.Warn("failed to record token usage", "error", err)
	}
	if result.ProviderConversationID != "" && result.ProviderConversationID != sess.ProviderConversationID {
		if err := w.store.SetProviderConversationID(ctx, w.sessionID, result.ProviderConversationID); err != nil {
			w.log.Warn("failed to record conversation id", "error", err)
		}
	}

	w.autoCommit(ctx, sess, result.ProviderConversationID)

	w.setStatus(ctx, session.StatusReview)
	w.bus.Publish(events.Event{Type: events.RefreshSessions, SessionID: w.sessionID})
	return nil
}

// autoCommit commits the turn's changes, first riding out transient
// index.lock contention, then falling back to the assist loop. Commit
// failure degrades the session to conflict-visible output, not a failed
// operation: the turn's work is already in the worktree.
func (w *Worker) autoCommit(ctx context.Context, sess *session.Session, conversationID string) {
	runner := &channel.AssistRunner{
		Channel:                w.agent,
		SessionID:              w.sessionID,
		Model:                  sess.Model,
		ProviderConversationID: conversationID,
	}
	retryGit := git.LockRetryClient{Client: w.gitc, Retries: w.cfg.GitLockRetries, Delay: w.cfg.GitLockRetryDelay()}
	if _, err := assist.AutoCommit(ctx, assist.PolicyFromConfig(w.cfg), retryGit, runner, sess.Folder, w.appendOutput); err != nil {
		w.log.Warn("auto-commit failed", "error", err)
	}
}

func (w *Worker) appendOutput(text string) {
	if text == "" {
		return
	}
	if err := w.store.AppendSessionOutput(context.Background(), w.sessionID, text); err != nil {
		w.log.Warn("failed to append session output", "error", err)
	}
	w.bus.Publish(events.Event{Type: events.SessionOutputAppended, SessionID: w.sessionID, Text: text})
}

func (w *Worker) setStatus(ctx context.Context, status session.Status) {
	if err := w.store.UpdateSessionStatus(ctx, w.sessionID, status); err != nil {
		w.log.Warn("failed to update session status", "status", status, "error", err)
		return
	}
	w.bus.Publish(events.Event{Type: events.SessionStatusChanged, SessionID: w.sessionID, Status: string(status)})
}

func (w *Worker) publishOp(opID string) {
	w.bus.Publish(events.Event{Type: events.OperationUpdated, SessionID: w.sessionID, OpID: opID})
}

// startHeartbeat stamps the running operation until the returned stop
// function is called.
func (w *Worker) startHeartbeat(opID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(context.Background(), opID); err != nil {
					w.log.Debug("heartbeat failed", "opID", opID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
