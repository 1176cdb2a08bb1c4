// Package mergequeue serializes session merges into the shared base branch.
// Sessions queue in FIFO order; only the head session is ever Merging. Queue
// membership is persisted as session status, so the order is rebuilt from
// the store after a restart.
package mergequeue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

// mergeMessageTimeout caps the model-generated commit message step. On
// timeout the merge falls back to a deterministic message rather than
// holding up the queue.
const mergeMessageTimeout = 2 * time.Minute

// maxDiffPromptLen bounds how much of the squash diff is sent to the agent
// when asking for a commit message.
const maxDiffPromptLen = 20000

// fallbackTitle is used when a commit message yields no usable first line.
const fallbackTitle = "Apply session updates"

type entry struct {
	sessionID string
	opID      string
}

// Queue is the FIFO merge queue. One goroutine processes heads serially;
// Enqueue and Remove may be called from any goroutine.
type Queue struct {
	store     *ledger.Store
	gitc      git.Client
	agent     channel.AgentChannel
	worktrees *session.Worktrees
	bus       *events.Bus
	cfg       *config.Config
	log       *slog.Logger

	wake     chan struct{}
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	active  string
	waiting []entry
}

// New creates a merge queue. Start must be called before Enqueue.
func New(store *ledger.Store, gitc git.Client, agent channel.AgentChannel, worktrees *session.Worktrees, bus *events.Bus, cfg *config.Config) *Queue {
	return &Queue{
		store:     store,
		gitc:      gitc,
		agent:     agent,
		worktrees: worktrees,
		bus:       bus,
		cfg:       cfg,
		log:       logger.ComponentLogger("MergeQueue"),
		wake:      make(chan struct{}, 1),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Rebuild restores queue order from persisted session status. Sessions left
// Queued by a previous run re-enter in status-change order; their old merge
// operations were already failed by startup reconciliation, so each gets a
// fresh ledger row.
func (q *Queue) Rebuild(ctx context.Context) error {
	sessions, err := q.store.ListSessionsByStatus(ctx, session.StatusQueued)
	if err != nil {
		return fmt.Errorf("rebuild merge queue: %w", err)
	}

	q.mu.Lock()
	for _, sess := range sessions {
		op, err := q.store.Enqueue(ctx, sess.ID, ledger.OpMerge, sess.BaseBranch)
		if err != nil {
			q.mu.Unlock()
			return fmt.Errorf("rebuild merge queue: %w", err)
		}
		q.waiting = append(q.waiting, entry{sessionID: sess.ID, opID: op.ID})
	}
	n := len(q.waiting)
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("Merge queue rebuilt", "sessions", n)
		q.bus.Publish(events.Event{Type: events.MergeQueueChanged})
		q.notify()
	}
	return nil
}

// Start launches the processing loop.
func (q *Queue) Start() {
	go q.loop()
}

// Stop ends the loop after the in-flight merge finishes. Waiting sessions
// stay Queued in the store and re-enter on the next Rebuild.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopping) })
	<-q.done
}

// Enqueue moves a session from Review into the merge queue. The status
// change persists queue membership; the ledger row records the operation.
func (q *Queue) Enqueue(ctx context.Context, sessionID string) (*ledger.Operation, error) {
	sess, err := q.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := q.store.UpdateSessionStatus(ctx, sessionID, session.StatusQueued); err != nil {
		return nil, err
	}

	op, err := q.store.Enqueue(ctx, sessionID, ledger.OpMerge, sess.BaseBranch)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.waiting = append(q.waiting, entry{sessionID: sessionID, opID: op.ID})
	q.mu.Unlock()

	q.bus.Publish(events.Event{Type: events.SessionStatusChanged, SessionID: sessionID, Status: string(session.StatusQueued)})
	q.bus.Publish(events.Event{Type: events.MergeQueueChanged, SessionID: sessionID, OpID: op.ID})
	q.notify()
	return op, nil
}

// Remove takes a waiting session back out of the queue. The head cannot be
// removed once its merge is in flight.
func (q *Queue) Remove(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	if q.active == sessionID {
		q.mu.Unlock()
		return fmt.Errorf("remove session %s from merge queue: merge already in progress", sessionID)
	}
	var opID string
	for i, e := range q.waiting {
		if e.sessionID == sessionID {
			opID = e.opID
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if opID == "" {
		return fmt.Errorf("remove session %s from merge queue: not queued", sessionID)
	}

	if err := q.store.MarkCanceled(ctx, opID, "removed from merge queue"); err != nil {
		q.log.Warn("failed to cancel merge operation", "opID", opID, "error", err)
	}
	if err := q.store.UpdateSessionStatus(ctx, sessionID, session.StatusReview); err != nil {
		return err
	}

	q.bus.Publish(events.Event{Type: events.SessionStatusChanged, SessionID: sessionID, Status: string(session.StatusReview)})
	q.bus.Publish(events.Event{Type: events.MergeQueueChanged, SessionID: sessionID, OpID: opID})
	return nil
}

// Active returns the session currently being merged, or empty.
func (q *Queue) Active() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Waiting returns the queued session ids in merge order, excluding the
// active head.
func (q *Queue) Waiting() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.waiting))
	for i, e := range q.waiting {
		ids[i] = e.sessionID
	}
	return ids
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		e, ok := q.next()
		if !ok {
			select {
			case <-q.stopping:
				return
			case <-q.wake:
				continue
			}
		}

		q.process(e)

		q.mu.Lock()
		q.active = ""
		q.mu.Unlock()
		q.bus.Publish(events.Event{Type: events.MergeQueueChanged, SessionID: e.sessionID})

		select {
		case <-q.stopping:
			return
		default:
		}
	}
}

func (q *Queue) next() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return entry{}, false
	}
	e := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = e.sessionID
	return e, true
}

// process runs one merge end to end. A failed merge degrades the session to
// Review with the error in its output; the queue always advances.
func (q *Queue) process(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TurnTimeout())
	defer cancel()

	// The operation may have been removed or reconciled away while waiting.
	unfinished, cancelRequested, err := q.store.Unfinished(ctx, e.opID)
	if err != nil {
		q.log.Warn("merge skip-check failed", "opID", e.opID, "error", err)
		return
	}
	if !unfinished {
		return
	}
	if cancelRequested {
		if err := q.store.MarkCanceled(ctx, e.opID, ledger.ReasonCanceledBeforeRun); err != nil {
			q.log.Warn("failed to cancel merge operation", "opID", e.opID, "error", err)
		}
		q.setStatus(ctx, e.sessionID, session.StatusReview)
		q.publishOp(e)
		return
	}

	// The session must still be Queued when its turn comes; anything else
	// means it left the queue while waiting, and merging now would race
	// whatever moved it.
	sess, err := q.store.GetSession(ctx, e.sessionID)
	if err != nil {
		q.log.Warn("merge session lookup failed", "sessionID", e.sessionID, "error", err)
		return
	}
	if sess.Status != session.StatusQueued {
		q.log.Info("skipping merge, session no longer queued",
			"sessionID", e.sessionID, "status", string(sess.Status))
		if err := q.store.MarkCanceled(ctx, e.opID, "session left the merge queue"); err != nil {
			q.log.Warn("failed to cancel merge operation", "opID", e.opID, "error", err)
		}
		q.publishOp(e)
		return
	}

	if err := q.store.MarkRunning(ctx, e.opID); err != nil {
		q.log.Warn("failed to mark merge running", "opID", e.opID, "error", err)
		return
	}
	q.publishOp(e)

	stopHeartbeat := q.startHeartbeat(e.opID)
	defer stopHeartbeat()

	mergeErr := q.runMerge(ctx, e)
	switch {
	case mergeErr == nil:
		if err := q.store.MarkDone(ctx, e.opID); err != nil {
			q.log.Warn("failed to mark merge done", "opID", e.opID, "error", err)
		}
	case errors.GetKind(mergeErr) == errors.KindCanceled:
		if err := q.store.MarkCanceled(context.Background(), e.opID, "interrupted by user"); err != nil {
			q.log.Warn("failed to mark merge canceled", "opID", e.opID, "error", err)
		}
	default:
		if err := q.store.MarkFailed(context.Background(), e.opID, mergeErr.Error()); err != nil {
			q.log.Warn("failed to mark merge failed", "opID", e.opID, "error", err)
		}
	}
	q.publishOp(e)
}

// runMerge is the merge workflow for the head session: commit pending
// changes, rebase onto the base branch with assisted conflict resolution,
// then squash-merge into base.
func (q *Queue) runMerge(ctx context.Context, e entry) error {
	sess, err := q.store.GetSession(ctx, e.sessionID)
	if err != nil {
		return err
	}

	q.setStatus(ctx, sess.ID, session.StatusMerging)
	appendOutput := func(text string) { q.appendOutput(sess.ID, text) }

	runner := &channel.AssistRunner{
		Channel:                q.agent,
		SessionID:              sess.ID,
		Model:                  sess.Model,
		ProviderConversationID: sess.ProviderConversationID,
	}
	policy := assist.PolicyFromConfig(q.cfg)
	retryGit := git.LockRetryClient{Client: q.gitc, Retries: q.cfg.GitLockRetries, Delay: q.cfg.GitLockRetryDelay()}

	fail := func(err error) error {
		appendOutput(fmt.Sprintf("\n[Merge Error] %v\n", err))
		q.setStatus(context.Background(), sess.ID, session.StatusReview)
		return err
	}

	if _, err := assist.AutoCommit(ctx, policy, retryGit, runner, sess.Folder, appendOutput); err != nil {
		return fail(fmt.Errorf("commit pending changes: %w", err))
	}

	if err := assist.Rebase(ctx, policy, q.gitc, runner, sess.Folder, sess.BaseBranch, appendOutput); err != nil {
		return fail(fmt.Errorf("rebase %s onto %s: %w", sess.Branch, sess.BaseBranch, err))
	}

	diff, err := q.gitc.SquashMergeDiff(ctx, sess.RepoPath, sess.Branch, sess.BaseBranch)
	if err != nil {
		return fail(fmt.Errorf("inspect merge diff: %w", err))
	}

	message := fmt.Sprintf("Merge %s into %s", sess.Branch, sess.BaseBranch)
	if strings.TrimSpace(diff) == "" {
		appendOutput(fmt.Sprintf("\n[Merge] Session changes from %s are already present in %s\n", sess.Branch, sess.BaseBranch))
		return q.finalize(ctx, sess, message)
	}

	message = q.commitMessage(ctx, runner, sess, diff, message)

	outcome, err := q.gitc.SquashMerge(ctx, sess.RepoPath, sess.Branch, sess.BaseBranch, message)
	if err != nil {
		return fail(fmt.Errorf("squash merge %s into %s: %w", sess.Branch, sess.BaseBranch, err))
	}
	if outcome == git.SquashAlreadyPresent {
		appendOutput(fmt.Sprintf("\n[Merge] Session changes from %s are already present in %s\n", sess.Branch, sess.BaseBranch))
	} else {
		appendOutput(fmt.Sprintf("\n[Merged] %s into %s\n", sess.Branch, sess.BaseBranch))
	}

	return q.finalize(ctx, sess, message)
}

// finalize marks the session Done, retires its worktree and records the
// merge message as title and summary.
func (q *Queue) finalize(ctx context.Context, sess *session.Session, message string) error {
	q.setStatus(ctx, sess.ID, session.StatusDone)

	if err := q.worktrees.Remove(ctx, sess); err != nil {
		q.log.Warn("failed to remove merged worktree", "sessionID", sess.ID, "folder", sess.Folder, "error", err)
	}
	if err := q.store.UpdateSessionTitle(ctx, sess.ID, titleFromMessage(message), message); err != nil {
		q.log.Warn("failed to update session title", "sessionID", sess.ID, "error", err)
	}

	q.bus.Publish(events.Event{Type: events.RefreshSessions, SessionID: sess.ID})
	return nil
}

// commitMessage asks the agent for a commit message describing the squash
// diff. Any failure, timeout or empty reply falls back to the deterministic
// message so the merge never stalls on message generation.
func (q *Queue) commitMessage(ctx context.Context, runner *channel.AssistRunner, sess *session.Session, diff, fallback string) string {
	if len(diff) > maxDiffPromptLen {
		diff = diff[:maxDiffPromptLen] + "\n... (diff truncated)"
	}
	prompt := fmt.Sprintf(
		"Write a commit message for squash-merging this session's changes into %s. "+
			"Reply with the commit message only: a one-line subject under 72 characters, "+
			"optionally followed by a blank line and a short body.\n\n%s",
		sess.BaseBranch, diff)

	msgCtx, cancel := context.WithTimeout(ctx, mergeMessageTimeout)
	defer cancel()

	reply, err := runner.RunAssist(msgCtx, sess.Folder, prompt)
	if err != nil {
		q.log.Warn("commit message generation failed, using fallback", "sessionID", sess.ID, "error", err)
		return fallback
	}
	if msg := strings.TrimSpace(reply); msg != "" {
		return msg
	}
	return fallback
}

// titleFromMessage takes the first non-empty line of a commit message as the
// session title.
func titleFromMessage(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return fallbackTitle
}

func (q *Queue) appendOutput(sessionID, text string) {
	if text == "" {
		return
	}
	if err := q.store.AppendSessionOutput(context.Background(), sessionID, text); err != nil {
		q.log.Warn("failed to append session output", "sessionID", sessionID, "error", err)
	}
	q.bus.Publish(events.Event{Type: events.SessionOutputAppended, SessionID: sessionID, Text: text})
}

func (q *Queue) setStatus(ctx context.Context, sessionID string, status session.Status) {
	if err := q.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		q.log.Warn("failed to update session status", "sessionID", sessionID, "status", status, "error", err)
		return
	}
	q.bus.Publish(events.Event{Type: events.SessionStatusChanged, SessionID: sessionID, Status: string(status)})
}

func (q *Queue) publishOp(e entry) {
	q.bus.Publish(events.Event{Type: events.OperationUpdated, SessionID: e.sessionID, OpID: e.opID})
}

func (q *Queue) startHeartbeat(opID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := q.store.Heartbeat(context.Background(), opID); err != nil {
					q.log.Debug("merge heartbeat failed", "opID", opID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
