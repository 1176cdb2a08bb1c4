// Package engine is the orchestrator: it owns the ledger, the event bus, one
// worker per session, the merge queue, and the provider channels. Everything
// above it (CLI, UI, notifications) talks to sessions through the Engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhubert/conductor/internal/channel"
	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/events"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/ledger"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/mergequeue"
	"github.com/zhubert/conductor/internal/process"
	"github.com/zhubert/conductor/internal/session"
	"github.com/zhubert/conductor/internal/worker"
)

// ChannelFactory builds the agent channel for a provider. Tests substitute
// fakes here.
type ChannelFactory func(provider session.Provider) channel.AgentChannel

// Engine coordinates sessions, workers, channels and the merge queue.
type Engine struct {
	cfg       *config.Config
	store     *ledger.Store
	gitc      git.Client
	bus       *events.Bus
	worktrees *session.Worktrees
	merges    *mergequeue.Queue
	log       *slog.Logger

	channelFactory ChannelFactory
	sweepProcesses bool

	mu       sync.Mutex
	workers  map[string]*worker.Worker
	channels map[session.Provider]channel.AgentChannel
	started  bool
}

// Option configures the engine.
type Option func(*Engine)

// WithChannelFactory overrides how provider channels are built.
func WithChannelFactory(f ChannelFactory) Option {
	return func(e *Engine) { e.channelFactory = f }
}

// WithProcessSweep toggles the startup sweep for orphaned agent processes.
func WithProcessSweep(enabled bool) Option {
	return func(e *Engine) { e.sweepProcesses = enabled }
}

// New creates an engine. Start must be called before any session operation.
func New(cfg *config.Config, store *ledger.Store, gitc git.Client, opts ...Option) *Engine {
	e := &Engine{
		cfg:            cfg,
		store:          store,
		gitc:           gitc,
		bus:            events.NewBus(cfg.EventBusCapacity),
		worktrees:      session.NewWorktrees(gitc, cfg.GetDefaultBranchPrefix()),
		log:            logger.ComponentLogger("Engine"),
		channelFactory: func(p session.Provider) channel.AgentChannel { return channel.ForProvider(p, cfg) },
		sweepProcesses: true,
		workers:        make(map[string]*worker.Worker),
		channels:       make(map[session.Provider]channel.AgentChannel),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.merges = mergequeue.New(store, gitc, e.router(), e.worktrees, e.bus, cfg)
	return e
}

// Start recovers persisted state and brings the engine online: reconcile the
// ledger, sweep stranded worktrees and agent processes, start a worker per
// live session, and rebuild the merge queue.
func (e *Engine) Start(ctx context.Context) error {
	reconciled, err := e.store.ReconcileOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}
	if reconciled > 0 {
		e.log.Info("reconciled interrupted operations", "count", reconciled)
	}

	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	knownFolders := make(map[string]bool)
	repoPaths := make(map[string]bool)
	ownedConversations := make(map[string]bool)
	for _, sess := range sessions {
		knownFolders[sess.Folder] = true
		repoPaths[sess.RepoPath] = true
		if sess.ProviderConversationID != "" {
			ownedConversations[sess.ProviderConversationID] = true
		}
	}
	for _, repo := range e.cfg.GetRepos() {
		repoPaths[repo] = true
	}

	for repo := range repoPaths {
		if pruned := e.worktrees.PruneOrphans(ctx, repo, knownFolders); pruned > 0 {
			e.log.Info("pruned orphaned worktrees", "repo", repo, "count", pruned)
		}
	}

	if e.sweepProcesses {
		if killed, err := process.CleanupOrphanedAgents(ownedConversations); err != nil {
			e.log.Warn("orphan process sweep failed", "error", err)
		} else if killed > 0 {
			e.log.Info("killed orphaned agent processes", "count", killed)
		}
	}

	e.mu.Lock()
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		e.startWorkerLocked(sess.ID)
	}
	e.started = true
	e.mu.Unlock()

	if err := e.merges.Rebuild(ctx); err != nil {
		return err
	}
	e.merges.Start()
	return nil
}

// CreateSession cuts a branch and worktree for repoPath, persists the
// session and starts its worker. An empty provider or model falls back to
// the configured defaults; an empty baseBranch uses the repo's default
// branch.
func (e *Engine) CreateSession(ctx context.Context, repoPath, baseBranch string, provider session.Provider, model string) (*session.Session, error) {
	if provider == "" {
		provider = session.Provider(e.cfg.DefaultProvider)
	}
	if provider == "" {
		provider = session.ProviderClaude
	}
	if !provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if model == "" {
		model = e.cfg.DefaultModel
	}

	sess, err := e.worktrees.Create(ctx, repoPath, baseBranch)
	if err != nil {
		return nil, err
	}
	sess.Provider = provider
	sess.Model = model

	if err := e.store.CreateSession(ctx, sess); err != nil {
		// Roll the worktree back; an unpersisted session is unreachable.
		if rmErr := e.worktrees.Remove(ctx, sess); rmErr != nil {
			e.log.Warn("failed to roll back worktree", "sessionID", sess.ID, "error", rmErr)
		}
		return nil, err
	}

	e.mu.Lock()
	e.startWorkerLocked(sess.ID)
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.RefreshSessions, SessionID: sess.ID})
	return sess, nil
}

// EnqueueTurn queues a prompt on the session's worker. Sessions in the
// merge queue do not accept turns: a turn running while the queue reaches
// the session would rebase and commit the worktree under the agent's feet.
func (e *Engine) EnqueueTurn(ctx context.Context, sessionID, prompt string) (*ledger.Operation, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s is already merged", sessionID)
	}
	if sess.Status == session.StatusQueued || sess.Status == session.StatusMerging {
		return nil, fmt.Errorf("session %s is in the merge queue; unqueue it before sending prompts", sessionID)
	}

	w := e.workerFor(sessionID)
	return w.Enqueue(ctx, ledger.OpTurn, prompt)
}

// EnqueueMerge adds the session to the merge queue.
func (e *Engine) EnqueueMerge(ctx context.Context, sessionID string) (*ledger.Operation, error) {
	return e.merges.Enqueue(ctx, sessionID)
}

// UnqueueMerge takes a waiting session back out of the merge queue.
func (e *Engine) UnqueueMerge(ctx context.Context, sessionID string) error {
	return e.merges.Remove(ctx, sessionID)
}

// MergeQueue returns the active session id and the waiting session ids.
func (e *Engine) MergeQueue() (active string, waiting []string) {
	return e.merges.Active(), e.merges.Waiting()
}

// Cancel requests cancellation of everything pending for a session: queued
// operations are flagged for the skip-check, and the in-flight turn's
// context is canceled.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	ops, err := e.store.ListOperations(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Finished() {
			continue
		}
		if err := e.store.RequestCancel(ctx, op.ID); err != nil {
			e.log.Warn("failed to request cancel", "opID", op.ID, "error", err)
		}
	}

	e.mu.Lock()
	w := e.workers[sessionID]
	e.mu.Unlock()
	if w != nil {
		w.CancelCurrent()
	}
	return nil
}

// CurrentStatus returns the session's persisted status.
func (e *Engine) CurrentStatus(ctx context.Context, sessionID string) (session.Status, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}

// Sessions lists all persisted sessions.
func (e *Engine) Sessions(ctx context.Context) ([]*session.Session, error) {
	return e.store.ListSessions(ctx)
}

// Session loads one session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// SessionOutput returns the session's accumulated transcript.
func (e *Engine) SessionOutput(ctx context.Context, sessionID string) (string, error) {
	return e.store.SessionOutput(ctx, sessionID)
}

// DeleteSession stops the session's worker, releases provider state, removes
// the worktree and deletes the row. Running sessions must be canceled first.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	w := e.workers[sessionID]
	delete(e.workers, sessionID)
	e.mu.Unlock()
	if w != nil {
		w.Stop()
	}

	if err := e.router().ShutdownSession(ctx, sessionID); err != nil {
		e.log.Warn("failed to shut down provider session", "sessionID", sessionID, "error", err)
	}

	if !sess.Status.IsTerminal() {
		if err := e.worktrees.Remove(ctx, sess); err != nil {
			return err
		}
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	e.bus.Publish(events.Event{Type: events.RefreshSessions, SessionID: sessionID})
	return nil
}

// Subscribe returns the engine's event stream. There is exactly one
// consumer.
func (e *Engine) Subscribe() <-chan events.Event {
	return e.bus.Subscribe()
}

// Shutdown stops the merge queue and all workers, then releases provider
// state. In-flight operations finish; queued ones stay in the ledger for the
// next startup's reconciliation.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.merges.Stop()

	e.mu.Lock()
	workers := make([]*worker.Worker, 0, len(e.workers))
	ids := make([]string, 0, len(e.workers))
	for id, w := range e.workers {
		workers = append(workers, w)
		ids = append(ids, id)
	}
	e.workers = make(map[string]*worker.Worker)
	e.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range ids {
		if err := e.router().ShutdownSession(ctx, id); err != nil {
			e.log.Debug("shutdown session failed", "sessionID", id, "error", err)
		}
	}

	e.bus.Close()
	return nil
}

// workerFor returns the session's worker, starting one if needed. Workers
// are created lazily so sessions loaded after startup still get one.
func (e *Engine) workerFor(sessionID string) *worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startWorkerLocked(sessionID)
}

func (e *Engine) startWorkerLocked(sessionID string) *worker.Worker {
	if w, ok := e.workers[sessionID]; ok {
		return w
	}
	w := worker.New(sessionID, e.store, e.gitc, e.router(), e.bus, e.cfg)
	w.Start()
	e.workers[sessionID] = w
	return w
}

// channelFor returns the shared channel instance for a provider. Persistent
// providers keep app-server state inside the channel, so there must be
// exactly one instance per provider.
func (e *Engine) channelFor(provider session.Provider) channel.AgentChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.channels[provider]; ok {
		return ch
	}
	ch := e.channelFactory(provider)
	e.channels[provider] = ch
	return ch
}

func (e *Engine) router() channel.AgentChannel {
	return providerRouter{engine: e}
}

// providerRouter dispatches AgentChannel calls to the channel of the
// session's provider, looked up from the store. Workers and the merge queue
// stay provider-agnostic.
type providerRouter struct {
	engine *Engine
}

func (r providerRouter) resolve(ctx context.Context, sessionID string) (channel.AgentChannel, channel.SessionRef, error) {
	sess, err := r.engine.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, channel.SessionRef{}, err
	}
	ref := channel.SessionRef{
		SessionID:              sess.ID,
		Folder:                 sess.Folder,
		Model:                  sess.Model,
		ProviderConversationID: sess.ProviderConversationID,
	}
	return r.engine.channelFor(sess.Provider), ref, nil
}

func (r providerRouter) StartSession(ctx context.Context, ref channel.SessionRef) error {
	ch, resolved, err := r.resolve(ctx, ref.SessionID)
	if err != nil {
		return err
	}
	return ch.StartSession(ctx, resolved)
}

func (r providerRouter) RunTurn(ctx context.Context, sessionID string, req channel.TurnRequest, evs chan<- channel.TurnEvent) (*channel.TurnResult, error) {
	ch, ref, err := r.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// StartSession is idempotent; calling it here lets persistent channels
	// connect lazily and recover after engine restarts.
	if err := ch.StartSession(ctx, ref); err != nil {
		return nil, err
	}
	return ch.RunTurn(ctx, sessionID, req, evs)
}

func (r providerRouter) ShutdownSession(ctx context.Context, sessionID string) error {
	ch, _, err := r.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	return ch.ShutdownSession(ctx, sessionID)
}
