package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/conductor/internal/channel"
	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/ledger"
	"github.com/zhubert/conductor/internal/session"
)

// engineGit fakes every git call the engine's subsystems reach for.
type engineGit struct {
	git.Client
	mu       sync.Mutex
	created  []string // worktree paths
	removed  []string
	branches []string
}

func (g *engineGit) DefaultBranch(ctx context.Context, repoPath string) string { return "main" }

func (g *engineGit) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, worktreePath)
	g.branches = append(g.branches, branch)
	return nil
}

func (g *engineGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, worktreePath)
	return nil
}

func (g *engineGit) DeleteBranch(ctx context.Context, repoPath, branch string) error { return nil }

func (g *engineGit) PruneWorktrees(ctx context.Context, repoPath string) error { return nil }

func (g *engineGit) ListWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	return nil, nil
}

func (g *engineGit) CommitAll(ctx context.Context, dir, message string, noVerify bool) error {
	return git.ErrNothingToCommit
}

func (g *engineGit) HeadShortHash(ctx context.Context, dir string) (string, error) {
	return "abc1234", nil
}

// engineAgent completes every turn with a canned reply.
type engineAgent struct {
	mu      sync.Mutex
	prompts []string
}

func (a *engineAgent) StartSession(ctx context.Context, ref channel.SessionRef) error { return nil }

func (a *engineAgent) ShutdownSession(ctx context.Context, sessionID string) error { return nil }

func (a *engineAgent) RunTurn(ctx context.Context, sessionID string, req channel.TurnRequest, evs chan<- channel.TurnEvent) (*channel.TurnResult, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, req.Prompt)
	a.mu.Unlock()

	result := &channel.TurnResult{AssistantMessage: "done", ProviderConversationID: "conv-1"}
	evs <- channel.TurnEvent{Type: channel.EventAssistantDelta, Text: "done"}
	evs <- channel.TurnEvent{Type: channel.EventCompleted, Result: result}
	return result, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultBranchPrefix:      "conductor/",
		GitLockRetries:           1,
		GitLockRetryDelayMS:      1,
		AssistMaxAttempts:        3,
		AssistMaxIdenticalErrors: 3,
		AgentRestartAttempts:     1,
		AgentRestartDelayMS:      1,
		TurnTimeoutMinutes:       1,
		EventBusCapacity:         256,
		HeartbeatIntervalSeconds: 1,
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))
	return repo
}

func newTestEngine(t *testing.T) (*Engine, *ledger.Store, *engineAgent, *engineGit) {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agent := &engineAgent{}
	gitc := &engineGit{}
	eng := New(testConfig(), store, gitc,
		WithChannelFactory(func(p session.Provider) channel.AgentChannel { return agent }),
		WithProcessSweep(false),
	)
	return eng, store, agent, gitc
}

func waitForStatus(t *testing.T, store *ledger.Store, id string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := store.GetSession(context.Background(), id)
		return err == nil && sess.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session %s never reached %s", id, want)
}

func TestEngine_CreateSessionAndRunTurn(t *testing.T) {
	eng, store, agent, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	sess, err := eng.CreateSession(ctx, newTestRepo(t), "", session.ProviderClaude, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusNew, sess.Status)

	op, err := eng.EnqueueTurn(ctx, sess.ID, "implement the parser")
	require.NoError(t, err)

	waitForStatus(t, store, sess.ID, session.StatusReview)

	done, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpDone, done.Status)

	agent.mu.Lock()
	prompts := append([]string(nil), agent.prompts...)
	agent.mu.Unlock()
	assert.Equal(t, []string{"implement the parser"}, prompts)

	// The conversation id from the turn is persisted for the next resume.
	reloaded, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", reloaded.ProviderConversationID)
}

func TestEngine_StartupRecoversInterruptedOperations(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// A previous run crashed with a turn in flight.
	crashed := &session.Session{
		ID:         "11111111-aaaa-bbbb-cccc-dddddddddddd",
		RepoPath:   "/tmp/repo",
		Folder:     "/tmp/wt",
		Branch:     "conductor/11111111",
		BaseBranch: "main",
		Provider:   session.ProviderClaude,
		Status:     session.StatusWorking,
	}
	require.NoError(t, store.CreateSession(ctx, crashed))
	op, err := store.Enqueue(ctx, crashed.ID, ledger.OpTurn, "interrupted work")
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, op.ID))

	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	failed, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpFailed, failed.Status)
	assert.Equal(t, ledger.ReasonRestart, failed.Reason)

	status, err := eng.CurrentStatus(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReview, status)

	// The recovered session accepts new commands.
	next, err := eng.EnqueueTurn(ctx, crashed.ID, "pick up where we left off")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := store.GetOperation(ctx, next.ID)
		return err == nil && got.Status == ledger.OpDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_CancelFlagsPendingOperations(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	sess := &session.Session{
		ID:         "22222222-aaaa-bbbb-cccc-dddddddddddd",
		RepoPath:   "/tmp/repo",
		Folder:     "/tmp/wt2",
		Branch:     "conductor/22222222",
		BaseBranch: "main",
		Provider:   session.ProviderClaude,
		Status:     session.StatusReview,
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	// Queue directly in the ledger so nothing executes it.
	op, err := store.Enqueue(ctx, sess.ID, ledger.OpTurn, "pending")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, sess.ID))

	_, cancelRequested, err := store.Unfinished(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, cancelRequested)
}

func TestEngine_DeleteSessionRemovesWorktree(t *testing.T) {
	eng, store, _, gitc := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	sess, err := eng.CreateSession(ctx, newTestRepo(t), "", session.ProviderClaude, "")
	require.NoError(t, err)

	require.NoError(t, eng.DeleteSession(ctx, sess.ID))

	_, err = store.GetSession(ctx, sess.ID)
	assert.Error(t, err)

	gitc.mu.Lock()
	removed := append([]string(nil), gitc.removed...)
	gitc.mu.Unlock()
	assert.Equal(t, []string{sess.Folder}, removed)
}

func TestEngine_EnqueueTurnRejectsMergedSession(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	sess := &session.Session{
		ID:         "33333333-aaaa-bbbb-cccc-dddddddddddd",
		RepoPath:   "/tmp/repo",
		Folder:     "/tmp/wt3",
		Branch:     "conductor/33333333",
		BaseBranch: "main",
		Provider:   session.ProviderClaude,
		Status:     session.StatusDone,
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	_, err := eng.EnqueueTurn(ctx, sess.ID, "too late")
	assert.Error(t, err)
}

func TestEngine_EnqueueTurnRejectsSessionInMergeQueue(t *testing.T) {
	eng, store, agent, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() { _ = eng.Shutdown(ctx) }()

	for i, status := range []session.Status{session.StatusQueued, session.StatusMerging} {
		sess := &session.Session{
			ID:         fmt.Sprintf("4444444%d-aaaa-bbbb-cccc-dddddddddddd", i),
			RepoPath:   "/tmp/repo",
			Folder:     fmt.Sprintf("/tmp/wt4%d", i),
			Branch:     fmt.Sprintf("conductor/4444444%d", i),
			BaseBranch: "main",
			Provider:   session.ProviderClaude,
			Status:     status,
		}
		require.NoError(t, store.CreateSession(ctx, sess))

		_, err := eng.EnqueueTurn(ctx, sess.ID, "keep working")
		require.Error(t, err, "status %s must not accept turns", status)
		assert.Contains(t, err.Error(), "merge queue")
	}

	agent.mu.Lock()
	prompts := len(agent.prompts)
	agent.mu.Unlock()
	assert.Zero(t, prompts, "no turn may run for a queued or merging session")
}
