package assist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/conductor/internal/git"
)

func TestFailureTracker_IdenticalStreak(t *testing.T) {
	tracker := NewFailureTracker(Policy{MaxAttempts: 3, MaxIdenticalFailureStreak: 3})

	assert.False(t, tracker.Observe("index.lock exists"))
	assert.False(t, tracker.Observe("index.lock exists"))
	assert.True(t, tracker.Observe("index.lock exists"))
}

func TestFailureTracker_DifferentDetailResetsStreak(t *testing.T) {
	tracker := NewFailureTracker(Policy{MaxIdenticalFailureStreak: 2})

	assert.False(t, tracker.Observe("error A"))
	assert.False(t, tracker.Observe("error B"))
	assert.False(t, tracker.Observe("error A"))
	assert.Equal(t, 1, tracker.Streak())
}

func TestFailureTracker_FingerprintNormalizes(t *testing.T) {
	tracker := NewFailureTracker(Policy{MaxIdenticalFailureStreak: 2})

	assert.False(t, tracker.Observe("  Hook Failed  "))
	assert.True(t, tracker.Observe("hook failed"))
}

func TestHeader(t *testing.T) {
	got := Header("Commit", 2, 3, "Resolving auto-commit failure:", "- hook failed\n")

	assert.Equal(t, "\n[Commit Assist 2/3] Resolving auto-commit failure:\n- hook failed\n\n", got)
}

func TestDetailLines(t *testing.T) {
	got := DetailLines([]string{"main.go", "  util.go  ", ""})

	assert.Equal(t, "- main.go\n- util.go\n", got)
}

// assistGit fakes the git surface the assist loops use.
type assistGit struct {
	git.Client

	commitErrs  []error // consumed per CommitAll call; nil = success
	commitCalls int
	hash        string

	rebaseInProgress bool
	startResult      git.RebaseStepResult
	startErr         error
	conflictSets     [][]string // consumed per ConflictedFiles call
	conflictCalls    int
	continueResults  []git.RebaseStepResult
	continueCalls    int
	stagedCalls      int
	aborted          bool
}

func (g *assistGit) CommitAll(ctx context.Context, dir, message string, noVerify bool) error {
	i := g.commitCalls
	g.commitCalls++
	if i < len(g.commitErrs) {
		return g.commitErrs[i]
	}
	return nil
}

func (g *assistGit) HeadShortHash(ctx context.Context, dir string) (string, error) {
	return g.hash, nil
}

func (g *assistGit) IsRebaseInProgress(ctx context.Context, dir string) (bool, error) {
	return g.rebaseInProgress, nil
}

func (g *assistGit) RebaseStart(ctx context.Context, dir, baseBranch string) (git.RebaseStepResult, error) {
	g.rebaseInProgress = true
	return g.startResult, g.startErr
}

func (g *assistGit) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	i := g.conflictCalls
	g.conflictCalls++
	if i < len(g.conflictSets) {
		return g.conflictSets[i], nil
	}
	return nil, nil
}

func (g *assistGit) RebaseContinue(ctx context.Context, dir string) (git.RebaseStepResult, error) {
	i := g.continueCalls
	g.continueCalls++
	if i < len(g.continueResults) {
		res := g.continueResults[i]
		if res.Outcome == git.RebaseCompleted {
			g.rebaseInProgress = false
		}
		return res, nil
	}
	g.rebaseInProgress = false
	return git.RebaseStepResult{Outcome: git.RebaseCompleted}, nil
}

func (g *assistGit) StageAll(ctx context.Context, dir string) error {
	g.stagedCalls++
	return nil
}

func (g *assistGit) RebaseAbort(ctx context.Context, dir string) error {
	g.aborted = true
	g.rebaseInProgress = false
	return nil
}

// fakeRunner records assist prompts.
type fakeRunner struct {
	prompts []string
	err     error
}

func (r *fakeRunner) RunAssist(ctx context.Context, folder, prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	return "done", r.err
}

type outputSink struct {
	lines []string
}

func (s *outputSink) append(text string) {
	s.lines = append(s.lines, text)
}

func (s *outputSink) joined() string {
	return strings.Join(s.lines, "")
}

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, MaxIdenticalFailureStreak: 3}
}

func TestAutoCommit_NothingToCommit(t *testing.T) {
	gitc := &assistGit{commitErrs: []error{git.ErrNothingToCommit}}
	sink := &outputSink{}

	hash, err := AutoCommit(context.Background(), testPolicy(), gitc, &fakeRunner{}, "/wt", sink.append)

	require.NoError(t, err)
	assert.Empty(t, hash)
	assert.Empty(t, sink.lines)
}

func TestAutoCommit_FirstTrySucceeds(t *testing.T) {
	gitc := &assistGit{hash: "abc1234"}
	sink := &outputSink{}

	hash, err := AutoCommit(context.Background(), testPolicy(), gitc, &fakeRunner{}, "/wt", sink.append)

	require.NoError(t, err)
	assert.Equal(t, "abc1234", hash)
	assert.Contains(t, sink.joined(), "[Commit] committed with hash `abc1234`")
}

func TestAutoCommit_AssistRecovers(t *testing.T) {
	gitc := &assistGit{
		commitErrs: []error{errors.New("pre-commit hook failed"), nil},
		hash:       "def5678",
	}
	runner := &fakeRunner{}
	sink := &outputSink{}

	hash, err := AutoCommit(context.Background(), testPolicy(), gitc, runner, "/wt", sink.append)

	require.NoError(t, err)
	assert.Equal(t, "def5678", hash)
	require.Len(t, runner.prompts, 1)
	assert.Contains(t, runner.prompts[0], "pre-commit hook failed")
	assert.Contains(t, sink.joined(), "[Commit Assist 1/3] Resolving auto-commit failure:")
	assert.Contains(t, sink.joined(), "committed with hash `def5678`")
}

func TestAutoCommit_IdenticalFailureStreakStops(t *testing.T) {
	hookErr := errors.New("pre-commit hook failed")
	gitc := &assistGit{commitErrs: []error{hookErr, hookErr, hookErr, hookErr}}
	runner := &fakeRunner{}
	sink := &outputSink{}

	_, err := AutoCommit(context.Background(), testPolicy(), gitc, runner, "/wt", sink.append)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kept failing the same way")
	assert.Contains(t, sink.joined(), "[Commit Error]")
	// The streak cut the loop before attempts were exhausted.
	assert.Len(t, runner.prompts, 2)
}

func TestAutoCommit_AssistRunnerFailure(t *testing.T) {
	gitc := &assistGit{commitErrs: []error{errors.New("hook failed")}}
	runner := &fakeRunner{err: errors.New("agent exited with code 1")}
	sink := &outputSink{}

	_, err := AutoCommit(context.Background(), testPolicy(), gitc, runner, "/wt", sink.append)

	require.Error(t, err)
	assert.Contains(t, sink.joined(), "[Commit Error] agent exited with code 1")
}

func TestRebase_CleanCompletion(t *testing.T) {
	gitc := &assistGit{startResult: git.RebaseStepResult{Outcome: git.RebaseCompleted}}

	err := Rebase(context.Background(), testPolicy(), gitc, &fakeRunner{}, "/wt", "main", (&outputSink{}).append)

	require.NoError(t, err)
	assert.False(t, gitc.aborted)
}

func TestRebase_AssistResolvesConflicts(t *testing.T) {
	gitc := &assistGit{
		startResult: git.RebaseStepResult{Outcome: git.RebaseConflict, Detail: "main.go"},
		conflictSets: [][]string{
			{"main.go"}, // loop sees the conflict
			nil,         // after assist, resolved
		},
		continueResults: []git.RebaseStepResult{{Outcome: git.RebaseCompleted}},
	}
	runner := &fakeRunner{}
	sink := &outputSink{}

	err := Rebase(context.Background(), testPolicy(), gitc, runner, "/wt", "main", sink.append)

	require.NoError(t, err)
	require.Len(t, runner.prompts, 1)
	assert.Contains(t, runner.prompts[0], "main.go")
	assert.Equal(t, 1, gitc.stagedCalls)
	assert.Contains(t, sink.joined(), "[Rebase Assist 1/3] Resolving rebase conflicts:")
	assert.False(t, gitc.aborted)
}

func TestRebase_UnchangedConflictsAbort(t *testing.T) {
	gitc := &assistGit{
		startResult: git.RebaseStepResult{Outcome: git.RebaseConflict, Detail: "main.go"},
		conflictSets: [][]string{
			{"main.go"}, {"main.go"}, // attempt 1: still conflicted after assist
			{"main.go"}, {"main.go"}, // attempt 2
			{"main.go"}, // attempt 3 hits the streak limit
		},
	}
	runner := &fakeRunner{}

	err := Rebase(context.Background(), testPolicy(), gitc, runner, "/wt", "main", (&outputSink{}).append)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict files unchanged")
	assert.True(t, gitc.aborted)
}

func TestRebase_AssistRunnerFailureAborts(t *testing.T) {
	gitc := &assistGit{
		startResult:  git.RebaseStepResult{Outcome: git.RebaseConflict, Detail: "a.go"},
		conflictSets: [][]string{{"a.go"}},
	}
	runner := &fakeRunner{err: errors.New("agent crashed")}

	err := Rebase(context.Background(), testPolicy(), gitc, runner, "/wt", "main", (&outputSink{}).append)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent crashed")
	assert.True(t, gitc.aborted)
}

func TestRebase_PartialResolutionContinues(t *testing.T) {
	gitc := &assistGit{
		startResult: git.RebaseStepResult{Outcome: git.RebaseConflict, Detail: "a.go, b.go"},
		conflictSets: [][]string{
			{"a.go", "b.go"}, // attempt 1 sees both
			{"b.go"},         // assist resolved only a.go
			{"b.go"},         // attempt 2 sees the remainder
			nil,              // assist resolved b.go
		},
		continueResults: []git.RebaseStepResult{{Outcome: git.RebaseCompleted}},
	}
	runner := &fakeRunner{}

	err := Rebase(context.Background(), testPolicy(), gitc, runner, "/wt", "main", (&outputSink{}).append)

	require.NoError(t, err)
	assert.Len(t, runner.prompts, 2)
	assert.False(t, gitc.aborted)
}
