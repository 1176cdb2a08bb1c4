package assist

import (
	"context"
	"fmt"

	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/logger"
)

// CommitMessage is the rolling commit message used for session worktrees.
// Each auto-commit amends the previous one so a session carries a single
// commit until merge.
const CommitMessage = "Session updates"

// AutoCommit commits all pending changes in the worktree, asking the agent
// for help when the commit itself fails. Returns the short hash of the
// commit, or "" when there was nothing to commit. appendOutput receives the
// progress lines that belong in the session transcript.
func AutoCommit(ctx context.Context, policy Policy, gitc git.Client, runner Runner, dir string, appendOutput func(string)) (string, error) {
	log := logger.ComponentLogger("Assist")

	hash, err := tryCommit(ctx, gitc, dir)
	if err == git.ErrNothingToCommit {
		return "", nil
	}
	if err == nil {
		appendOutput(fmt.Sprintf("\n[Commit] committed with hash `%s`\n", hash))
		return hash, nil
	}

	tracker := NewFailureTracker(policy)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		detail := err.Error()
		if tracker.Observe(detail) {
			failErr := fmt.Errorf("auto-commit kept failing the same way: %s", detail)
			appendOutput(fmt.Sprintf("\n[Commit Error] %s\n", failErr))
			return "", failErr
		}

		appendOutput(Header("Commit", attempt, policy.MaxAttempts,
			"Resolving auto-commit failure:", DetailLines([]string{detail})))
		log.Info("running auto-commit assist", "attempt", attempt, "maxAttempts", policy.MaxAttempts)

		prompt := "Committing all pending changes in this worktree failed with:\n" +
			DetailLines([]string{detail}) +
			"\nFix whatever is blocking the commit (failing hooks, invalid file states), " +
			"then stop. Do not push or change unrelated files."
		if _, assistErr := runner.RunAssist(ctx, dir, prompt); assistErr != nil {
			appendOutput(fmt.Sprintf("\n[Commit Error] %v\n", assistErr))
			return "", assistErr
		}

		hash, err = tryCommit(ctx, gitc, dir)
		if err == git.ErrNothingToCommit {
			return "", nil
		}
		if err == nil {
			appendOutput(fmt.Sprintf("\n[Commit] committed with hash `%s`\n", hash))
			return hash, nil
		}
	}

	failErr := fmt.Errorf("auto-commit failed after %d assist attempts: %w", policy.MaxAttempts, err)
	appendOutput(fmt.Sprintf("\n[Commit Error] %s\n", failErr))
	return "", failErr
}

func tryCommit(ctx context.Context, gitc git.Client, dir string) (string, error) {
	if err := gitc.CommitAll(ctx, dir, CommitMessage, false); err != nil {
		return "", err
	}
	return gitc.HeadShortHash(ctx, dir)
}
