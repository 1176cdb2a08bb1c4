package assist

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/logger"
)

// Rebase rebases the worktree onto baseBranch, asking the agent to resolve
// conflicts when git stops. The rebase is aborted on every failure path so
// the worktree never stays in a half-rebased state.
func Rebase(ctx context.Context, policy Policy, gitc git.Client, runner Runner, dir, baseBranch string, appendOutput func(string)) error {
	log := logger.ComponentLogger("Assist")

	inProgress, err := gitc.IsRebaseInProgress(ctx, dir)
	if err != nil {
		return fmt.Errorf("check rebase state: %w", err)
	}
	if !inProgress {
		step, err := gitc.RebaseStart(ctx, dir, baseBranch)
		if err != nil {
			return abortWith(ctx, gitc, dir, fmt.Errorf("start rebase onto %s: %w", baseBranch, err))
		}
		if step.Outcome == git.RebaseCompleted {
			return nil
		}
		log.Info("rebase stopped on conflicts", "detail", step.Detail)
	}

	tracker := NewFailureTracker(policy)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		conflicted, err := gitc.ConflictedFiles(ctx, dir)
		if err != nil {
			return abortWith(ctx, gitc, dir, fmt.Errorf("list conflicted files: %w", err))
		}

		if len(conflicted) == 0 {
			step, err := gitc.RebaseContinue(ctx, dir)
			if err != nil {
				return abortWith(ctx, gitc, dir, fmt.Errorf("continue rebase: %w", err))
			}
			if step.Outcome == git.RebaseCompleted {
				return nil
			}
			// New conflicts from the next commit being replayed.
			if tracker.Observe(step.Detail) {
				return abortWith(ctx, gitc, dir,
					fmt.Errorf("rebase kept hitting the same conflicts: %s", step.Detail))
			}
			if attempt == policy.MaxAttempts {
				return abortWith(ctx, gitc, dir,
					fmt.Errorf("rebase conflicts remain after %d assist attempts: %s", policy.MaxAttempts, step.Detail))
			}
			continue
		}

		detail := strings.Join(conflicted, ", ")
		if tracker.Observe(detail) {
			return abortWith(ctx, gitc, dir,
				fmt.Errorf("conflict files unchanged after assistance: %s", detail))
		}

		appendOutput(Header("Rebase", attempt, policy.MaxAttempts,
			"Resolving rebase conflicts:", DetailLines(conflicted)))
		log.Info("running rebase assist", "attempt", attempt, "maxAttempts", policy.MaxAttempts, "files", detail)

		prompt := "A rebase onto " + baseBranch + " stopped on conflicts in these files:\n" +
			DetailLines(conflicted) +
			"\nResolve every conflict marker, keeping both sides' intent where possible. " +
			"Do not commit; just fix the files and stop."
		if _, assistErr := runner.RunAssist(ctx, dir, prompt); assistErr != nil {
			return abortWith(ctx, gitc, dir, assistErr)
		}

		if err := gitc.StageAll(ctx, dir); err != nil {
			return abortWith(ctx, gitc, dir, fmt.Errorf("stage resolved files: %w", err))
		}

		// Partial resolution is fine; the next iteration re-checks what's
		// left before continuing.
		remaining, err := gitc.ConflictedFiles(ctx, dir)
		if err != nil {
			return abortWith(ctx, gitc, dir, fmt.Errorf("re-check conflicted files: %w", err))
		}
		if len(remaining) > 0 {
			continue
		}

		step, err := gitc.RebaseContinue(ctx, dir)
		if err != nil {
			return abortWith(ctx, gitc, dir, fmt.Errorf("continue rebase: %w", err))
		}
		if step.Outcome == git.RebaseCompleted {
			return nil
		}
	}

	return abortWith(ctx, gitc, dir,
		fmt.Errorf("rebase conflicts remain after %d assist attempts", policy.MaxAttempts))
}

// abortWith aborts any in-progress rebase and returns the original error.
func abortWith(ctx context.Context, gitc git.Client, dir string, err error) error {
	if inProgress, stateErr := gitc.IsRebaseInProgress(ctx, dir); stateErr == nil && inProgress {
		if abortErr := gitc.RebaseAbort(ctx, dir); abortErr != nil {
			logger.ComponentLogger("Assist").Warn("failed to abort rebase", "dir", dir, "error", abortErr)
		}
	}
	return err
}
