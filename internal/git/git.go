// Package git wraps the git CLI behind a Client capability. Callers get
// structured success/conflict/error results instead of raw process output;
// git itself is treated as a black box.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zhubert/conductor/internal/logger"
)

// RebaseOutcome classifies the result of one rebase step.
type RebaseOutcome int

const (
	// RebaseCompleted means the rebase finished cleanly
	RebaseCompleted RebaseOutcome = iota
	// RebaseConflict means the rebase stopped on conflicts
	RebaseConflict
)

// RebaseStepResult is the structured outcome of rebase start/continue.
type RebaseStepResult struct {
	Outcome RebaseOutcome
	Detail  string // conflict detail for RebaseConflict
}

// SquashMergeOutcome classifies the result of a squash merge.
type SquashMergeOutcome int

const (
	// SquashCommitted means a squash commit was created on the base branch
	SquashCommitted SquashMergeOutcome = iota
	// SquashAlreadyPresent means the source changes were already in the base branch
	SquashAlreadyPresent
)

// Client is the git capability consumed by session workers and the merge
// queue. All methods are safe for concurrent use on distinct directories.
type Client interface {
	FindRepoRoot(ctx context.Context, dir string) (string, error)
	DefaultBranch(ctx context.Context, repoPath string) string
	HasRemoteOrigin(ctx context.Context, repoPath string) bool

	CreateWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	PruneWorktrees(ctx context.Context, repoPath string) error
	ListWorktrees(ctx context.Context, repoPath string) ([]string, error)
	DeleteBranch(ctx context.Context, repoPath, branch string) error

	IsWorktreeClean(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string, noVerify bool) error
	HeadShortHash(ctx context.Context, dir string) (string, error)
	StageAll(ctx context.Context, dir string) error

	ConflictedFiles(ctx context.Context, dir string) ([]string, error)
	IsRebaseInProgress(ctx context.Context, dir string) (bool, error)
	RebaseStart(ctx context.Context, dir, baseBranch string) (RebaseStepResult, error)
	RebaseContinue(ctx context.Context, dir string) (RebaseStepResult, error)
	RebaseAbort(ctx context.Context, dir string) error

	SquashMergeDiff(ctx context.Context, repoRoot, sourceBranch, baseBranch string) (string, error)
	SquashMerge(ctx context.Context, repoRoot, sourceBranch, baseBranch, message string) (SquashMergeOutcome, error)
}

// Runner executes one git subcommand. Tests substitute a scripted runner.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// Non-interactive: rebase --continue must never open an editor.
	cmd.Env = append(cmd.Environ(), "GIT_EDITOR=true")
	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// ExecClient implements Client by shelling out to git.
type ExecClient struct {
	runner Runner
}

// NewClient returns a Client backed by the git CLI.
func NewClient() *ExecClient {
	return &ExecClient{runner: execRunner{}}
}

// NewClientWithRunner returns a Client with a custom command runner.
func NewClientWithRunner(r Runner) *ExecClient {
	return &ExecClient{runner: r}
}

func (c *ExecClient) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	stdout, stderr, err := c.runner.Run(ctx, dir, args...)
	if err != nil {
		logger.Debug("git: %v in %s failed: %v (stderr: %s)", args, dir, err, strings.TrimSpace(stderr))
	}
	return stdout, stderr, err
}

// FindRepoRoot returns the repository top level containing dir.
func (c *ExecClient) FindRepoRoot(ctx context.Context, dir string) (string, error) {
	stdout, stderr, err := c.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s", firstNonEmpty(stderr, err.Error()))
	}
	return strings.TrimSpace(stdout), nil
}

// DefaultBranch returns the default branch name (main or master)
func (c *ExecClient) DefaultBranch(ctx context.Context, repoPath string) string {
	// Try to get the default branch from origin
	stdout, _, err := c.run(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		// Output is like "refs/remotes/origin/main"
		ref := strings.TrimSpace(stdout)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			return ref[idx+1:]
		}
	}

	// Fallback: check if main exists, otherwise use master
	if _, _, err := c.run(ctx, repoPath, "rev-parse", "--verify", "main"); err == nil {
		return "main"
	}

	return "master"
}

// HasRemoteOrigin checks if the repository has a remote named "origin"
func (c *ExecClient) HasRemoteOrigin(ctx context.Context, repoPath string) bool {
	_, _, err := c.run(ctx, repoPath, "remote", "get-url", "origin")
	return err == nil
}

// CreateWorktree adds a worktree on a new branch cut from baseBranch.
func (c *ExecClient) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, baseBranch)
	if err != nil {
		return fmt.Errorf("worktree add failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// RemoveWorktree force-removes a worktree directory.
func (c *ExecClient) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	_, stderr, err := c.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return fmt.Errorf("worktree remove failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// PruneWorktrees drops stale administrative worktree entries.
func (c *ExecClient) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, stderr, err := c.run(ctx, repoPath, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("worktree prune failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// ListWorktrees returns the paths of all registered worktrees.
func (c *ExecClient) ListWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	stdout, stderr, err := c.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	var paths []string
	for _, line := range strings.Split(stdout, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(rest))
		}
	}
	return paths, nil
}

// DeleteBranch force-deletes a local branch.
func (c *ExecClient) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, stderr, err := c.run(ctx, repoPath, "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("branch delete failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// IsWorktreeClean reports whether the worktree has no pending changes.
func (c *ExecClient) IsWorktreeClean(ctx context.Context, dir string) (bool, error) {
	stdout, stderr, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return strings.TrimSpace(stdout) == "", nil
}

// CommitAll stages everything and commits. When HEAD already sits on a
// session commit with the same message, the commit is amended so one session
// keeps a single rolling commit. Returns ErrNothingToCommit when the
// worktree is clean.
func (c *ExecClient) CommitAll(ctx context.Context, dir, message string, noVerify bool) error {
	clean, err := c.IsWorktreeClean(ctx, dir)
	if err != nil {
		return err
	}
	if clean {
		return ErrNothingToCommit
	}

	if _, stderr, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage failed: %s", firstNonEmpty(stderr, err.Error()))
	}

	args := []string{"commit", "-m", message}
	if headMessage, _, err := c.run(ctx, dir, "log", "-1", "--pretty=%s"); err == nil &&
		strings.TrimSpace(headMessage) == message {
		args = []string{"commit", "--amend", "-m", message}
	}
	if noVerify {
		args = append(args, "--no-verify")
	}

	stdout, stderr, err := c.run(ctx, dir, args...)
	if err != nil {
		combined := stdout + stderr
		if strings.Contains(combined, "nothing to commit") {
			return ErrNothingToCommit
		}
		return fmt.Errorf("commit failed: %s", firstNonEmpty(strings.TrimSpace(combined), err.Error()))
	}
	return nil
}

// HeadShortHash returns the abbreviated commit hash of HEAD.
func (c *ExecClient) HeadShortHash(ctx context.Context, dir string) (string, error) {
	stdout, stderr, err := c.run(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return strings.TrimSpace(stdout), nil
}

// StageAll stages all changes without committing.
func (c *ExecClient) StageAll(ctx context.Context, dir string) error {
	_, stderr, err := c.run(ctx, dir, "add", "-A")
	if err != nil {
		return fmt.Errorf("stage failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// ConflictedFiles lists files currently in conflicted (unmerged) state.
func (c *ExecClient) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	stdout, stderr, err := c.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("conflict scan failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	var files []string
	for _, line := range strings.Split(stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// IsRebaseInProgress reports whether the directory has rebase metadata.
func (c *ExecClient) IsRebaseInProgress(ctx context.Context, dir string) (bool, error) {
	gitDir, stderr, err := c.run(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return false, fmt.Errorf("rev-parse failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, _, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", "REBASE_HEAD"); err == nil {
			return true, nil
		}
		if dirExists(filepath.Join(gitDir, marker)) {
			return true, nil
		}
	}
	return false, nil
}

// RebaseStart begins rebasing the current branch onto baseBranch. A conflict
// stop is a structured result, not an error.
func (c *ExecClient) RebaseStart(ctx context.Context, dir, baseBranch string) (RebaseStepResult, error) {
	stdout, stderr, err := c.run(ctx, dir, "rebase", baseBranch)
	return c.classifyRebaseStep(ctx, dir, stdout, stderr, err)
}

// RebaseContinue resumes an in-progress rebase after conflict resolution.
func (c *ExecClient) RebaseContinue(ctx context.Context, dir string) (RebaseStepResult, error) {
	stdout, stderr, err := c.run(ctx, dir, "rebase", "--continue")
	return c.classifyRebaseStep(ctx, dir, stdout, stderr, err)
}

func (c *ExecClient) classifyRebaseStep(ctx context.Context, dir, stdout, stderr string, err error) (RebaseStepResult, error) {
	if err == nil {
		return RebaseStepResult{Outcome: RebaseCompleted}, nil
	}
	combined := stdout + "\n" + stderr
	if IsConflictOutput(combined) {
		detail := strings.TrimSpace(conflictDetail(combined))
		if files, cerr := c.ConflictedFiles(ctx, dir); cerr == nil && len(files) > 0 {
			detail = strings.Join(files, ", ")
		}
		return RebaseStepResult{Outcome: RebaseConflict, Detail: detail}, nil
	}
	return RebaseStepResult{}, fmt.Errorf("rebase failed: %s", firstNonEmpty(strings.TrimSpace(combined), err.Error()))
}

// RebaseAbort discards an in-progress rebase.
func (c *ExecClient) RebaseAbort(ctx context.Context, dir string) error {
	_, stderr, err := c.run(ctx, dir, "rebase", "--abort")
	if err != nil {
		return fmt.Errorf("rebase abort failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// SquashMergeDiff returns the diff a squash merge of source into base would
// apply. Empty output means the changes are already present.
func (c *ExecClient) SquashMergeDiff(ctx context.Context, repoRoot, sourceBranch, baseBranch string) (string, error) {
	stdout, stderr, err := c.run(ctx, repoRoot, "diff", baseBranch+"..."+sourceBranch)
	if err != nil {
		return "", fmt.Errorf("merge diff failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return stdout, nil
}

// SquashMerge squash-merges sourceBranch into baseBranch in the main repo
// checkout, committing with the given message.
func (c *ExecClient) SquashMerge(ctx context.Context, repoRoot, sourceBranch, baseBranch, message string) (SquashMergeOutcome, error) {
	if _, stderr, err := c.run(ctx, repoRoot, "checkout", baseBranch); err != nil {
		return 0, fmt.Errorf("checkout %s failed: %s", baseBranch, firstNonEmpty(stderr, err.Error()))
	}
	if stdout, stderr, err := c.run(ctx, repoRoot, "merge", "--squash", sourceBranch); err != nil {
		return 0, fmt.Errorf("squash merge failed: %s", firstNonEmpty(strings.TrimSpace(stdout+stderr), err.Error()))
	}
	stdout, stderr, err := c.run(ctx, repoRoot, "commit", "-m", message)
	if err != nil {
		combined := stdout + stderr
		if strings.Contains(combined, "nothing to commit") {
			return SquashAlreadyPresent, nil
		}
		return 0, fmt.Errorf("squash commit failed: %s", firstNonEmpty(strings.TrimSpace(combined), err.Error()))
	}
	return SquashCommitted, nil
}

// ErrNothingToCommit is returned by CommitAll on a clean worktree.
var ErrNothingToCommit = fmt.Errorf("nothing to commit")

var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// ValidateBranchName rejects names git would refuse or that could smuggle
// flags into commands.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with a dash: %s", branch)
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("invalid branch name: %s", branch)
	}
	if !branchNameRegex.MatchString(branch) {
		return fmt.Errorf("invalid branch name: %s", branch)
	}
	return nil
}

// IsIndexLockError reports whether an error message indicates transient
// index.lock contention, which is safe to retry.
func IsIndexLockError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "index.lock") ||
		strings.Contains(lower, "unable to create") && strings.Contains(lower, ".lock")
}

// IsConflictOutput reports whether git output indicates merge conflicts.
func IsConflictOutput(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "could not apply") ||
		strings.Contains(output, "Resolve all conflicts")
}

func conflictDetail(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "CONFLICT") || strings.Contains(line, "could not apply") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(output)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
