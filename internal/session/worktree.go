package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/logger"
)

// Worktrees creates and removes the branch-scoped worktrees sessions run in.
type Worktrees struct {
	git          git.Client
	branchPrefix string
	log          interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

// NewWorktrees returns a worktree manager using the given git client.
func NewWorktrees(gitClient git.Client, branchPrefix string) *Worktrees {
	return &Worktrees{
		git:          gitClient,
		branchPrefix: branchPrefix,
		log:          logger.ComponentLogger("Worktrees"),
	}
}

// Create builds a new session for repoPath: generates the id, cuts the
// session branch from baseBranch, and adds the worktree. On any failure the
// partial state is rolled back and an error is returned; the caller persists
// nothing.
func (w *Worktrees) Create(ctx context.Context, repoPath, baseBranch string) (*Session, error) {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		return nil, errors.GitNotRepo(repoPath)
	}

	id := uuid.New().String()
	branch := BranchName(w.branchPrefix, id)
	folder := WorktreePath(repoPath, id)

	if baseBranch == "" {
		baseBranch = w.git.DefaultBranch(ctx, repoPath)
	}

	if err := os.MkdirAll(filepath.Dir(folder), 0755); err != nil {
		return nil, errors.SessionCreateFailed(repoPath, err)
	}

	if err := w.git.CreateWorktree(ctx, repoPath, folder, branch, baseBranch); err != nil {
		// Worktree add can leave a half-created branch behind.
		_ = w.git.DeleteBranch(ctx, repoPath, branch)
		return nil, errors.SessionCreateFailed(repoPath, err)
	}

	w.log.Info("Created session worktree", "sessionID", id, "branch", branch, "folder", folder)

	now := time.Now().UTC()
	return &Session{
		ID:         id,
		Title:      fmt.Sprintf("Session %s", ShortID(id)),
		RepoPath:   repoPath,
		Folder:     folder,
		Branch:     branch,
		BaseBranch: baseBranch,
		Status:     StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Remove deletes a session's worktree and branch. Used after merge and on
// session deletion. Branch deletion failures are logged, not fatal: the
// branch may already be gone after a squash merge cleanup.
func (w *Worktrees) Remove(ctx context.Context, sess *Session) error {
	if err := w.git.RemoveWorktree(ctx, sess.RepoPath, sess.Folder); err != nil {
		if _, statErr := os.Stat(sess.Folder); statErr == nil {
			return errors.E(errors.Op("session.Remove"), errors.KindGit, err)
		}
		// Directory already gone; just prune the registration.
		_ = w.git.PruneWorktrees(ctx, sess.RepoPath)
	}

	if err := w.git.DeleteBranch(ctx, sess.RepoPath, sess.Branch); err != nil {
		w.log.Warn("Failed to delete session branch", "branch", sess.Branch, "error", err)
	}
	return nil
}

// PruneOrphans removes worktrees under the session worktree directory that
// no known session owns. Run at startup, after the ledger is reconciled.
func (w *Worktrees) PruneOrphans(ctx context.Context, repoPath string, knownFolders map[string]bool) int {
	registered, err := w.git.ListWorktrees(ctx, repoPath)
	if err != nil {
		w.log.Warn("Failed to list worktrees for pruning", "repo", repoPath, "error", err)
		return 0
	}

	sessionRoot := filepath.Join(filepath.Dir(filepath.Clean(repoPath)), WorktreeDirName)
	pruned := 0
	for _, path := range registered {
		if filepath.Dir(path) != sessionRoot || knownFolders[path] {
			continue
		}
		if err := w.git.RemoveWorktree(ctx, repoPath, path); err != nil {
			w.log.Warn("Failed to remove orphaned worktree", "path", path, "error", err)
			continue
		}
		w.log.Info("Removed orphaned worktree", "path", path)
		pruned++
	}

	if pruned > 0 {
		_ = w.git.PruneWorktrees(ctx, repoPath)
	}
	return pruned
}
