// Package session holds the session domain model and worktree lifecycle.
//
// # Overview
//
// Each session runs in its own git worktree, allowing many parallel agent
// conversations to work on the same repository without touching each other's
// files. This package owns the session value type, its status machine, and
// the creation/removal of the branch-scoped worktrees sessions run in.
//
// # Session Lifecycle
//
// 1. Create: when a new session is created:
//   - A UUID is generated for the session ID
//   - A new git branch is created: conductor/<short-id>
//   - A worktree is created at .conductor-worktrees/<short-id> (sibling to the repo)
//   - The session row is persisted before any work is accepted
//
// 2. Work: prompts and replies run as turns inside the worktree; the worker
// auto-commits results onto the session branch.
//
// 3. Merge: once reviewed, the merge queue rebases the session branch onto
// the base branch and squash-merges it back; the worktree is then removed.
//
// Creation is atomic: if the worktree cannot be created, no session row is
// left behind.
package session
