package session

import (
	"path/filepath"
	"strings"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	// StatusNew is a created session that has not run a turn yet
	StatusNew Status = "new"
	// StatusWorking means a turn is in flight
	StatusWorking Status = "working"
	// StatusReview means the agent finished and output awaits review
	StatusReview Status = "review"
	// StatusQueued means the session waits in the merge queue
	StatusQueued Status = "queued"
	// StatusMerging means the merge queue is writing this session back
	StatusMerging Status = "merging"
	// StatusRebasing means a standalone rebase onto the base branch is running
	StatusRebasing Status = "rebasing"
	// StatusDone means the session branch was merged; terminal
	StatusDone Status = "done"
	// StatusError means the last command failed; new commands are still accepted
	StatusError Status = "error"
)

// validTransitions is the closed set of allowed status moves. Anything not
// listed is rejected, which keeps concurrent writers from resurrecting
// terminal sessions.
var validTransitions = map[Status][]Status{
	StatusNew:      {StatusWorking, StatusError},
	StatusWorking:  {StatusReview, StatusError},
	StatusReview:   {StatusWorking, StatusQueued, StatusMerging, StatusRebasing, StatusError},
	StatusQueued:   {StatusMerging, StatusReview, StatusWorking},
	StatusMerging:  {StatusDone, StatusReview},
	StatusRebasing: {StatusReview},
	StatusError:    {StatusWorking, StatusReview},
	StatusDone:     {},
}

// CanTransitionTo reports whether moving to next is a legal lifecycle step.
// A no-op transition to the current status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Provider selects which agent transport a session uses. The set is closed:
// each provider maps to exactly one channel implementation chosen at session
// creation.
type Provider string

const (
	// ProviderClaude uses the spawn-per-turn subprocess channel
	ProviderClaude Provider = "claude"
	// ProviderGemini uses the persistent JSON-RPC channel
	ProviderGemini Provider = "gemini"
	// ProviderCodex uses the persistent JSON-RPC channel
	ProviderCodex Provider = "codex"
)

// UsesPersistentChannel reports whether the provider speaks the long-lived
// JSON-RPC transport rather than one subprocess per turn.
func (p Provider) UsesPersistentChannel() bool {
	return p == ProviderGemini || p == ProviderCodex
}

// Command returns the provider's CLI binary name.
func (p Provider) Command() string {
	return string(p)
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaude, ProviderGemini, ProviderCodex:
		return true
	}
	return false
}

// Session is the persisted record of one agent conversation and its worktree.
type Session struct {
	ID         string
	Title      string
	Summary    string
	RepoPath   string // main repository checkout
	Folder     string // worktree the agent works in
	Branch     string // session branch, e.g. conductor/1a2b3c4d
	BaseBranch string // branch the session was cut from and merges back into
	Model      string
	Provider   Provider
	Status     Status

	// ProviderConversationID is the provider-native conversation handle,
	// persisted after each turn so the next turn can resume. Empty until the
	// provider first reports one.
	ProviderConversationID string

	InputTokens  int64
	OutputTokens int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShortID returns the first eight characters of the session id, used in
// branch and folder names.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// BranchName builds the session branch name from a configured prefix.
func BranchName(prefix, sessionID string) string {
	if prefix == "" {
		prefix = "conductor/"
	}
	return prefix + ShortID(sessionID)
}

// WorktreeDirName is the sibling directory all session worktrees live under.
const WorktreeDirName = ".conductor-worktrees"

// WorktreePath returns the worktree location for a session of the given repo.
// Worktrees are siblings of the repository so repo tooling never scans them.
func WorktreePath(repoPath, sessionID string) string {
	return filepath.Join(filepath.Dir(strings.TrimSuffix(repoPath, "/")), WorktreeDirName, ShortID(sessionID))
}
