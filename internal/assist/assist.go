// Package assist implements bounded agent-assisted recovery loops. When a
// mechanical step fails (auto-commit, rebase conflicts), the agent gets a
// narrowly scoped prompt to fix it; attempts are capped and identical
// failures cut the loop short.
package assist

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhubert/conductor/internal/config"
)

// Policy bounds an assist loop.
type Policy struct {
	MaxAttempts               int
	MaxIdenticalFailureStreak int
}

// DefaultPolicy returns the standard 3-attempt policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:               config.DefaultAssistMaxAttempts,
		MaxIdenticalFailureStreak: config.DefaultAssistMaxIdenticalErrors,
	}
}

// PolicyFromConfig reads the tuning knobs from config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:               cfg.AssistMaxAttempts,
		MaxIdenticalFailureStreak: cfg.AssistMaxIdenticalErrors,
	}
}

// Runner runs one assist turn in a worktree and returns the agent's reply.
// Backed by the session's AgentChannel.
type Runner interface {
	RunAssist(ctx context.Context, folder, prompt string) (string, error)
}

// FailureTracker detects an assist loop that keeps failing the same way.
type FailureTracker struct {
	maxStreak       int
	lastFingerprint string
	streak          int
}

// NewFailureTracker returns a tracker for the policy's identical-failure
// streak limit.
func NewFailureTracker(policy Policy) *FailureTracker {
	return &FailureTracker{maxStreak: policy.MaxIdenticalFailureStreak}
}

// Observe records one failure detail and reports whether the identical
// streak limit has been reached. Details are compared trimmed and
// lowercased so cosmetic differences don't reset the streak.
func (t *FailureTracker) Observe(detail string) bool {
	fp := strings.ToLower(strings.TrimSpace(detail))
	if fp == t.lastFingerprint {
		t.streak++
	} else {
		t.lastFingerprint = fp
		t.streak = 1
	}
	return t.streak >= t.maxStreak
}

// Streak returns the current identical-failure streak length.
func (t *FailureTracker) Streak() int {
	return t.streak
}

// Header formats the banner appended to session output before an assist
// attempt.
func Header(label string, attempt, maxAttempts int, intro, detail string) string {
	return fmt.Sprintf("\n[%s Assist %d/%d] %s\n%s\n", label, attempt, maxAttempts, intro, detail)
}

// DetailLines formats failure details as bullet lines for an assist prompt.
func DetailLines(items []string) string {
	var b strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		b.WriteString("- " + item + "\n")
	}
	return b.String()
}
