// Package notification provides cross-platform desktop notifications.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/zhubert/conductor/internal/logger"
)

const appName = "Conductor"

var (
	notifierMu sync.Mutex
	notifier   = defaultNotifier
)

func defaultNotifier(title, message string, icon any) error {
	return beeep.Notify(title, message, icon)
}

// SetNotifier replaces the notification backend. Tests use this to avoid
// sending real desktop notifications.
func SetNotifier(fn func(title, message string, icon any) error) {
	notifierMu.Lock()
	defer notifierMu.Unlock()
	notifier = fn
}

// ResetNotifier restores the default beeep backend.
func ResetNotifier() {
	notifierMu.Lock()
	defer notifierMu.Unlock()
	notifier = defaultNotifier
}

// Send sends a desktop notification with the given title and message.
// On macOS, it uses terminal-notifier or AppleScript.
// On Linux, it uses D-Bus or notify-send.
// On Windows, it uses the Windows Runtime COM API.
func Send(title, message string) error {
	notifierMu.Lock()
	fn := notifier
	notifierMu.Unlock()

	logger.Debug("Notification: sending - title=%q, message=%q", title, message)
	// Empty icon string lets beeep pick platform defaults.
	err := fn(title, message, "")
	if err != nil {
		logger.Warn("Notification: failed to send: %v", err)
	}
	return err
}

// SessionReady notifies that a session finished its turn and awaits review.
func SessionReady(sessionTitle string) error {
	return Send(appName, sessionTitle+" is ready for review")
}

// MergeCompleted notifies that a session's branch was merged.
func MergeCompleted(sessionTitle string) error {
	return Send(appName, sessionTitle+" merged")
}

// MergeFailed notifies that a session's merge failed and needs attention.
func MergeFailed(sessionTitle string) error {
	return Send(appName, sessionTitle+" failed to merge")
}

// Limiter suppresses notification bursts: at most one notification per
// session per interval. Sessions streaming output would otherwise fire a
// notification on every status wobble.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewLimiter creates a per-session rate limiter.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a notification for the session may fire now, and
// records the attempt when it may.
func (l *Limiter) Allow(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[sessionID]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[sessionID] = now
	return true
}
