package git

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOnIndexLock runs fn, retrying with exponential backoff while it fails
// on a contended .git/index.lock. Any other error stops the retries
// immediately. A concurrent git process (editor plugins, background fetch)
// holds the lock only briefly, so a few short waits usually clear it.
func RetryOnIndexLock(ctx context.Context, retries int, initialDelay time.Duration, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if IsIndexLockError(err.Error()) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(retries)))
	return err
}

// LockRetryClient wraps CommitAll with index-lock retries; every other
// method passes through to the underlying client.
type LockRetryClient struct {
	Client
	Retries int
	Delay   time.Duration
}

func (c LockRetryClient) CommitAll(ctx context.Context, dir, message string, noVerify bool) error {
	err := RetryOnIndexLock(ctx, c.Retries, c.Delay, func() error {
		return c.Client.CommitAll(ctx, dir, message, noVerify)
	})
	// The backoff library wraps permanent errors, so restore the sentinel
	// callers compare against.
	if err != nil && errors.Is(err, ErrNothingToCommit) {
		return ErrNothingToCommit
	}
	return err
}
