// Package retryutil implements a single retry helper —
// retry(op, is_transient, max=3, base=1s, cap=30s, jitter=0..1s) — used by
// the IMAP connector's fetch path.
package retryutil

import (
	"context"
	"math/rand"
	"time"
)

// Options configures a retry run. Zero-valued fields fall back to the
// defaults (3 attempts, 1s base, 30s cap, up to 1s jitter).
type Options struct {
	Max         int
	Base        time.Duration
	Cap         time.Duration
	IsTransient func(error) bool
}

func (o Options) withDefaults() Options {
	if o.Max <= 0 {
		o.Max = 3
	}
	if o.Base <= 0 {
		o.Base = time.Second
	}
	if o.Cap <= 0 {
		o.Cap = 30 * time.Second
	}
	if o.IsTransient == nil {
		o.IsTransient = func(error) bool { return false }
	}
	return o
}

// Backoff returns the exponential backoff with jitter for the given attempt
// (0-indexed): base * 2^attempt, capped, plus up to 1s of jitter.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base << attempt // base * 2^attempt
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return d + jitter
}

// Do runs op up to Max attempts in total while IsTransient(err) is true,
// waiting Backoff(attempt) between attempts. Non-transient errors fail fast
// on the first attempt. ctx cancellation aborts the wait.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.Max; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt-1, opts.Base, opts.Cap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !opts.IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
