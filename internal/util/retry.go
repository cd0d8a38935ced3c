package util

import (
	"context"
	"errors"
	"time"
)

// Backoff configures Retry.
type Backoff struct {
	MaxAttempts int           // total calls, values below 1 mean one call
	BaseDelay   time.Duration // delay before the second call, doubled after each failure
	MaxDelay    time.Duration // cap on a single delay, zero for none
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, or the
// attempts are used up, sleeping with exponential backoff between calls.
// It returns the last error, unwrapped from Permanent. Cancellation of ctx
// between attempts returns ctx.Err().
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	attempts := max(b.MaxAttempts, 1)
	delay := b.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if b.MaxDelay > 0 && delay > b.MaxDelay {
				delay = b.MaxDelay
			}
		}
	}

	return err
}
