// Package retry repeats read-only calls to the marketplace API with jittered
// exponential backoff. State-changing calls must never go through it: the
// marketplace is the only authority on whether a mutation landed.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds how a read is repeated.
type Policy struct {
	Attempts  int           // total tries including the first; <1 means 1
	BaseDelay time.Duration // wait before the second try, doubled after each
	MaxDelay  time.Duration // cap on a single wait; zero means uncapped

	// OnRetry, when set, runs before each wait with the attempt that just
	// failed (1-based) and the delay about to be slept.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// stopError marks an error that ends the loop immediately.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so that Run returns it without trying again.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Run calls fn until it succeeds, returns a Stop error, the policy's
// attempts are used up, or ctx is done. The last error from fn is returned
// unwrapped.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var se *stopError
		if errors.As(err, &se) {
			return se.err
		}
		if attempt >= attempts {
			return err
		}

		wait := jittered(delay)
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// jittered spreads d by +-25% so concurrent page loads don't retry in step.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(randInt63n(spread+1))
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:])>>1) % n
}
