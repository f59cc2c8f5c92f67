// Package retry runs an operation until it succeeds, fails permanently
// or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// A Policy bounds the attempts of an operation. Delay returns the pause
// after the given failed attempt, counted from 1.
type Policy struct {
	Attempts int
	Delay    func(attempt int) time.Duration
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent stops retrying; Do returns err as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Exponential doubles base on every attempt up to limit, adding up to
// half of the delay as jitter.
func Exponential(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << (attempt - 1)
		if d <= 0 || d > limit {
			d = limit
		}
		return d + rand.N(d/2+1)
	}
}

func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do calls fn until it returns nil or a [Permanent] error, the attempts
// are spent, or ctx is done. The last error of fn is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Delay
	if delay == nil {
		delay = Constant(0)
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			return fmt.Errorf("after %d attempts: %w", attempts, err)
		}

		t := time.NewTimer(delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
}
