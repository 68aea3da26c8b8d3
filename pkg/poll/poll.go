// Package poll provides the bounded wait primitives shared by discovery,
// settle delays and completion checks.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a condition did not hold within the attempt budget.
var ErrTimeout = errors.New("poll: condition not met before timeout")

// Policy bounds a wait: the condition is checked at most Attempts times with
// Interval between consecutive checks.
type Policy struct {
	Interval time.Duration
	Attempts int
}

// For builds a policy that samples every interval for at most timeout.
func For(timeout, interval time.Duration) Policy {
	if interval <= 0 {
		interval = timeout
	}
	attempts := 1
	if interval > 0 {
		attempts = int(timeout / interval)
	}
	if attempts < 1 {
		attempts = 1
	}
	return Policy{Interval: interval, Attempts: attempts}
}

// Timeout is the worst case wall time spent by Until for this policy.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.Attempts) * p.Interval
}

// Until checks cond immediately and then once per interval until it returns
// true. It returns ErrTimeout after p.Attempts failed checks, or the context
// error if ctx ends first.
func Until(ctx context.Context, p Policy, cond func() bool) error {
	return UntilErr(ctx, p, func() (bool, error) {
		return cond(), nil
	})
}

// UntilErr is like Until but lets the condition stop the wait early by
// returning an error.
func UntilErr(ctx context.Context, p Policy, cond func() (bool, error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; ; i++ {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i+1 >= attempts {
			return ErrTimeout
		}
		if err := Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
