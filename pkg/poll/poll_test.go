package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil(t *testing.T) {
	tests := []struct {
		name      string
		succeedAt int // check number that succeeds, 0 = never
		attempts  int
		wantErr   error
		wantCalls int
	}{
		{name: "Satisfied immediately", succeedAt: 1, attempts: 5, wantCalls: 1},
		{name: "Satisfied on third check", succeedAt: 3, attempts: 5, wantCalls: 3},
		{name: "Satisfied on last check", succeedAt: 4, attempts: 4, wantCalls: 4},
		{name: "Never satisfied", succeedAt: 0, attempts: 4, wantErr: ErrTimeout, wantCalls: 4},
		{name: "Zero attempts checks once", succeedAt: 0, attempts: 0, wantErr: ErrTimeout, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Until(context.Background(), Policy{Interval: time.Millisecond, Attempts: tc.attempts}, func() bool {
				calls++
				return calls == tc.succeedAt
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantCalls, calls)
		})
	}
}

func TestUntilNeverExceedsBudget(t *testing.T) {
	p := Policy{Interval: 20 * time.Millisecond, Attempts: 5}

	start := time.Now()
	err := Until(context.Background(), p, func() bool { return false })
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, p.Timeout())
	// Four sleeps happen between five checks.
	assert.GreaterOrEqual(t, elapsed, 4*p.Interval)
}

func TestUntilContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := Until(ctx, Policy{Interval: 10 * time.Millisecond, Attempts: 1000}, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUntilErrStopsEarly(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := UntilErr(context.Background(), Policy{Interval: time.Millisecond, Attempts: 10}, func() (bool, error) {
		calls++
		if calls == 2 {
			return false, boom
		}
		return false, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestFor(t *testing.T) {
	p := For(5*time.Second, 500*time.Millisecond)
	assert.Equal(t, Policy{Interval: 500 * time.Millisecond, Attempts: 10}, p)
	assert.Equal(t, 5*time.Second, p.Timeout())

	p = For(100*time.Millisecond, time.Second)
	assert.Equal(t, 1, p.Attempts)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
