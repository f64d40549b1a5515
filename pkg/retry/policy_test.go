package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

func TestExecuteWithCondition(t *testing.T) {
	transient := errors.New(errors.ErrorTypeRemote, "503")
	fatal := errors.New(errors.ErrorTypeAuthentication, "revoked")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   bool
		wantType  errors.ErrorType
	}{
		{"succeeds first time", nil, 1, false, ""},
		{"recovers after transient", []error{transient, transient}, 3, false, ""},
		{"exhausts attempts", []error{transient, transient, transient, transient}, 3, true, errors.ErrorTypeRemote},
		{"stops on non-retryable", []error{fatal}, 1, true, errors.ErrorTypeAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			p := New(3, 10*time.Millisecond, time.Second).WithSleep(func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			})

			calls := 0
			err := p.ExecuteWithCondition(context.Background(), func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			}, errors.IsRetryable)

			assert.Equal(t, tt.wantCalls, calls)
			assert.Len(t, delays, max(0, min(calls-1, len(tt.failures))))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.TypeOf(err))
		})
	}
}

func TestRetryAfterIsHonored(t *testing.T) {
	var got []time.Duration
	p := New(2, time.Millisecond, time.Minute)
	p.RandomizeFactor = 0
	p.Sleep = func(_ context.Context, d time.Duration) error {
		got = append(got, d)
		return nil
	}

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New(errors.ErrorTypeRateLimit, "429").WithDetail(RetryAfterDetail, 7*time.Second)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, got)
}

func TestRetryAfterBeyondBudgetGivesUp(t *testing.T) {
	p := New(5, time.Millisecond, time.Second).WithSleep(NoWait)

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeRateLimit, "429").WithDetail(RetryAfterDetail, time.Hour)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
}

func TestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(3, time.Hour, time.Hour).WithSleep(NoWait)
	err := p.Execute(ctx, func() error { return errors.New(errors.ErrorTypeConnection, "reset") })
	assert.Equal(t, errors.ErrorTypeCancelled, errors.TypeOf(err))
}

func TestCalculateDelayBounds(t *testing.T) {
	p := New(10, 100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.GetDelay(attempt)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	}

	p.RandomizeFactor = 0
	assert.Equal(t, 100*time.Millisecond, p.GetDelay(0))
	assert.Equal(t, 400*time.Millisecond, p.GetDelay(2))
	assert.Equal(t, time.Second, p.GetDelay(8))
}

func TestOnRetryObservesAttempts(t *testing.T) {
	var seen []int
	p := New(3, 0, 0).WithSleep(NoWait).WithOnRetry(func(attempt int, _ time.Duration, _ error) {
		seen = append(seen, attempt)
	})
	_ = p.Execute(context.Background(), func() error { return errors.New(errors.ErrorTypeRemote, "x") })
	assert.Equal(t, []int{1, 2}, seen)
}
