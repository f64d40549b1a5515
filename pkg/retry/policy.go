// Package retry provides bounded exponential backoff with jitter.
//
// A Policy is a plain value: attempts are counted explicitly and waiting goes
// through the Sleep hook, so tests can run every retry path with zero wait.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	// Sleep defaults to a context-aware timer
	Sleep SleepFunc
	// OnRetry, when set, observes every failed attempt that will be retried
	OnRetry func(attempt int, delay time.Duration, err error)
}

// RetryAfterDetail is the *errors.Error detail key carrying a provider's
// requested wait as a time.Duration.
const RetryAfterDetail = "retry_after"

// New creates a new retry policy with exponential backoff
func New(maxAttempts int, initialDelay, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        maxDelay,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Default returns a sensible default retry policy
func Default() *Policy {
	return New(3, time.Second, 30*time.Second)
}

// None returns a policy that doesn't retry
func None() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Execute retries fn on every error
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs fn, retrying while shouldRetry approves the error
// and attempts remain. The returned error keeps the classification of the
// last failure.
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == attempts-1 {
			break
		}

		delay, ok := p.delayFor(err, attempt)
		if !ok {
			return errors.Annotate(err, "provider asked for a wait longer than the retry budget")
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "retry cancelled")
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return errors.Annotate(lastErr, fmt.Sprintf("all %d attempts failed", attempts))
}

// delayFor returns the wait before the next attempt. A provider Retry-After
// longer than MaxDelay cannot be honored and reports false.
func (p *Policy) delayFor(err error, attempt int) (time.Duration, bool) {
	delay := p.calculateDelay(attempt)

	var e *errors.Error
	if errors.As(err, &e) {
		if ra, ok := e.Details[RetryAfterDetail].(time.Duration); ok && ra > delay {
			if p.MaxDelay > 0 && ra > p.MaxDelay {
				return 0, false
			}
			delay = ra
		}
	}
	return delay, true
}

// calculateDelay calculates the delay for a given attempt
func (p *Policy) calculateDelay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	// Base delay calculation with exponential backoff
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	// Apply max delay cap
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply randomization factor (jitter)
	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta

		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (p *Policy) GetDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return TimerSleep(ctx, d)
}

// TimerSleep waits for d, returning early with ctx's error.
func TimerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoWait is a SleepFunc that returns immediately unless ctx is done.
func NoWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Clone creates a copy of the retry policy
func (p *Policy) Clone() *Policy {
	c := *p
	return &c
}

// WithMaxAttempts returns a new policy with updated max attempts
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	policy := p.Clone()
	policy.MaxAttempts = attempts
	return policy
}

// WithSleep returns a new policy that waits through sleep
func (p *Policy) WithSleep(sleep SleepFunc) *Policy {
	policy := p.Clone()
	policy.Sleep = sleep
	return policy
}

// WithOnRetry returns a new policy reporting retries to fn
func (p *Policy) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) *Policy {
	policy := p.Clone()
	policy.OnRetry = fn
	return policy
}
