package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var key = models.AccountKey{Source: "medallia", Account: "acme"}

func countingRefresher(clock *fakeClock, ttl time.Duration, calls *int32) Refresher {
	return RefresherFunc(func(ctx context.Context, _ models.Credential) (models.Credential, error) {
		n := atomic.AddInt32(calls, 1)
		time.Sleep(10 * time.Millisecond)
		return models.Credential{
			AccessToken: "token-" + string(rune('0'+n)),
			ExpiresAt:   clock.Now().Add(ttl),
		}, nil
	})
}

func TestStoreRefreshesProactively(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	var calls int32
	s := NewStore(5*time.Minute, zaptest.NewLogger(t), WithClock(clock.Now))
	s.Register(key, countingRefresher(clock, time.Hour, &calls))

	c1, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "token-1", c1.AccessToken)
	assert.Equal(t, "medallia", c1.Source)

	c2, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, c1.AccessToken, c2.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// 56 minutes later the token has four minutes left: inside the margin.
	clock.Advance(56 * time.Minute)
	c3, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "token-2", c3.AccessToken)
	assert.False(t, c3.ExpiresWithin(clock.Now(), 5*time.Minute))
}

func TestStoreCoalescesConcurrentRefreshes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var calls int32
	s := NewStore(time.Minute, zaptest.NewLogger(t), WithClock(clock.Now))
	s.Register(key, countingRefresher(clock, time.Hour, &calls))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Get(context.Background(), key)
			assert.NoError(t, err)
			assert.Equal(t, "token-1", c.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStoreInvalidate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var calls int32
	s := NewStore(time.Minute, zaptest.NewLogger(t), WithClock(clock.Now))
	s.Register(key, countingRefresher(clock, time.Hour, &calls))

	_, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	s.Invalidate(key)
	c, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "token-2", c.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStoreRefreshFailures(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		result   models.Credential
		err      error
		wantType errors.ErrorType
	}{
		{"provider rejects grant", models.Credential{}, errors.New(errors.ErrorTypeAuthRejected, "401"), errors.ErrorTypeAuthentication},
		{"bad request", models.Credential{}, errors.New(errors.ErrorTypeValidation, "400"), errors.ErrorTypeAuthentication},
		{"transient outage", models.Credential{}, errors.New(errors.ErrorTypeConnection, "reset"), errors.ErrorTypeConnection},
		{"expired on arrival", models.Credential{AccessToken: "x", ExpiresAt: now.Add(-time.Minute)}, nil, errors.ErrorTypeAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(time.Minute, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))
			s.Register(key, RefresherFunc(func(context.Context, models.Credential) (models.Credential, error) {
				return tt.result, tt.err
			}))

			_, err := s.Get(context.Background(), key)
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.TypeOf(err))
		})
	}
}

func TestStoreUnknownAccount(t *testing.T) {
	s := NewStore(0, nil)
	_, err := s.Get(context.Background(), models.AccountKey{Source: "x", Account: "y"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.True(t, errors.IsFatal(err))
}

func TestStoreNeverExpiringCredential(t *testing.T) {
	var calls int32
	s := NewStore(time.Hour, zaptest.NewLogger(t))
	s.Register(key, RefresherFunc(func(context.Context, models.Credential) (models.Credential, error) {
		atomic.AddInt32(&calls, 1)
		return models.Credential{AccessToken: "static"}, nil
	}))
	for i := 0; i < 3; i++ {
		_, err := s.Get(context.Background(), key)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
