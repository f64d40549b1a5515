package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	cfg := DefaultHTTPConfig()
	cfg.BaseURL = baseURL
	cfg.RateLimit = 0
	cfg.Retry = retry.New(3, time.Millisecond, 10*time.Millisecond).WithSleep(retry.NoWait)
	return NewHTTPClient("test_source", cfg, zaptest.NewLogger(t))
}

func TestClientClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantType  errors.ErrorType
	}{
		{"ok", []int{200}, 1, ""},
		{"rate limited then ok", []int{429, 200}, 2, ""},
		{"5xx then ok", []int{502, 503, 200}, 3, ""},
		{"5xx exhausts", []int{500, 500, 500, 500}, 3, errors.ErrorTypeRemote},
		{"429 exhausts", []int{429, 429, 429}, 3, errors.ErrorTypeRateLimit},
		{"unauthorized", []int{401}, 1, errors.ErrorTypeAuthRejected},
		{"forbidden", []int{403}, 1, errors.ErrorTypeAuthRejected},
		{"not found", []int{404}, 1, errors.ErrorTypeNotFound},
		{"bad request", []int{400}, 1, errors.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				if status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "0")
				}
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			var out map[string]interface{}
			err := c.GetJSON(context.Background(), &Request{Path: "/v1/things"}, &out)

			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantType == "" {
				require.NoError(t, err)
				assert.Equal(t, true, out["ok"])
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.TypeOf(err))
		})
	}
}

func TestClientAppliesCredentialAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "rest-1", r.Header.Get("Toast-Restaurant-External-ID"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "/orders/v2/ordersBulk", r.URL.Path)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	cred := &models.Credential{AccessToken: "tok-1", Headers: map[string]string{"Toast-Restaurant-External-ID": "rest-1"}}
	resp, err := c.Do(context.Background(), &Request{
		Path:       "orders/v2/ordersBulk",
		Query:      map[string][]string{"page": {"2"}},
		Credential: cred,
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(resp.Body))
}

func TestClientReplaysBodyOnRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"format":"json"}`, string(body))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"progressId":"p1"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var out struct {
		Result struct {
			ProgressID string `json:"progressId"`
		} `json:"result"`
	}
	err := c.PostJSON(context.Background(), &Request{Path: "/export"}, map[string]string{"format": "json"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "p1", out.Result.ProgressID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConnection, errors.TypeOf(err))
}

func TestClientCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(ctx, &Request{Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeCancelled, errors.TypeOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("12", now)
	assert.True(t, ok)
	assert.Equal(t, 12*time.Second, d)

	d, ok = parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
}

func TestRateLimiterPaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	cfg.RateLimit = 20
	cfg.RateBurst = 1
	c := NewHTTPClient("paced", cfg, zaptest.NewLogger(t))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), &Request{Path: "/"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
