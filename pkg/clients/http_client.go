// Package clients provides the rate-limited HTTP client every provider
// integration fetches pages through.
//
// A Client wraps one provider API. It paces requests with a token bucket
// shared by all accounts of the source, retries throttling, 5xx and
// connection failures with exponential backoff and jitter, honors
// Retry-After, and classifies every failure into a typed error:
//
//	429                      rate_limit     (retried)
//	5xx                      remote         (retried)
//	connection/timeout       connection     (retried)
//	401, 403                 auth_rejected  (returned for the caller's invalidate cycle)
//	404                      not_found
//	other 4xx                validation
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

// maxBodyBytes bounds how much of a response is read into memory.
const maxBodyBytes = 64 << 20

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	BaseURL             string
	UserAgent           string
	RequestTimeout      time.Duration
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	EnableHTTP2         bool

	// Rate limiting
	RateLimit float64 // requests per second, 0 means unlimited
	RateBurst int

	// Retry is applied to every request; nil means retry.Default()
	Retry *retry.Policy

	// Circuit breaking, disabled when BreakerThreshold is zero
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultHTTPConfig returns default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		UserAgent:           "tidewater/1.0",
		RequestTimeout:      30 * time.Second,
		DialTimeout:         10 * time.Second,
		MaxIdleConnsPerHost: 10,
		EnableHTTP2:         true,
		RateLimit:           5,
		RateBurst:           5,
	}
}

// Client is a provider HTTP client with pacing, retries and error classification
type Client struct {
	source     string
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	retry      *retry.Policy
}

// Request describes one provider call. Body is kept as bytes so the request
// can be replayed on retry.
type Request struct {
	Method     string
	Path       string // relative to BaseURL, or absolute
	Query      url.Values
	Header     http.Header
	Body       []byte
	Credential *models.Credential
}

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body as JSON, preserving numbers.
func (r *Response) Decode(v interface{}) error {
	if err := jsonpool.Decode(r.Body, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decoding provider response")
	}
	return nil
}

// NewHTTPClient creates a client for one source
func NewHTTPClient(source string, config *HTTPConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	limit := rate.Inf
	burst := config.RateBurst
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	policy := config.Retry
	if policy == nil {
		policy = retry.Default()
	}

	c := &Client{
		source: source,
		config: config,
		logger: logger.With(zap.String("component", "http_client"), zap.String("source", source)),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewCircuitBreaker(config.BreakerThreshold, config.BreakerCooldown, logger.With(zap.String("source", source))),
	}
	c.retry = policy.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		metrics.HTTPRetries.WithLabelValues(source, string(errors.TypeOf(err))).Inc()
		c.logger.Debug("retrying provider request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	return c
}

// Source returns the source this client serves
func (c *Client) Source() string {
	return c.source
}

// Do performs req with pacing and retries. A returned error is always an
// *errors.Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	err := c.retry.ExecuteWithCondition(ctx, func() error {
		var err error
		resp, err = c.doOnce(ctx, req)
		return err
	}, func(err error) bool {
		return errors.IsRetryable(err) && !stderrors.Is(err, errCircuitOpen)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJSON performs a GET and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, req *Request, out interface{}) error {
	req.Method = http.MethodGet
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// PostJSON encodes body, performs a POST and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, req *Request, body, out interface{}) error {
	payload, err := jsonpool.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding request body")
	}
	req.Method = http.MethodPost
	req.Body = payload
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// doOnce performs one attempt behind the circuit breaker.
func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	if !c.breaker.Allow() {
		return nil, errors.Wrap(errCircuitOpen, errors.ErrorTypeConnection,
			fmt.Sprintf("%s requests paused after repeated provider failures", c.source))
	}
	resp, err := c.roundTrip(ctx, req)
	c.breaker.Record(err)
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.TypeOf(ctx.Err()), "waiting for rate limiter")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "waiting for rate limiter")
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.HTTPRequests.WithLabelValues(c.source, metrics.StatusClass(0)).Inc()
		return nil, classifyTransportError(ctx, err, httpReq.URL)
	}
	defer httpResp.Body.Close()

	metrics.HTTPRequests.WithLabelValues(c.source, metrics.StatusClass(httpResp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err, httpReq.URL)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if err := classifyStatus(resp, httpReq.URL, time.Now()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "building request")
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if req.Credential != nil {
		req.Credential.Apply(httpReq.Header)
	}

	return httpReq, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || c.config.BaseURL == "" {
		u, err = url.Parse(path)
	} else {
		u, err = url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid request URL")
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func classifyTransportError(ctx context.Context, err error, u *url.URL) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, errors.TypeOf(ctxErr), "request aborted")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "provider request timed out").
			WithDetail("host", u.Host)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "provider request failed").
		WithDetail("host", u.Host)
}

func classifyStatus(resp *Response, u *url.URL, now time.Time) error {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	var errType errors.ErrorType
	switch {
	case status == http.StatusTooManyRequests:
		errType = errors.ErrorTypeRateLimit
	case status >= 500:
		errType = errors.ErrorTypeRemote
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = errors.ErrorTypeAuthRejected
	case status == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	default:
		errType = errors.ErrorTypeValidation
	}

	e := errors.Newf(errType, "%s %s returned %d", u.Host, u.Path, status).
		WithDetail("status", status).
		WithDetail("body", snippet(resp.Body))

	if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
		e.WithDetail(retry.RetryAfterDetail, ra)
	}
	return e
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func snippet(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return fmt.Sprintf("%s...", b[:limit])
	}
	return string(b)
}
