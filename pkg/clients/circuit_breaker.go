package clients

import (
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// errCircuitOpen marks requests refused without reaching the provider.
var errCircuitOpen = stderrors.New("circuit open")

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets one probe through to test if the provider has recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops a source's client from calling a provider that keeps
// failing at the transport or 5xx level. After threshold consecutive
// failures it opens for cooldown, then admits a single probe: success closes
// it, failure reopens it.
//
// Provider answers that prove the API is up (4xx, 429) count as successes.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewCircuitBreaker creates a breaker. A threshold below one disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb.threshold < 1 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probeActive = true
		return true
	case StateHalfOpen:
		if cb.probeActive {
			return false
		}
		cb.probeActive = true
		return true
	default:
		return true
	}
}

// Record feeds the outcome of an admitted request into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if cb.threshold < 1 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !tripsBreaker(err) {
		cb.failures = 0
		cb.probeActive = false
		if cb.state != StateClosed {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	cb.probeActive = false
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.logger.Info("circuit breaker state change",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", cb.failures))
	cb.state = to
}

func tripsBreaker(err error) bool {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConnection, errors.ErrorTypeTimeout, errors.ErrorTypeRemote:
		return err != nil
	default:
		return false
	}
}
