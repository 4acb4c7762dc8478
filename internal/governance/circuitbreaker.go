package governance

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates sends are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates sends are rejected until the cool-down elapses.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates a limited number of probe sends are allowed.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines when a transport endpoint is considered down.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failed sends that opens the
	// circuit. Zero disables the breaker.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxHalfOpenRequests is the number of probes allowed while half-open.
	MaxHalfOpenRequests int `yaml:"max_half_open_requests" json:"max_half_open_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards a single transport endpoint.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	now      func() time.Time
	state    CircuitBreakerState
	failures int
	probes   int
	openedAt time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a send may proceed. Every allowed send must be
// followed by Record or Release.
func (cb *CircuitBreaker) Allow() error {
	if cb == nil || cb.config.MaxFailures <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 1
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

// Record accounts for the result of an allowed send.
func (cb *CircuitBreaker) Record(err error) {
	if cb == nil || cb.config.MaxFailures <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = StateClosed
		cb.failures = 0
		cb.probes = 0
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.probes = 0
	}
}

// Release returns the probe slot of an allowed send that will never be
// recorded, such as one abandoned by its caller. It counts neither as a
// success nor as a failure.
func (cb *CircuitBreaker) Release() {
	if cb == nil || cb.config.MaxFailures <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
}
