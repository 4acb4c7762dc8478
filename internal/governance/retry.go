package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrorKind classifies a failed send for the retry decision.
type ErrorKind int

const (
	// KindTransient failures may succeed on a later attempt.
	KindTransient ErrorKind = iota
	// KindFatal failures never retry.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// RetryConfig defines bounded retry behaviour for correlated requests.
type RetryConfig struct {
	// MaxAttempts is the total number of sends allowed per request, the
	// first one included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// CriticalMaxAttempts overrides MaxAttempts for critical requests.
	// Zero means use MaxAttempts.
	CriticalMaxAttempts int `yaml:"critical_max_attempts" json:"critical_max_attempts"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// BackoffMultiplier is the factor by which the delay grows.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// FailSessionOnError moves the session to failed when a non-critical
	// request gives up. A critical request that gives up always fails its
	// session.
	FailSessionOnError bool `yaml:"fail_session_on_error" json:"fail_session_on_error"`
}

// DefaultRetryConfig returns two attempts with a short backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the configuration for values the policy cannot use.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.CriticalMaxAttempts < 0 {
		return fmt.Errorf("critical max attempts cannot be negative")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations cannot be negative")
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	return nil
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// RetryAction is what the caller should do after a failure.
type RetryAction int

const (
	// ActionRetry resends after Delay.
	ActionRetry RetryAction = iota
	// ActionGiveUp stops and surfaces the error.
	ActionGiveUp
)

// RetryDecision is either Retry(delay) or GiveUp(reason).
type RetryDecision struct {
	Action RetryAction
	Delay  time.Duration
	Reason string
	// Fatal is set on GiveUp when the error surfaces as a fatal transport
	// error rather than plain retry exhaustion.
	Fatal bool
	// FailSession is set on GiveUp when the session must move to failed.
	FailSession bool
}

// ShouldRetry reports whether the decision is Retry.
func (d RetryDecision) ShouldRetry() bool {
	return d.Action == ActionRetry
}

// Retry builds a retry decision.
func Retry(delay time.Duration) RetryDecision {
	return RetryDecision{Action: ActionRetry, Delay: delay}
}

// GiveUp builds a give-up decision.
func GiveUp(reason string, fatal, failSession bool) RetryDecision {
	return RetryDecision{Action: ActionGiveUp, Reason: reason, Fatal: fatal, FailSession: failSession}
}

// RetryPolicy decides whether a failed send is retried.
type RetryPolicy struct {
	mu     sync.RWMutex
	config RetryConfig
}

// NewRetryPolicy creates a policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	return &RetryPolicy{config: config.withDefaults()}
}

// Config returns a copy of the current configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return rp.config
}

// Configure swaps the configuration atomically.
func (rp *RetryPolicy) Configure(config RetryConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	rp.mu.Lock()
	rp.config = config.withDefaults()
	rp.mu.Unlock()
	return nil
}

// MaxAttempts returns the attempt budget for a request.
func (rp *RetryPolicy) MaxAttempts(critical bool) int {
	cfg := rp.Config()
	if critical && cfg.CriticalMaxAttempts > 0 {
		return cfg.CriticalMaxAttempts
	}
	return cfg.MaxAttempts
}

// Decide returns the decision after attempt sends have failed with kind.
// attempt counts the send that just failed, starting at 1.
func (rp *RetryPolicy) Decide(attempt int, kind ErrorKind, critical bool) RetryDecision {
	cfg := rp.Config()
	maxAttempts := rp.MaxAttempts(critical)

	failSession := critical || cfg.FailSessionOnError

	if kind == KindFatal {
		return GiveUp("fatal transport error", true, failSession)
	}
	if attempt < maxAttempts {
		return Retry(backoffDelay(cfg, attempt))
	}
	return GiveUp(fmt.Sprintf("retries exhausted after %d attempt(s)", attempt), critical, failSession)
}

// backoffDelay returns the wait before retry number attempt. Jitter is
// disabled so the same inputs always produce the same delay.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		return 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.MaxBackoff,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	return delay
}
