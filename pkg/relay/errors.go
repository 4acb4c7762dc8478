package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Sentinel errors for correlation and session management
var (
	// ErrSessionNotFound indicates the session key has no registry entry
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession indicates a strict create for a key already mapped
	ErrDuplicateSession = errors.New("session already exists")

	// ErrDuplicateInFlight indicates the session already has an unresolved request
	ErrDuplicateInFlight = errors.New("request already in flight for session")

	// ErrTimeout indicates no correlated reply arrived before the deadline
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrTransientTransport marks a retryable transport failure
	ErrTransientTransport = errors.New("transient transport error")

	// ErrFatalTransport marks a transport failure that must not be retried
	ErrFatalTransport = errors.New("fatal transport error")

	// ErrTransport indicates retries were exhausted
	ErrTransport = errors.New("transport error")

	// ErrCancelled indicates the caller abandoned the wait
	ErrCancelled = errors.New("request cancelled")

	// ErrDispatcherClosed is returned after Close
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrDuplicateRequestID indicates a request id was registered twice
	ErrDuplicateRequestID = errors.New("request id already registered")

	// ErrCacheFull indicates the session cache is full and every session is busy
	ErrCacheFull = errors.New("session cache full: every session has a request in flight")
)

// SessionNotFoundError represents a missing session with its key
type SessionNotFoundError struct {
	Key SessionKey
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.Key)
}

func (e *SessionNotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// DuplicateSessionError is returned by a strict create when the key is already mapped
type DuplicateSessionError struct {
	Key       SessionKey
	SessionID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session key %s is already mapped to session %s", e.Key, e.SessionID)
}

func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateSession
}

// DuplicateInFlightError is returned when a second request is issued on a busy session
type DuplicateInFlightError struct {
	Key       SessionKey
	RequestID string
}

func (e *DuplicateInFlightError) Error() string {
	return fmt.Sprintf("session %s already has request %s in flight", e.Key, e.RequestID)
}

func (e *DuplicateInFlightError) Is(target error) bool {
	return target == ErrDuplicateInFlight
}

// TimeoutError reports the deadline that elapsed
type TimeoutError struct {
	Key       SessionKey
	RequestID string
	Timeout   time.Duration
	Attempts  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s on session %s: no reply within %s after %d attempt(s)",
		e.RequestID, e.Key, e.Timeout, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError wraps the last transport cause once retrying stops
type TransportError struct {
	Key       SessionKey
	RequestID string
	Attempts  int
	Fatal     bool
	Cause     error
}

func (e *TransportError) Error() string {
	kind := "retries exhausted"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("request %s on session %s: transport %s after %d attempt(s): %v",
		e.RequestID, e.Key, kind, e.Attempts, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) Is(target error) bool {
	if target == ErrTransport {
		return true
	}
	return e.Fatal && target == ErrFatalTransport
}

// Fatal marks err as non-retryable. Adapters may also use backoff.Permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(fmt.Errorf("%w: %w", ErrFatalTransport, err))
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientTransport, err)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent) || errors.Is(err, ErrFatalTransport)
}

// IsSessionNotFound checks if the error indicates a session was not found
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsTimeout checks if the error indicates the reply deadline elapsed
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDuplicateInFlight checks if the error indicates a busy session
func IsDuplicateInFlight(err error) bool {
	return errors.Is(err, ErrDuplicateInFlight)
}

// IsCancelled checks if the caller abandoned the request
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
