package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// signalBuffer bounds non-terminal outcomes queued for a waiter. A waiter
// consumes them one at a time; a transport flooding faster than that only
// loses redundant re-poll hints.
const signalBuffer = 8

// Resolution is the single-assignment result of a PendingRequest: either a
// reply or an error (timeout, fatal, cancelled, retries exhausted).
type Resolution struct {
	Reply *Reply
	Err   error
}

// PendingRequest is the waiting context of one in-flight correlated request.
type PendingRequest struct {
	RequestID  string
	SessionKey SessionKey
	Registered time.Time

	mu       sync.Mutex
	timeout  time.Duration // per attempt
	deadline time.Time
	attempts int
	resolved bool
	result   Resolution
	done     chan struct{}
	signals  chan Outcome
}

// Done is closed once the request is resolved.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Signals delivers pending and transient outcomes while unresolved.
func (p *PendingRequest) Signals() <-chan Outcome {
	return p.signals
}

// Result returns the resolution once Done is closed.
func (p *PendingRequest) Result() (Resolution, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.resolved
}

// Deadline returns the current absolute deadline.
func (p *PendingRequest) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// Attempts returns the number of sends that consumed a retry attempt.
func (p *PendingRequest) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *PendingRequest) complete(res Resolution) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	p.result = res
	close(p.done)
	return true
}

// PendingTable tracks in-flight requests by request id.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*PendingRequest
	clock   Clock
	logger  *slog.Logger
}

// NewPendingTable creates an empty table.
func NewPendingTable(clock Clock, logger *slog.Logger) *PendingTable {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingTable{
		entries: make(map[string]*PendingRequest),
		clock:   clock,
		logger:  logger,
	}
}

// Register adds an entry that expires timeout from now. Refresh moves the
// deadline for later attempts but timeout stays the per-attempt window.
func (t *PendingTable) Register(requestID string, key SessionKey, timeout time.Duration) (*PendingRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id cannot be empty")
	}

	now := t.clock.Now()
	p := &PendingRequest{
		RequestID:  requestID,
		SessionKey: key,
		Registered: now,
		timeout:    timeout,
		deadline:   now.Add(timeout),
		attempts:   1,
		done:       make(chan struct{}),
		signals:    make(chan Outcome, signalBuffer),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, requestID)
	}
	t.entries[requestID] = p
	return p, nil
}

// Resolve completes the request exactly once. It returns false for unknown
// or already resolved ids, so duplicate deliveries are harmless.
func (t *PendingTable) Resolve(requestID string, res Resolution) bool {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return p.complete(res)
}

// Signal hands a non-terminal outcome to the waiter of requestID.
func (t *PendingTable) Signal(requestID string, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	t.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case p.signals <- outcome:
		return true
	default:
		t.logger.Debug("Dropping outcome for busy waiter",
			"request_id", requestID,
			"kind", outcome.Kind.String(),
		)
		return false
	}
}

// Refresh moves the deadline of an unresolved request and records the
// attempt count of its latest send.
func (t *PendingTable) Refresh(requestID string, deadline time.Time, attempts int) bool {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.deadline = deadline
	p.attempts = attempts
	return true
}

// ReapExpired resolves every entry whose deadline is not after now with a
// TimeoutError and returns their ids.
func (t *PendingTable) ReapExpired(now time.Time) []string {
	var expired []*PendingRequest

	t.mu.Lock()
	for id, p := range t.entries {
		if now.Before(p.Deadline()) {
			continue
		}
		delete(t.entries, id)
		expired = append(expired, p)
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, p := range expired {
		p.mu.Lock()
		timeout := p.timeout
		attempts := p.attempts
		p.mu.Unlock()

		if p.complete(Resolution{Err: &TimeoutError{
			Key:       p.SessionKey,
			RequestID: p.RequestID,
			Timeout:   timeout,
			Attempts:  attempts,
		}}) {
			ids = append(ids, p.RequestID)
		}
	}
	return ids
}

// ResolveAll resolves every entry with err and returns how many were resolved.
func (t *PendingTable) ResolveAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*PendingRequest)
	t.mu.Unlock()

	n := 0
	for _, p := range entries {
		if p.complete(Resolution{Err: err}) {
			n++
		}
	}
	return n
}

// Has reports whether requestID is still unresolved.
func (t *PendingTable) Has(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[requestID]
	return ok
}

// Len returns the number of unresolved requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
