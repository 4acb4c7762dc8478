package relaytest

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-relay/pkg/relay"
)

// Adapter is a scripted relay.Adapter. Every Send is recorded and published
// on Sent; tests answer by calling Deliver.
type Adapter struct {
	// SendErr, when set, decides the error returned for each send.
	SendErr func(env relay.Envelope) error
	// Hold, when set, blocks every send until it is closed or the send
	// context is done.
	Hold chan struct{}

	Sent chan relay.Envelope

	mu        sync.Mutex
	sink      relay.ReplySink
	sends     []relay.Envelope
	abandoned []string
	closed    []relay.SessionKey
}

var (
	_ relay.Adapter       = (*Adapter)(nil)
	_ relay.SessionCloser = (*Adapter)(nil)
)

// NewAdapter creates an adapter whose Sent channel buffers up to 256 sends.
func NewAdapter() *Adapter {
	return &Adapter{Sent: make(chan relay.Envelope, 256)}
}

// Bind implements relay.Adapter.
func (a *Adapter) Bind(sink relay.ReplySink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Send implements relay.Adapter.
func (a *Adapter) Send(ctx context.Context, env relay.Envelope) error {
	a.mu.Lock()
	a.sends = append(a.sends, env)
	a.mu.Unlock()

	select {
	case a.Sent <- env:
	default:
	}

	if a.Hold != nil {
		select {
		case <-a.Hold:
		case <-ctx.Done():
			return relay.Transient(ctx.Err())
		}
	}
	if a.SendErr != nil {
		return a.SendErr(env)
	}
	return nil
}

// Abandon implements relay.Adapter.
func (a *Adapter) Abandon(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandoned = append(a.abandoned, requestID)
}

// CloseSession implements relay.SessionCloser.
func (a *Adapter) CloseSession(_ context.Context, key relay.SessionKey, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, key)
	return nil
}

// Deliver reports outcome for requestID to the bound sink.
func (a *Adapter) Deliver(requestID string, outcome relay.Outcome) bool {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return false
	}
	return sink.OnReply(requestID, outcome)
}

// Next waits in real time for the next send.
func (a *Adapter) Next(limit time.Duration) (relay.Envelope, bool) {
	select {
	case env := <-a.Sent:
		return env, true
	case <-time.After(limit):
		return relay.Envelope{}, false
	}
}

// Sends returns every envelope sent so far.
func (a *Adapter) Sends() []relay.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]relay.Envelope(nil), a.sends...)
}

// Abandoned returns the request ids passed to Abandon.
func (a *Adapter) Abandoned() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.abandoned...)
}

// ClosedSessions returns the keys passed to CloseSession.
func (a *Adapter) ClosedSessions() []relay.SessionKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]relay.SessionKey(nil), a.closed...)
}
