package relay

import "context"

// ReplySink receives correlated outcomes from a transport. OnReply may be
// called from any goroutine and returns false when the request id is unknown
// or already resolved.
type ReplySink interface {
	OnReply(requestID string, outcome Outcome) bool
}

// ReplySinkFunc adapts a function to ReplySink.
type ReplySinkFunc func(requestID string, outcome Outcome) bool

// OnReply implements ReplySink.
func (f ReplySinkFunc) OnReply(requestID string, outcome Outcome) bool {
	return f(requestID, outcome)
}

// Adapter sends requests over some channel (socket, REST call, in-process
// queue) and later reports outcomes to the bound sink.
type Adapter interface {
	// Bind installs the sink outcomes are delivered to. It is called once,
	// before the first Send.
	Bind(sink ReplySink)

	// Send transmits env without waiting for the reply. A returned error is
	// treated as transient unless IsFatal reports it as permanent.
	Send(ctx context.Context, env Envelope) error

	// Abandon tells the transport the caller stopped waiting for requestID.
	// Honouring it is best-effort.
	Abandon(requestID string)
}

// SessionCloser is implemented by adapters that must release remote state
// when a session closes (ending a conversation script, stopping a scenario).
type SessionCloser interface {
	CloseSession(ctx context.Context, key SessionKey, sessionID string) error
}
