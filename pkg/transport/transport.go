// Package transport holds the codec contract shared by the reference
// adapters and decorators that add send throttling and a circuit breaker to
// any relay.Adapter.
package transport

import (
	"context"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/relay"
)

// Codec translates envelopes to a protocol payload and decoded payloads back
// to correlated outcomes.
type Codec interface {
	Encode(env relay.Envelope) ([]byte, error)
	Decode(data []byte) (Decoded, error)
}

// Decoded is an inbound payload interpreted by a Codec.
type Decoded struct {
	// RequestID correlates the outcome. Codecs for protocols that carry no
	// id on the wire leave it empty and the adapter fills it in.
	RequestID string
	Outcome   relay.Outcome
}

// Throttle limits sends through next to the limiter's budget for endpoint.
func Throttle(next relay.Adapter, limiter *governance.SendLimiter, endpoint string) relay.Adapter {
	return &throttled{Adapter: next, limiter: limiter, endpoint: endpoint}
}

type throttled struct {
	relay.Adapter
	limiter  *governance.SendLimiter
	endpoint string
}

func (t *throttled) Send(ctx context.Context, env relay.Envelope) error {
	if err := t.limiter.Wait(ctx, t.endpoint); err != nil {
		return relay.Transient(err)
	}
	return t.Adapter.Send(ctx, env)
}

func (t *throttled) CloseSession(ctx context.Context, key relay.SessionKey, sessionID string) error {
	return closeSession(ctx, t.Adapter, key, sessionID)
}

// Guard fails sends fast while breaker is open. Transient failures, whether
// returned by Send or reported later, count against the breaker; replies,
// pending answers and fatal outcomes prove the peer is reachable. Abandoned
// requests say nothing about the peer and only free their probe slot.
func Guard(next relay.Adapter, breaker *governance.CircuitBreaker) relay.Adapter {
	return &guarded{Adapter: next, breaker: breaker}
}

type guarded struct {
	relay.Adapter
	breaker *governance.CircuitBreaker
}

func (g *guarded) Bind(sink relay.ReplySink) {
	g.Adapter.Bind(relay.ReplySinkFunc(func(requestID string, outcome relay.Outcome) bool {
		if outcome.Kind == relay.OutcomeTransient {
			g.breaker.Record(outcome.Err)
		} else {
			g.breaker.Record(nil)
		}
		return sink.OnReply(requestID, outcome)
	}))
}

func (g *guarded) Send(ctx context.Context, env relay.Envelope) error {
	if err := g.breaker.Allow(); err != nil {
		return relay.Transient(err)
	}
	err := g.Adapter.Send(ctx, env)
	switch {
	case err == nil:
	case relay.IsFatal(err):
		g.breaker.Record(nil)
	default:
		g.breaker.Record(err)
	}
	return err
}

func (g *guarded) Abandon(requestID string) {
	g.breaker.Release()
	g.Adapter.Abandon(requestID)
}

func (g *guarded) CloseSession(ctx context.Context, key relay.SessionKey, sessionID string) error {
	return closeSession(ctx, g.Adapter, key, sessionID)
}

func closeSession(ctx context.Context, a relay.Adapter, key relay.SessionKey, sessionID string) error {
	if closer, ok := a.(relay.SessionCloser); ok {
		return closer.CloseSession(ctx, key, sessionID)
	}
	return nil
}
