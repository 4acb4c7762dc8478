// Package governance holds the safety controls applied around correlated
// requests: the bounded retry policy, a per-endpoint circuit breaker and an
// outbound send limiter.
//
// The retry policy is a pure decision function so the dispatcher can keep all
// waiting and timer handling in one place; the breaker and limiter are used by
// transport adapters to protect the collaborator on the other side.
package governance
