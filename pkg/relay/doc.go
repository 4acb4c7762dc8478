// Package relay correlates outbound requests with asynchronous replies.
//
// A Dispatcher sends each request through an Adapter under a fresh request
// id, registers a PendingRequest for it, and blocks the caller until the
// matching reply arrives, the deadline passes, or the context is cancelled.
// Every request resolves exactly once; replies that arrive after resolution
// are dropped.
//
// Sessions are tracked in a bounded SessionRegistry. Each session key maps to
// one SessionRecord, created atomically on first use, and a session carries at
// most one in-flight request at a time. When the registry is full the oldest
// inserted idle session is evicted; if every session is busy, new keys are
// refused with ErrCacheFull.
//
// Adapters report outcomes through a ReplySink: a reply, a "still working"
// pending answer that triggers a re-poll under the same request id, or a
// transient or fatal transport error. Transient errors are retried with
// backoff by the governance retry policy; fatal errors never are.
package relay
