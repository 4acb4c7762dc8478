package relay_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/relay/relaytest"
	"github.com/polisai/polis-relay/pkg/transport"
)

const wait = 2 * time.Second

func testConfig() relay.Config {
	return relay.Config{
		CacheCapacity:  16,
		DefaultTimeout: 5 * time.Second,
		PollInterval:   100 * time.Millisecond,
		SweepInterval:  time.Second,
	}
}

func fastRetry(maxAttempts int) governance.RetryConfig {
	return governance.RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newDispatcher(t *testing.T, adapter relay.Adapter, clock relay.Clock, retry governance.RetryConfig) *relay.Dispatcher {
	t.Helper()
	d, err := relay.NewDispatcher(adapter, relay.Options{
		Config:  testConfig(),
		Retry:   retry,
		Clock:   clock,
		Logger:  slog.Default(),
		Metrics: relay.NewMetrics(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type result struct {
	reply *relay.Reply
	err   error
}

func sendAsync(d *relay.Dispatcher, ctx context.Context, key relay.SessionKey, req relay.Request, opts relay.SendOptions) <-chan result {
	out := make(chan result, 1)
	go func() {
		reply, err := d.SendAndAwait(ctx, key, req, opts)
		out <- result{reply: reply, err: err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(wait):
		t.Fatal("SendAndAwait did not return")
		return result{}
	}
}

func TestSendAndAwaitDeliversReply(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	_, err := d.OpenSession(context.Background(), "chat-1", "handler")
	require.NoError(t, err)

	ch := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk", Payload: []byte("hi")}, relay.SendOptions{})

	env, ok := adapter.Next(wait)
	require.True(t, ok)
	assert.Equal(t, relay.SessionKey("chat-1"), env.SessionKey)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, []byte("hi"), env.Request.Payload)

	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{Payload: []byte("hello")})))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("hello"), r.reply.Payload)
	assert.Equal(t, env.RequestID, r.reply.RequestID)
	assert.Equal(t, 0, d.Stats().Pending)

	rec, ok := d.Session("chat-1")
	require.True(t, ok)
	assert.Equal(t, relay.StateActive, rec.State())
	_, busy := rec.InFlight()
	assert.False(t, busy)

	// A duplicate delivery after resolution is dropped
	assert.False(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{Payload: []byte("again")})))
}

func TestSendAndAwaitEndedConversationCompletesSession(t *testing.T) {
	clock := relaytest.NewFakeClock(time.Unix(0, 0))
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, clock, fastRetry(2))

	ch := sendAsync(d, context.Background(), "chat-42", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: 5000 * time.Millisecond, CreateSession: true})

	env, ok := adapter.Next(wait)
	require.True(t, ok)
	require.True(t, clock.BlockUntil(1, wait))
	clock.Advance(100 * time.Millisecond)

	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{
		Payload: []byte(`{"ended":true}`),
		Final:   true,
	})))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"ended":true}`, string(r.reply.Payload))

	rec, ok := d.Session("chat-42")
	require.True(t, ok)
	assert.Equal(t, relay.StateCompleted, rec.State())
}

func TestSendAndAwaitTimeoutNeverEarly(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: timeout, CreateSession: true})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, relay.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	var timeoutErr *relay.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, timeout, timeoutErr.Timeout)
	assert.Equal(t, 1, timeoutErr.Attempts)

	sends := adapter.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, []string{sends[0].RequestID}, adapter.Abandoned())
	assert.Equal(t, 0, d.Stats().Pending)

	// The reply arriving after the timeout is dropped
	assert.False(t, adapter.Deliver(sends[0].RequestID, relay.ReplyOutcome(&relay.Reply{})))
}

func TestSendAndAwaitSlowSendTimesOutAtDeadline(t *testing.T) {
	adapter := relaytest.NewAdapter()
	adapter.Hold = make(chan struct{})
	d := newDispatcher(t, adapter, nil, fastRetry(3))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: timeout, CreateSession: true})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, relay.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	var timeoutErr *relay.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, timeout, timeoutErr.Timeout)
	assert.Equal(t, 1, timeoutErr.Attempts)

	sends := adapter.Sends()
	require.Len(t, sends, 1, "a send cut short by the deadline is not retried")
	assert.Equal(t, []string{sends[0].RequestID}, adapter.Abandoned())
	assert.Equal(t, 0, d.Stats().Pending)
}

func TestSendAndAwaitThrottledSendTimesOutAtDeadline(t *testing.T) {
	inner := relaytest.NewAdapter()
	limiter := governance.NewSendLimiter(governance.RateLimiterConfig{RequestsPerSecond: 0.1, BurstSize: 1})
	d := newDispatcher(t, transport.Throttle(inner, limiter, "tc3"), nil, fastRetry(3))

	first := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{CreateSession: true})
	env, ok := inner.Next(wait)
	require.True(t, ok)
	require.True(t, inner.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{})))
	require.NoError(t, await(t, first).err)

	// The next send would wait about ten seconds for budget
	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := d.SendAndAwait(context.Background(), "chat-2", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: timeout, CreateSession: true})
	elapsed := time.Since(start)

	assert.True(t, relay.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
	assert.Len(t, inner.Sends(), 1)
}

func TestSendAndAwaitPendingPollsDoNotConsumeAttempts(t *testing.T) {
	clock := relaytest.NewFakeClock(time.Unix(0, 0))
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, clock, fastRetry(2))

	start := clock.Now()
	ch := sendAsync(d, context.Background(), "chat-7", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: 5 * time.Second, CreateSession: true})

	for {
		env, ok := adapter.Next(wait)
		require.True(t, ok)

		if clock.Now().Sub(start) >= 4900*time.Millisecond {
			clock.Advance(50 * time.Millisecond)
			require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{Payload: []byte("real")})))
			break
		}

		require.True(t, adapter.Deliver(env.RequestID, relay.PendingOutcome(100*time.Millisecond)))
		require.True(t, clock.BlockUntil(2, wait), "waiter should schedule a re-poll")
		clock.Advance(100 * time.Millisecond)
	}

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("real"), r.reply.Payload)

	sends := adapter.Sends()
	assert.Len(t, sends, 50)
	for _, env := range sends {
		assert.Equal(t, sends[0].RequestID, env.RequestID)
		assert.Equal(t, 1, env.Attempt)
	}
}

func TestSendAndAwaitPendingBoundedByDeadline(t *testing.T) {
	clock := relaytest.NewFakeClock(time.Unix(0, 0))
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, clock, fastRetry(2))

	ch := sendAsync(d, context.Background(), "chat-7", relay.Request{Command: "talk"},
		relay.SendOptions{Timeout: time.Second, CreateSession: true})

	for i := 0; i < 10; i++ {
		env, ok := adapter.Next(wait)
		require.True(t, ok)
		require.True(t, adapter.Deliver(env.RequestID, relay.PendingOutcome(100*time.Millisecond)))
		require.True(t, clock.BlockUntil(2, wait))
		clock.Advance(100 * time.Millisecond)
	}

	r := await(t, ch)
	assert.True(t, relay.IsTimeout(r.err))
}

func TestSendAndAwaitDuplicateInFlight(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	first := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{CreateSession: true})
	env, ok := adapter.Next(wait)
	require.True(t, ok)

	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{})
	require.Error(t, err)
	assert.True(t, relay.IsDuplicateInFlight(err))

	var dup *relay.DuplicateInFlightError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, env.RequestID, dup.RequestID)

	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{})))
	require.NoError(t, await(t, first).err)

	// The session accepts the next request once the first resolved
	second := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{})
	env, ok = adapter.Next(wait)
	require.True(t, ok)
	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{})))
	require.NoError(t, await(t, second).err)
}

func TestSendAndAwaitConcurrentSessions(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	keys := []relay.SessionKey{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key relay.SessionKey) {
			defer wg.Done()
			reply, err := d.SendAndAwait(context.Background(), key, relay.Request{Command: string(key)},
				relay.SendOptions{CreateSession: true})
			if assert.NoError(t, err) {
				assert.Equal(t, []byte(key), reply.Payload)
			}
		}(key)
	}

	for range keys {
		env, ok := adapter.Next(wait)
		require.True(t, ok)
		go adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{Payload: []byte(env.SessionKey)}))
	}
	wg.Wait()
	assert.Equal(t, len(keys), d.Stats().Sessions)
}

func TestSendAndAwaitSessionNotFound(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	_, err := d.SendAndAwait(context.Background(), "missing", relay.Request{Command: "talk"}, relay.SendOptions{})
	assert.True(t, relay.IsSessionNotFound(err))
	assert.Empty(t, adapter.Sends())
}

func TestSendAndAwaitRetriesTransientSendError(t *testing.T) {
	adapter := relaytest.NewAdapter()
	adapter.SendErr = func(relay.Envelope) error { return errors.New("connection reset") }
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{CreateSession: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrTransport)
	assert.NotErrorIs(t, err, relay.ErrFatalTransport)

	var transportErr *relay.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 2, transportErr.Attempts)
	assert.EqualError(t, transportErr.Cause, "connection reset")

	sends := adapter.Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, sends[0].RequestID, sends[1].RequestID)
	assert.Equal(t, 1, sends[0].Attempt)
	assert.Equal(t, 2, sends[1].Attempt)

	rec, ok := d.Session("chat-1")
	require.True(t, ok)
	assert.Equal(t, relay.StateCreated, rec.State(), "non-critical exhaustion only reports")
}

func TestSendAndAwaitRetriesTransientOutcome(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(3))

	ch := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{CreateSession: true})

	env, ok := adapter.Next(wait)
	require.True(t, ok)
	require.True(t, adapter.Deliver(env.RequestID, relay.TransientOutcome(errors.New("503"))))

	env, ok = adapter.Next(wait)
	require.True(t, ok)
	assert.Equal(t, 2, env.Attempt)
	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{Payload: []byte("ok")})))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("ok"), r.reply.Payload)
}

func TestSendAndAwaitFatalNeverRetries(t *testing.T) {
	adapter := relaytest.NewAdapter()
	adapter.SendErr = func(relay.Envelope) error { return relay.Fatal(errors.New("unknown scenario")) }
	d := newDispatcher(t, adapter, nil, fastRetry(5))

	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "load"},
		relay.SendOptions{CreateSession: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrFatalTransport)
	assert.True(t, relay.IsFatal(err))
	assert.Len(t, adapter.Sends(), 1)
}

func TestSendAndAwaitCriticalExhaustionFailsSession(t *testing.T) {
	adapter := relaytest.NewAdapter()
	adapter.SendErr = func(relay.Envelope) error { return errors.New("socket closed") }
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	_, err := d.SendAndAwait(context.Background(), "scenario-1", relay.Request{Command: "load", Critical: true},
		relay.SendOptions{CreateSession: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrFatalTransport)

	rec, ok := d.Session("scenario-1")
	require.True(t, ok)
	assert.Equal(t, relay.StateFailed, rec.State())
}

func TestSendAndAwaitFailSessionOnError(t *testing.T) {
	adapter := relaytest.NewAdapter()
	adapter.SendErr = func(relay.Envelope) error { return errors.New("socket closed") }
	retry := fastRetry(1)
	retry.FailSessionOnError = true
	d := newDispatcher(t, adapter, nil, retry)

	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"},
		relay.SendOptions{CreateSession: true})
	require.Error(t, err)
	assert.NotErrorIs(t, err, relay.ErrFatalTransport)

	rec, _ := d.Session("chat-1")
	assert.Equal(t, relay.StateFailed, rec.State())
}

func TestSendAndAwaitCancellation(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(d, ctx, "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{CreateSession: true})

	env, ok := adapter.Next(wait)
	require.True(t, ok)
	cancel()

	r := await(t, ch)
	assert.True(t, relay.IsCancelled(r.err))
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, []string{env.RequestID}, adapter.Abandoned())
	assert.False(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{})))
}

func TestFullRegistryNeverEvictsBusySession(t *testing.T) {
	adapter := relaytest.NewAdapter()
	cfg := testConfig()
	cfg.CacheCapacity = 1
	d, err := relay.NewDispatcher(adapter, relay.Options{Config: cfg, Retry: fastRetry(2)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	talk := relay.Request{Command: "talk"}

	first := sendAsync(d, ctx, "chat-A", talk, relay.SendOptions{CreateSession: true})
	env, ok := adapter.Next(wait)
	require.True(t, ok)

	_, err = d.OpenSession(ctx, "chat-B", nil)
	assert.ErrorIs(t, err, relay.ErrCacheFull)
	_, err = d.SendAndAwait(ctx, "chat-B", talk, relay.SendOptions{CreateSession: true})
	assert.ErrorIs(t, err, relay.ErrCacheFull)

	// chat-A still owns its record, so a second request is refused
	_, err = d.SendAndAwait(ctx, "chat-A", talk, relay.SendOptions{CreateSession: true})
	assert.True(t, relay.IsDuplicateInFlight(err))
	assert.Len(t, adapter.Sends(), 1)

	require.True(t, adapter.Deliver(env.RequestID, relay.ReplyOutcome(&relay.Reply{})))
	require.NoError(t, await(t, first).err)

	// Once idle, chat-A makes room for chat-B
	_, err = d.OpenSession(ctx, "chat-B", nil)
	require.NoError(t, err)
	_, ok = d.Session("chat-A")
	assert.False(t, ok)
}

func TestOpenSessionRejectsDuplicate(t *testing.T) {
	d := newDispatcher(t, relaytest.NewAdapter(), nil, fastRetry(2))

	rec, err := d.OpenSession(context.Background(), "domain-1", "owner")
	require.NoError(t, err)
	assert.Equal(t, relay.StateCreated, rec.State())

	_, err = d.OpenSession(context.Background(), "domain-1", "other")
	assert.ErrorIs(t, err, relay.ErrDuplicateSession)
}

func TestCloseSessionCancelsInFlight(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	ch := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{CreateSession: true})
	env, ok := adapter.Next(wait)
	require.True(t, ok)

	require.NoError(t, d.CloseSession(context.Background(), "chat-1"))

	r := await(t, ch)
	assert.True(t, relay.IsCancelled(r.err))
	assert.Equal(t, []string{env.RequestID}, adapter.Abandoned())
	assert.Equal(t, []relay.SessionKey{"chat-1"}, adapter.ClosedSessions())

	_, ok = d.Session("chat-1")
	assert.False(t, ok)
	assert.True(t, relay.IsSessionNotFound(d.CloseSession(context.Background(), "chat-1")))
}

func TestCloseResolvesWaiters(t *testing.T) {
	adapter := relaytest.NewAdapter()
	d := newDispatcher(t, adapter, nil, fastRetry(2))

	ch := sendAsync(d, context.Background(), "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{CreateSession: true})
	_, ok := adapter.Next(wait)
	require.True(t, ok)

	require.NoError(t, d.Close())
	r := await(t, ch)
	assert.ErrorIs(t, r.err, relay.ErrDispatcherClosed)

	_, err := d.SendAndAwait(context.Background(), "chat-1", relay.Request{Command: "talk"}, relay.SendOptions{})
	assert.ErrorIs(t, err, relay.ErrDispatcherClosed)
	require.NoError(t, d.Close())
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	clock := relaytest.NewFakeClock(time.Unix(0, 0))
	d, err := relay.NewDispatcher(relaytest.NewAdapter(), relay.Options{
		Config: relay.Config{
			CacheCapacity:  4,
			DefaultTimeout: time.Second,
			PollInterval:   100 * time.Millisecond,
			SweepInterval:  time.Second,
			SessionTTL:     time.Minute,
		},
		Clock: clock,
	})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.OpenSession(context.Background(), "idle", nil)
	require.NoError(t, err)

	requests, sessions := d.Sweep()
	assert.Equal(t, 0, requests)
	assert.Equal(t, 0, sessions)

	clock.Advance(2 * time.Minute)
	_, sessions = d.Sweep()
	assert.Equal(t, 1, sessions)
	_, ok := d.Session("idle")
	assert.False(t, ok)
}

func TestRunStopsOnClose(t *testing.T) {
	clock := relaytest.NewFakeClock(time.Unix(0, 0))
	d := newDispatcher(t, relaytest.NewAdapter(), clock, fastRetry(2))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.True(t, clock.BlockUntil(1, wait))
	clock.Advance(time.Second)
	require.True(t, clock.BlockUntil(1, wait), "sweeper should re-arm after a tick")

	require.NoError(t, d.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not stop")
	}
}

func TestReconfigure(t *testing.T) {
	d := newDispatcher(t, relaytest.NewAdapter(), nil, fastRetry(2))

	cfg := testConfig()
	cfg.CacheCapacity = 99
	cfg.DefaultTimeout = time.Second
	require.NoError(t, d.Reconfigure(cfg, fastRetry(4)))
	assert.Equal(t, 16, d.Stats().Capacity)

	cfg.DefaultTimeout = 0
	assert.Error(t, d.Reconfigure(cfg, fastRetry(4)))
	assert.Error(t, d.Reconfigure(testConfig(), governance.RetryConfig{}))
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := relay.NewDispatcher(nil, relay.Options{})
	assert.Error(t, err)

	d, err := relay.NewDispatcher(relaytest.NewAdapter(), relay.Options{})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, relay.DefaultConfig().CacheCapacity, d.Stats().Capacity)
}
