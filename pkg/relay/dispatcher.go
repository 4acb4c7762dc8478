package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
)

// Options configures a Dispatcher. Zero values fall back to defaults.
type Options struct {
	Config  Config
	Retry   governance.RetryConfig
	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Dispatcher correlates outbound requests with asynchronous replies. It owns
// the session registry and the pending request table and drives the retry
// policy for every in-flight request.
type Dispatcher struct {
	adapter  Adapter
	registry *SessionRegistry
	pending  *PendingTable
	retry    *governance.RetryPolicy
	clock    Clock
	logger   *slog.Logger
	log      *StructuredLogger
	metrics  *Metrics

	mu     sync.RWMutex
	config Config

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
}

// Stats is a point-in-time view of dispatcher occupancy.
type Stats struct {
	Sessions int `json:"sessions"`
	Pending  int `json:"pending"`
	Capacity int `json:"capacity"`
}

// NewDispatcher creates a dispatcher bound to adapter.
func NewDispatcher(adapter Adapter, opts Options) (*Dispatcher, error) {
	if adapter == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}

	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	retryCfg := opts.Retry
	if retryCfg == (governance.RetryConfig{}) {
		retryCfg = governance.DefaultRetryConfig()
	}
	if err := retryCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := NewSessionRegistry(cfg.CacheCapacity, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}
	registry.SetMetrics(opts.Metrics)

	d := &Dispatcher{
		adapter:  adapter,
		registry: registry,
		pending:  NewPendingTable(clock, logger),
		retry:    governance.NewRetryPolicy(retryCfg),
		clock:    clock,
		logger:   logger,
		log:      NewStructuredLogger(logger),
		metrics:  opts.Metrics,
		config:   cfg,
		stop:     make(chan struct{}),
	}
	adapter.Bind(d)
	return d, nil
}

func (d *Dispatcher) currentConfig() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// SendAndAwait sends req on the session for key and blocks until the
// correlated reply arrives, the deadline elapses, retries are exhausted or
// ctx is cancelled.
func (d *Dispatcher) SendAndAwait(ctx context.Context, key SessionKey, req Request, opts SendOptions) (*Reply, error) {
	start := d.clock.Now()
	requestID := NewRequestID()

	ctx, span := startSpan(ctx, "relay.SendAndAwait", requestAttrs(key, requestID, req)...)

	reply, attempts, err := d.sendAndAwait(ctx, key, requestID, req, opts, start)

	duration := d.clock.Now().Sub(start)
	d.metrics.RecordRequest(req.Command, outcomeLabel(err), duration)
	d.metrics.SetPendingRequests(d.pending.Len())
	d.log.LogRequest(ctx, key, requestID, req.Command, attempts, duration, err)
	endSpan(span, attempts, err)

	return reply, err
}

func (d *Dispatcher) sendAndAwait(ctx context.Context, key SessionKey, requestID string, req Request, opts SendOptions, start time.Time) (*Reply, int, error) {
	if d.closed.Load() {
		return nil, 0, ErrDispatcherClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	rec, err := d.claim(key, requestID, opts, start)
	if err != nil {
		return nil, 0, err
	}
	defer rec.end(requestID)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.currentConfig().DefaultTimeout
	}

	p, err := d.pending.Register(requestID, key, timeout)
	if err != nil {
		return nil, 0, err
	}
	d.metrics.SetPendingRequests(d.pending.Len())

	reply, err := d.await(ctx, rec, p, req, timeout)
	if err != nil {
		return nil, p.Attempts(), err
	}

	next := StateActive
	if reply.Final {
		next = StateCompleted
	}
	if rec.transition(next, d.clock.Now()) && next == StateCompleted {
		d.log.LogSessionEvent(ctx, "completed", rec)
	}
	return reply, p.Attempts(), nil
}

// claim marks requestID in flight on the session for key. A record detached
// between lookup and begin is looked up again.
func (d *Dispatcher) claim(key SessionKey, requestID string, opts SendOptions, start time.Time) (*SessionRecord, error) {
	for {
		rec, err := d.lookup(key, opts)
		if err != nil {
			return nil, err
		}
		busy, ok := rec.begin(requestID, start)
		if ok {
			return rec, nil
		}
		if busy != "" {
			return nil, &DuplicateInFlightError{Key: key, RequestID: busy}
		}
	}
}

func (d *Dispatcher) lookup(key SessionKey, opts SendOptions) (*SessionRecord, error) {
	if rec, ok := d.registry.Get(key); ok {
		return rec, nil
	}
	if !opts.CreateSession {
		return nil, &SessionNotFoundError{Key: key}
	}
	return d.registry.GetOrCreate(key, func(k SessionKey) (*SessionRecord, error) {
		return NewSessionRecord(k, opts.Owner, d.clock.Now()), nil
	})
}

// exchange is the waiter-side state of one SendAndAwait call. It is only
// touched by the calling goroutine.
type exchange struct {
	d       *Dispatcher
	rec     *SessionRecord
	p       *PendingRequest
	req     Request
	timeout time.Duration
	attempt int

	deadline Timer
	resend   Timer
}

func (d *Dispatcher) await(ctx context.Context, rec *SessionRecord, p *PendingRequest, req Request, timeout time.Duration) (*Reply, error) {
	x := &exchange{
		d:       d,
		rec:     rec,
		p:       p,
		req:     req,
		timeout: timeout,
		attempt: 1,
	}
	x.deadline = d.clock.NewTimer(p.Deadline().Sub(d.clock.Now()))
	defer x.stopTimers()

	x.send(ctx)

	for {
		var resendC <-chan time.Time
		if x.resend != nil {
			resendC = x.resend.C()
		}

		select {
		case <-p.Done():
			return x.result()

		case <-ctx.Done():
			err := fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
			if d.pending.Resolve(p.RequestID, Resolution{Err: err}) {
				d.adapter.Abandon(p.RequestID)
			}
			return x.result()

		case <-x.deadline.C():
			x.expire()
			return x.result()

		case <-resendC:
			x.resend = nil
			x.send(ctx)

		case o := <-p.Signals():
			x.handle(o)
		}
	}
}

// result waits for whichever resolver won and returns its outcome.
func (x *exchange) result() (*Reply, error) {
	<-x.p.Done()
	res, _ := x.p.Result()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Reply, nil
}

// expire resolves the request with a TimeoutError for the current attempt.
func (x *exchange) expire() {
	err := &TimeoutError{
		Key:       x.rec.Key,
		RequestID: x.p.RequestID,
		Timeout:   x.timeout,
		Attempts:  x.p.Attempts(),
	}
	if x.d.pending.Resolve(x.p.RequestID, Resolution{Err: err}) {
		x.d.adapter.Abandon(x.p.RequestID)
	}
}

// send hands the envelope to the adapter. The send is bounded by the
// request deadline; a send cut short by it times the request out.
func (x *exchange) send(ctx context.Context) {
	env := Envelope{
		SessionKey: x.rec.Key,
		SessionID:  x.rec.ID,
		RequestID:  x.p.RequestID,
		Attempt:    x.attempt,
		Request:    x.req,
	}

	sendCtx, cancel := context.WithTimeout(ctx, x.p.Deadline().Sub(x.d.clock.Now()))
	err := x.d.adapter.Send(sendCtx, env)
	cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// The waiter loop resolves the cancellation.
	case errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		x.expire()
	default:
		kind := governance.KindTransient
		if IsFatal(err) {
			kind = governance.KindFatal
		}
		x.fail(kind, err)
	}
}

func (x *exchange) handle(o Outcome) {
	switch o.Kind {
	case OutcomePending:
		if x.resend != nil {
			return
		}
		delay := o.RetryAfter
		if delay <= 0 {
			delay = x.d.currentConfig().PollInterval
		}
		x.scheduleResend(delay)
		x.d.metrics.RecordPendingPoll(x.req.Command)

	case OutcomeTransient:
		cause := o.Err
		if cause == nil {
			cause = ErrTransientTransport
		}
		x.fail(governance.KindTransient, cause)

	case OutcomeFatal:
		cause := o.Err
		if cause == nil {
			cause = ErrFatalTransport
		}
		x.fail(governance.KindFatal, cause)
	}
}

// fail applies the retry policy to a failed attempt. A retry refreshes the
// deadline and schedules a resend with the same request id; giving up
// resolves the request with a TransportError.
func (x *exchange) fail(kind governance.ErrorKind, cause error) {
	d := x.d
	decision := d.retry.Decide(x.attempt, kind, x.req.Critical)

	if decision.ShouldRetry() {
		now := d.clock.Now()
		deadline := now.Add(decision.Delay + x.timeout)
		if !d.pending.Refresh(x.p.RequestID, deadline, x.attempt+1) {
			return
		}
		x.attempt++
		x.resetDeadline(deadline.Sub(now))
		x.scheduleResend(decision.Delay)
		d.metrics.RecordRetry(x.req.Command)

		d.logger.Warn("Retrying request after transport error",
			"session_key", x.rec.Key,
			"request_id", x.p.RequestID,
			"command", x.req.Command,
			"attempt", x.attempt,
			"delay", decision.Delay,
			"error", cause,
		)
		return
	}

	err := &TransportError{
		Key:       x.rec.Key,
		RequestID: x.p.RequestID,
		Attempts:  x.attempt,
		Fatal:     decision.Fatal,
		Cause:     cause,
	}
	if !d.pending.Resolve(x.p.RequestID, Resolution{Err: err}) {
		return
	}

	if decision.FailSession && x.rec.transition(StateFailed, d.clock.Now()) {
		d.logger.Error("Session failed",
			"session_key", x.rec.Key,
			"session_id", x.rec.ID,
			"request_id", x.p.RequestID,
			"critical", x.req.Critical,
			"reason", decision.Reason,
		)
	}
}

func (x *exchange) scheduleResend(delay time.Duration) {
	if x.resend != nil {
		x.resend.Stop()
	}
	x.resend = x.d.clock.NewTimer(delay)
}

func (x *exchange) resetDeadline(d time.Duration) {
	x.deadline.Stop()
	x.deadline = x.d.clock.NewTimer(d)
}

func (x *exchange) stopTimers() {
	x.deadline.Stop()
	if x.resend != nil {
		x.resend.Stop()
	}
}

// OnReply implements ReplySink. Replies resolve the waiting caller directly;
// pending, transient and fatal outcomes are handed to the waiter so it can
// apply the retry policy. Late or duplicate deliveries are dropped.
func (d *Dispatcher) OnReply(requestID string, outcome Outcome) bool {
	var delivered bool

	switch outcome.Kind {
	case OutcomeReply:
		reply := Reply{}
		if outcome.Reply != nil {
			reply = *outcome.Reply
		}
		reply.RequestID = requestID
		delivered = d.pending.Resolve(requestID, Resolution{Reply: &reply})
	default:
		delivered = d.pending.Signal(requestID, outcome)
	}

	if !delivered {
		d.log.LogLateReply(requestID, outcome.Kind)
		d.metrics.RecordLateReply()
	}
	return delivered
}

// OpenSession registers a new session for key. It fails with
// DuplicateSessionError when key is already mapped.
func (d *Dispatcher) OpenSession(ctx context.Context, key SessionKey, owner any) (*SessionRecord, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	_, span := startSpan(ctx, "relay.OpenSession")
	defer span.End()

	return d.registry.Create(key, owner)
}

// CloseSession removes the session for key. An in-flight request is resolved
// as cancelled and the adapter is told to release remote session state.
func (d *Dispatcher) CloseSession(ctx context.Context, key SessionKey) error {
	ctx, span := startSpan(ctx, "relay.CloseSession")
	defer span.End()

	rec, ok := d.registry.Remove(key)
	if !ok {
		return &SessionNotFoundError{Key: key}
	}
	d.metrics.RecordSessionEvent(SessionEventClosed)

	if id, busy := rec.InFlight(); busy {
		err := fmt.Errorf("%w: session %s closed", ErrCancelled, key)
		if d.pending.Resolve(id, Resolution{Err: err}) {
			d.adapter.Abandon(id)
		}
	}
	d.log.LogSessionEvent(ctx, SessionEventClosed, rec)

	if closer, ok := d.adapter.(SessionCloser); ok {
		if err := closer.CloseSession(ctx, key, rec.ID); err != nil {
			return fmt.Errorf("failed to close remote session %s: %w", key, err)
		}
	}
	return nil
}

// Session returns the record registered for key.
func (d *Dispatcher) Session(key SessionKey) (*SessionRecord, bool) {
	return d.registry.Get(key)
}

// Stats returns current occupancy.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sessions: d.registry.Len(),
		Pending:  d.pending.Len(),
		Capacity: d.currentConfig().CacheCapacity,
	}
}

// Run sweeps expired requests and idle sessions every SweepInterval until ctx
// is done or the dispatcher is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		t := d.clock.NewTimer(d.currentConfig().SweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-d.stop:
			t.Stop()
			return nil
		case <-t.C():
			d.Sweep()
		}
	}
}

// Sweep resolves requests whose deadline passed without their waiter noticing
// and removes idle sessions. It returns how many of each were cleaned up.
func (d *Dispatcher) Sweep() (requests, sessions int) {
	reaped := d.pending.ReapExpired(d.clock.Now())
	for _, id := range reaped {
		d.adapter.Abandon(id)
	}

	expired := d.registry.Expire(d.currentConfig().SessionTTL)
	if len(reaped) > 0 || len(expired) > 0 {
		d.logger.Debug("Sweep completed",
			"reaped_requests", len(reaped),
			"expired_sessions", len(expired),
		)
	}
	d.metrics.SetPendingRequests(d.pending.Len())
	return len(reaped), len(expired)
}

// Reconfigure swaps timeouts, sweep settings and the retry policy. The cache
// capacity is fixed at construction and changes to it are ignored.
func (d *Dispatcher) Reconfigure(cfg Config, retry governance.RetryConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}
	if err := d.retry.Configure(retry); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}

	d.mu.Lock()
	if cfg.CacheCapacity != d.config.CacheCapacity {
		d.logger.Warn("Cache capacity cannot change at runtime, keeping current value",
			"current", d.config.CacheCapacity,
			"requested", cfg.CacheCapacity,
		)
		cfg.CacheCapacity = d.config.CacheCapacity
	}
	d.config = cfg
	d.mu.Unlock()

	d.logger.Info("Dispatcher reconfigured",
		"default_timeout", cfg.DefaultTimeout,
		"session_ttl", cfg.SessionTTL,
		"max_attempts", retry.MaxAttempts,
	)
	return nil
}

// Close resolves every in-flight request with ErrDispatcherClosed and stops
// Run. Further sends fail.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		n := d.pending.ResolveAll(ErrDispatcherClosed)
		d.metrics.SetPendingRequests(0)
		d.logger.Info("Dispatcher closed", "resolved_pending", n)
	})
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return OutcomeLabelReply
	case IsTimeout(err):
		return OutcomeLabelTimeout
	case IsCancelled(err), errors.Is(err, ErrDispatcherClosed):
		return OutcomeLabelCancelled
	case errors.Is(err, ErrFatalTransport):
		return OutcomeLabelFatal
	case errors.Is(err, ErrTransport):
		return OutcomeLabelTransport
	default:
		return OutcomeLabelRejected
	}
}
