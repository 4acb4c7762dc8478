// Package inproc is a relay adapter for collaborators living in the same
// process. Each send is queued and handled on a worker goroutine; the handler
// result is delivered back as the request's outcome.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-relay/pkg/relay"
)

var (
	// ErrQueueFull is returned as a transient error when no worker can take the send
	ErrQueueFull = errors.New("inproc queue is full")

	// ErrClosed is returned as a fatal error after Close
	ErrClosed = errors.New("inproc adapter closed")
)

// Handler answers one envelope. It should honour ctx, which is cancelled when
// the dispatcher abandons the request.
type Handler func(ctx context.Context, env relay.Envelope) relay.Outcome

// Config sizes the worker pool
type Config struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig returns a small pool suitable for tests and local tools
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	env    relay.Envelope
}

// Adapter runs a Handler on a fixed pool of workers.
type Adapter struct {
	handler Handler
	logger  *slog.Logger
	queue   chan *job

	mu       sync.Mutex
	sink     relay.ReplySink
	inFlight map[string]*job
	closed   bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

var _ relay.Adapter = (*Adapter)(nil)

// New starts the worker pool.
func New(handler Handler, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size cannot be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		handler:  handler,
		logger:   logger,
		queue:    make(chan *job, cfg.QueueSize),
		inFlight: make(map[string]*job),
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a, nil
}

// Bind implements relay.Adapter.
func (a *Adapter) Bind(sink relay.ReplySink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Send queues env for a worker. It never blocks.
func (a *Adapter) Send(ctx context.Context, env relay.Envelope) error {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{ctx: jobCtx, cancel: cancel, env: env}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return relay.Fatal(ErrClosed)
	}
	if prev, ok := a.inFlight[env.RequestID]; ok {
		prev.cancel()
	}
	a.inFlight[env.RequestID] = j
	a.mu.Unlock()

	select {
	case a.queue <- j:
		return nil
	default:
		a.forget(j)
		return relay.Transient(ErrQueueFull)
	}
}

// Abandon cancels the handler context of requestID.
func (a *Adapter) Abandon(requestID string) {
	a.mu.Lock()
	j, ok := a.inFlight[requestID]
	if ok {
		delete(a.inFlight, requestID)
	}
	a.mu.Unlock()

	if ok {
		j.cancel()
	}
}

// Close stops the workers after they finish their current job. Queued jobs
// are dropped.
func (a *Adapter) Close() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		for id, j := range a.inFlight {
			j.cancel()
			delete(a.inFlight, id)
		}
		a.mu.Unlock()

		close(a.stop)
		a.wg.Wait()
	})
	return nil
}

func (a *Adapter) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case j := <-a.queue:
			a.run(j)
		}
	}
}

func (a *Adapter) run(j *job) {
	defer a.forget(j)

	if j.ctx.Err() != nil {
		return
	}
	outcome := a.call(j)
	if j.ctx.Err() != nil {
		a.logger.Debug("Discarding outcome of abandoned request",
			"request_id", j.env.RequestID,
			"session_key", j.env.SessionKey,
		)
		return
	}

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		a.logger.Warn("No reply sink bound, dropping outcome", "request_id", j.env.RequestID)
		return
	}
	sink.OnReply(j.env.RequestID, outcome)
}

func (a *Adapter) call(j *job) (outcome relay.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Handler panicked",
				"request_id", j.env.RequestID,
				"command", j.env.Request.Command,
				"panic", r,
			)
			outcome = relay.FatalOutcome(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return a.handler(j.ctx, j.env)
}

func (a *Adapter) forget(j *job) {
	a.mu.Lock()
	if current, ok := a.inFlight[j.env.RequestID]; ok && current == j {
		delete(a.inFlight, j.env.RequestID)
	}
	a.mu.Unlock()
	j.cancel()
}
