package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/transport"
	"github.com/polisai/polis-relay/pkg/transport/framed"
	"github.com/polisai/polis-relay/pkg/transport/inproc"
	"github.com/polisai/polis-relay/pkg/transport/rest"
)

// app owns the dispatcher and the adapter stack behind it.
type app struct {
	dispatcher *relay.Dispatcher
	limiter    *governance.SendLimiter // nil when sends are not throttled
	closer     io.Closer
	logger     *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger, metrics *relay.Metrics) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adapter, limiter, closer, err := buildAdapter(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	d, err := relay.NewDispatcher(adapter, relay.Options{
		Config:  cfg.Relay,
		Retry:   cfg.Retry,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &app{dispatcher: d, limiter: limiter, closer: closer, logger: logger}, nil
}

// reconfigure applies a reloaded configuration to the running dispatcher and
// send limiter. The transport kind and breaker settings need a restart.
func (r *app) reconfigure(cfg *config.Config) error {
	if err := config.ReconfigureDispatcher(r.dispatcher)(cfg); err != nil {
		return err
	}
	if r.limiter == nil {
		if cfg.Transport.RateLimit.RequestsPerSecond > 0 {
			r.logger.Warn("Send rate limit cannot be enabled at runtime, restart to apply",
				"requests_per_second", cfg.Transport.RateLimit.RequestsPerSecond,
			)
		}
		return nil
	}
	r.limiter.Configure(cfg.Transport.RateLimit)
	r.logger.Info("Send rate limit reconfigured",
		"requests_per_second", cfg.Transport.RateLimit.RequestsPerSecond,
		"burst_size", cfg.Transport.RateLimit.BurstSize,
	)
	return nil
}

// Close stops the dispatcher before the transport so no reply arrives for a
// torn down table.
func (r *app) Close() {
	_ = r.dispatcher.Close()
	if err := r.closer.Close(); err != nil {
		r.logger.Warn("Failed to close transport", "error", err)
	}
}

// buildAdapter creates the configured transport wrapped in the optional
// circuit breaker and send limiter. The limiter is nil when disabled.
func buildAdapter(cfg config.TransportConfig, logger *slog.Logger) (relay.Adapter, *governance.SendLimiter, io.Closer, error) {
	var (
		base     relay.Adapter
		closer   io.Closer
		endpoint string
	)

	switch strings.ToLower(cfg.Kind) {
	case config.TransportInproc:
		a, err := inproc.New(echoHandler, cfg.Inproc, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create inproc transport: %w", err)
		}
		base, closer, endpoint = a, a, config.TransportInproc
	case config.TransportREST:
		a, err := rest.New(cfg.REST, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create rest transport: %w", err)
		}
		base, closer, endpoint = a, a, cfg.REST.BaseURL
	case config.TransportFramed:
		a, err := framed.New(cfg.Framed, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create framed transport: %w", err)
		}
		base, closer, endpoint = a, a, cfg.Framed.Address
	default:
		return nil, nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}

	adapter := base
	if cfg.CircuitBreaker.MaxFailures > 0 {
		adapter = transport.Guard(adapter, governance.NewCircuitBreaker(cfg.CircuitBreaker))
	}
	var limiter *governance.SendLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = governance.NewSendLimiter(cfg.RateLimit)
		adapter = transport.Throttle(adapter, limiter, endpoint)
	}
	return adapter, limiter, closer, nil
}

// echoHandler answers every request with its own payload. The "End" command
// completes the session.
func echoHandler(ctx context.Context, env relay.Envelope) relay.Outcome {
	if err := ctx.Err(); err != nil {
		return relay.FatalOutcome(err)
	}
	if strings.EqualFold(env.Request.Command, "fail") {
		return relay.FatalOutcome(errors.New(string(env.Request.Payload)))
	}
	return relay.ReplyOutcome(&relay.Reply{
		RequestID: env.RequestID,
		Command:   env.Request.Command,
		Payload:   env.Request.Payload,
		Final:     strings.EqualFold(env.Request.Command, rest.ActionEnd),
	})
}
