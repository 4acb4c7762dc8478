// Package rest is a relay adapter for HTTP conversation services. Each send
// is a PUT of the turn to the session resource; the response body is the
// correlated outcome. Closing a session deletes the remote script.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/transport"
)

const maxResponseBytes = 1 << 20

// Config holds REST adapter settings
type Config struct {
	BaseURL        string            `yaml:"base_url" json:"base_url"`
	RequestTimeout time.Duration     `yaml:"request_timeout" json:"request_timeout"`
	WaitMarker     string            `yaml:"wait_marker" json:"wait_marker"`
	PollInterval   time.Duration     `yaml:"poll_interval" json:"poll_interval"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
}

// DefaultConfig returns defaults matching a local conversation service
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 10 * time.Second,
		WaitMarker:     DefaultWaitMarker,
		PollInterval:   100 * time.Millisecond,
	}
}

type call struct {
	cancel context.CancelFunc
}

// Adapter implements relay.Adapter and relay.SessionCloser over HTTP.
type Adapter struct {
	base   *url.URL
	config Config
	codec  transport.Codec
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	sink     relay.ReplySink
	inFlight map[string]*call
	wg       sync.WaitGroup
}

var (
	_ relay.Adapter       = (*Adapter)(nil)
	_ relay.SessionCloser = (*Adapter)(nil)
)

// New creates an adapter for the service at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		base:   base,
		config: cfg,
		codec:  JSONCodec{WaitMarker: cfg.WaitMarker, PollInterval: cfg.PollInterval},
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   logger,
		inFlight: make(map[string]*call),
	}, nil
}

// Bind implements relay.Adapter.
func (a *Adapter) Bind(sink relay.ReplySink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Send encodes env and performs the PUT in the background.
func (a *Adapter) Send(ctx context.Context, env relay.Envelope) error {
	body, err := a.codec.Encode(env)
	if err != nil {
		return relay.Fatal(fmt.Errorf("failed to encode request: %w", err))
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{cancel: cancel}

	a.mu.Lock()
	if prev, ok := a.inFlight[env.RequestID]; ok {
		prev.cancel()
	}
	a.inFlight[env.RequestID] = c
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(env.RequestID, c)

		outcome := a.put(callCtx, env, body)
		if callCtx.Err() != nil {
			return
		}

		a.mu.Lock()
		sink := a.sink
		a.mu.Unlock()
		if sink != nil {
			sink.OnReply(env.RequestID, outcome)
		}
	}()
	return nil
}

func (a *Adapter) put(ctx context.Context, env relay.Envelope, body []byte) relay.Outcome {
	target := a.sessionURL(env.SessionKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return relay.FatalOutcome(fmt.Errorf("failed to build request: %w", err))
	}
	a.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", env.RequestID)

	resp, err := a.client.Do(req)
	if err != nil {
		return relay.TransientOutcome(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return relay.TransientOutcome(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return relay.TransientOutcome(fmt.Errorf("PUT %s: status %d", target, resp.StatusCode))
	case resp.StatusCode >= 400:
		return relay.FatalOutcome(fmt.Errorf("PUT %s: status %d: %s", target, resp.StatusCode, bytes.TrimSpace(data)))
	}

	decoded, err := a.codec.Decode(data)
	if err != nil {
		return relay.FatalOutcome(err)
	}
	if decoded.RequestID != "" && decoded.RequestID != env.RequestID {
		a.logger.Warn("Response carries a different request id",
			"request_id", env.RequestID,
			"response_request_id", decoded.RequestID,
		)
	}
	return decoded.Outcome
}

// Abandon cancels the HTTP call for requestID.
func (a *Adapter) Abandon(requestID string) {
	a.mu.Lock()
	c, ok := a.inFlight[requestID]
	if ok {
		delete(a.inFlight, requestID)
	}
	a.mu.Unlock()

	if ok {
		c.cancel()
	}
}

// CloseSession deletes the remote conversation script.
func (a *Adapter) CloseSession(ctx context.Context, key relay.SessionKey, sessionID string) error {
	target := a.sessionURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	a.setHeaders(req)
	req.Header.Set("X-Session-Id", sessionID)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE %s: status %d", target, resp.StatusCode)
	}
	return nil
}

// Close cancels outstanding calls and waits for their goroutines.
func (a *Adapter) Close() error {
	a.mu.Lock()
	for id, c := range a.inFlight {
		c.cancel()
		delete(a.inFlight, id)
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) release(requestID string, c *call) {
	a.mu.Lock()
	if current, ok := a.inFlight[requestID]; ok && current == c {
		delete(a.inFlight, requestID)
	}
	a.mu.Unlock()
	c.cancel()
}

func (a *Adapter) sessionURL(key relay.SessionKey) string {
	return a.base.JoinPath("sessions", string(key)).String()
}

func (a *Adapter) setHeaders(req *http.Request) {
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}
