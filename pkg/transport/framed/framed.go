// Package framed is a relay adapter for simulator plugins speaking a
// length-prefixed, comma-delimited protocol over TCP. Replies arrive on a
// read loop and are correlated by their requestId field.
package framed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/transport"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("framed adapter closed")

// Config holds TCP adapter settings
type Config struct {
	Address      string        `yaml:"address" json:"address"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxFrameSize int           `yaml:"max_frame_size" json:"max_frame_size"`
	// CloseCommand is sent when a session closes. Empty disables it.
	CloseCommand string `yaml:"close_command" json:"close_command"`
}

// DefaultConfig returns defaults for a local plugin
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1:9090",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxFrameSize: DefaultMaxFrameSize,
		CloseCommand: "Stop",
	}
}

// Adapter implements relay.Adapter over a single TCP connection. A failed
// write drops the connection and is retried once on a fresh one.
type Adapter struct {
	config Config
	codec  transport.Codec
	logger *slog.Logger
	dial   func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex // guards conn and serializes writes
	conn   net.Conn
	closed bool

	sinkMu sync.Mutex
	sink   relay.ReplySink

	wg sync.WaitGroup
}

var (
	_ relay.Adapter       = (*Adapter)(nil)
	_ relay.SessionCloser = (*Adapter)(nil)
)

// New creates an adapter. The connection is opened lazily on first send or
// explicitly with Connect.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	defaults := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaults.MaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Adapter{
		config: cfg,
		codec:  TextCodec{},
		logger: logger,
		dial: func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", cfg.Address)
		},
	}, nil
}

// Bind implements relay.Adapter.
func (a *Adapter) Bind(sink relay.ReplySink) {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	a.sink = sink
}

// Connect opens the connection if it is not already open.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.connectLocked(ctx)
	return err
}

// Connected reports whether a connection is currently open.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Send writes env as one frame.
func (a *Adapter) Send(ctx context.Context, env relay.Envelope) error {
	payload, err := a.codec.Encode(env)
	if err != nil {
		return relay.Fatal(fmt.Errorf("failed to encode request: %w", err))
	}
	return a.write(ctx, payload)
}

// Abandon is a no-op: a written frame cannot be recalled. The late reply is
// dropped by the dispatcher.
func (a *Adapter) Abandon(requestID string) {
	a.logger.Debug("Request abandoned, reply will be ignored", "request_id", requestID)
}

// CloseSession sends the configured close command for key.
func (a *Adapter) CloseSession(ctx context.Context, key relay.SessionKey, sessionID string) error {
	if a.config.CloseCommand == "" {
		return nil
	}
	payload := fmt.Sprintf("%s%s,%s,%s,sessionId,%s", OutboundPrefix, a.config.CloseCommand, FieldSession, key, sessionID)
	if err := a.write(ctx, []byte(payload)); err != nil {
		return fmt.Errorf("failed to send %s for session %s: %w", a.config.CloseCommand, key, err)
	}
	return nil
}

// Close closes the connection and waits for the read loop to exit.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.wg.Wait()
	return err
}

func (a *Adapter) write(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return relay.Fatal(ErrClosed)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := a.connectLocked(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(a.config.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetWriteDeadline(deadline)

		if err := WriteFrame(conn, payload); err != nil {
			lastErr = err
			a.logger.Warn("Write failed, reconnecting",
				"address", a.config.Address,
				"error", err,
			)
			a.dropLocked(conn)
			continue
		}
		return nil
	}
	return relay.Transient(fmt.Errorf("write to %s: %w", a.config.Address, lastErr))
}

func (a *Adapter) connectLocked(ctx context.Context) (net.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	if a.closed {
		return nil, ErrClosed
	}

	conn, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.config.Address, err)
	}
	a.conn = conn
	a.logger.Info("Connected to plugin", "address", a.config.Address)

	a.wg.Add(1)
	go a.readLoop(conn)
	return conn, nil
}

func (a *Adapter) dropLocked(conn net.Conn) {
	if a.conn == conn {
		a.conn = nil
	}
	_ = conn.Close()
}

func (a *Adapter) readLoop(conn net.Conn) {
	defer a.wg.Done()

	for {
		payload, err := ReadFrame(conn, a.config.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("Read loop stopped", "address", a.config.Address, "error", err)
			}
			a.mu.Lock()
			a.dropLocked(conn)
			a.mu.Unlock()
			return
		}

		decoded, err := a.codec.Decode(payload)
		if err != nil {
			a.logger.Warn("Ignoring undecodable frame", "error", err)
			continue
		}
		if decoded.RequestID == "" {
			a.logger.Debug("Ignoring uncorrelated frame", "size", len(payload))
			continue
		}

		a.sinkMu.Lock()
		sink := a.sink
		a.sinkMu.Unlock()
		if sink != nil {
			sink.OnReply(decoded.RequestID, decoded.Outcome)
		}
	}
}
