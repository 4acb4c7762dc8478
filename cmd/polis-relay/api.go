package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/relay"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

const maxBodyBytes = 1 << 20

// sendRequest is the body of POST /sessions/{key}/requests
type sendRequest struct {
	Command  string `json:"command"`
	Payload  string `json:"payload"`
	Timeout  string `json:"timeout,omitempty"`
	Critical bool   `json:"critical,omitempty"`
	Create   bool   `json:"create,omitempty"`
}

type replyResponse struct {
	RequestID string            `json:"request_id"`
	Command   string            `json:"command,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Final     bool              `json:"final,omitempty"`
}

type sessionResponse struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	InFlight  string    `json:"in_flight,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func replyView(r *relay.Reply) replyResponse {
	return replyResponse{
		RequestID: r.RequestID,
		Command:   r.Command,
		Payload:   string(r.Payload),
		Fields:    r.Fields,
		Final:     r.Final,
	}
}

func sessionView(rec *relay.SessionRecord) sessionResponse {
	inFlight, _ := rec.InFlight()
	return sessionResponse{
		Key:       string(rec.Key),
		ID:        rec.ID,
		State:     string(rec.State()),
		CreatedAt: rec.CreatedAt,
		InFlight:  inFlight,
	}
}

// api exposes a dispatcher over HTTP.
type api struct {
	dispatcher *relay.Dispatcher
	metrics    *relay.Metrics
	logger     *slog.Logger
	metricsCfg config.MetricsConfig
	maxTimeout time.Duration
}

func newAPI(d *relay.Dispatcher, cfg *config.Config, metrics *relay.Metrics, logger *slog.Logger) *api {
	if logger == nil {
		logger = slog.Default()
	}
	return &api{
		dispatcher: d,
		metrics:    metrics,
		logger:     logger,
		metricsCfg: cfg.Metrics,
		maxTimeout: cfg.Server.MaxRequestTimeout,
	}
}

// Handler returns the instrumented route table.
func (a *api) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /sessions/{key}", a.handleGetSession)
	mux.HandleFunc("PUT /sessions/{key}", a.handleOpenSession)
	mux.HandleFunc("DELETE /sessions/{key}", a.handleCloseSession)
	mux.HandleFunc("POST /sessions/{key}/requests", a.handleSend)
	if a.metrics != nil && a.metricsCfg.Enabled {
		mux.Handle("GET "+a.metricsCfg.Path, a.metrics.Handler())
	}

	return a.metrics.MetricsMiddleware(otelhttp.NewHandler(mux, "polis-relay"))
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  a.dispatcher.Stats(),
	})
}

func (a *api) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := relay.SessionKey(r.PathValue("key"))
	rec, ok := a.dispatcher.Session(key)
	if !ok {
		a.writeError(w, r, &relay.SessionNotFoundError{Key: key})
		return
	}
	writeStatus(w, http.StatusOK, sessionView(rec))
}

func (a *api) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.dispatcher.OpenSession(r.Context(), relay.SessionKey(r.PathValue("key")), r.RemoteAddr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusCreated, sessionView(rec))
}

func (a *api) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.dispatcher.CloseSession(r.Context(), relay.SessionKey(r.PathValue("key"))); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeStatus(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if body.Command == "" {
		writeStatus(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}

	var timeout time.Duration
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			writeStatus(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid timeout %q", body.Timeout)})
			return
		}
		timeout = d
	}
	if a.maxTimeout > 0 && timeout > a.maxTimeout {
		timeout = a.maxTimeout
	}

	reply, err := a.dispatcher.SendAndAwait(r.Context(), relay.SessionKey(r.PathValue("key")),
		relay.Request{Command: body.Command, Payload: []byte(body.Payload), Critical: body.Critical},
		relay.SendOptions{Timeout: timeout, CreateSession: body.Create, Owner: r.RemoteAddr},
	)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, replyView(reply))
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeStatus(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps relay errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case relay.IsSessionNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrDuplicateSession), relay.IsDuplicateInFlight(err):
		return http.StatusConflict
	case relay.IsTimeout(err):
		return http.StatusGatewayTimeout
	case relay.IsCancelled(err):
		return statusClientClosedRequest
	case errors.Is(err, relay.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrDispatcherClosed), errors.Is(err, relay.ErrCacheFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
