// Package server is the HTTP surface of the relay: the messages
// endpoint, health, metrics, and the usage snapshot.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/proxy"
)

// domainHeader routes a request to a tenant. When absent, the first
// label of the Host header is used.
const domainHeader = "X-Relay-Domain"

// maxBodyBytes bounds the inbound messages payload.
const maxBodyBytes = 32 << 20

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int
}

// Server serves the relay HTTP API.
type Server struct {
	config   Config
	orch     *proxy.Orchestrator
	tracker  *dispatch.TokenTracker
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// Options wires the server. Orchestrator is required; the rest may be
// nil for defaults.
type Options struct {
	Config   Config
	Orch     *proxy.Orchestrator
	Tracker  *dispatch.TokenTracker
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// New creates the server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   opts.Config,
		orch:     opts.Orch,
		tracker:  opts.Tracker,
		gatherer: opts.Gatherer,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/messages", s.observe("/v1/messages", http.HandlerFunc(s.handleMessages)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /v1/usage", s.observe("/v1/usage", http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("relay listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Addr returns the bound address once Start has been called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	domain := r.Header.Get(domainHeader)
	if domain == "" {
		domain = hostLabel(r.Host)
	}
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "no tenant domain on request")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	resp, err := s.orch.Handle(r.Context(), proxy.Request{
		Domain:        domain,
		RequestID:     r.Header.Get("X-Request-Id"),
		Body:          body,
		Headers:       inboundHeaders(r.Header),
		Authorization: r.Header.Get("Authorization"),
		ReceivedAt:    time.Now(),
	})
	if err != nil {
		status, kind := errorStatus(err)
		s.writeError(w, status, kind, dispatch.Mask(err.Error()))
		return
	}

	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	if !resp.Streaming {
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.Status)
	if err := resp.CopyStream(w); err != nil {
		// Headers are gone; the only channel left is an SSE error event.
		writeStreamError(w, dispatch.Mask(err.Error()))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.tracker == nil {
		_, _ = w.Write([]byte(`[]`))
		return
	}
	if err := json.NewEncoder(w).Encode(s.tracker.Snapshot()); err != nil {
		s.logger.Error("encoding usage snapshot failed", "error", err)
	}
}

// observe wraps a handler with the HTTP duration metric.
func (s *Server) observe(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.ObserveHTTPRequest(r.Method, path, strconv.Itoa(recorder.status), time.Since(start).Seconds())
	})
}

// statusRecorder captures the written status for metrics. Flush is
// forwarded so streaming through the recorder stays unbuffered.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": kind, "message": message},
	})
}

// writeStreamError emits the in-band SSE error event used once headers
// are already written.
func writeStreamError(w http.ResponseWriter, message string) {
	payload, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "stream_error", "message": message},
	})
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// errorStatus maps pipeline errors onto HTTP statuses. Errors carrying
// their own status win; a circuit fast-fail is 503; everything else is
// a masked 500.
func errorStatus(err error) (int, string) {
	var open *infra.CircuitOpenError
	if errors.As(err, &open) {
		return http.StatusServiceUnavailable, "overloaded_error"
	}
	type statusCoder interface{ StatusCode() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		switch {
		case status == http.StatusUnauthorized:
			return status, "authentication_error"
		case status == http.StatusBadRequest:
			return status, "invalid_request_error"
		case status == http.StatusTooManyRequests:
			return status, "rate_limit_error"
		case status >= 500:
			return status, "api_error"
		default:
			return status, "invalid_request_error"
		}
	}
	return http.StatusInternalServerError, "api_error"
}

// hostLabel extracts the first DNS label of a Host header.
func hostLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

// inboundHeaders picks the caller headers forwarded upstream. Routing
// and credential headers never pass through.
func inboundHeaders(src http.Header) http.Header {
	out := http.Header{}
	for _, key := range []string{"anthropic-version", "anthropic-beta", "User-Agent", "Accept"} {
		for _, v := range src.Values(key) {
			out.Add(key, v)
		}
	}
	return out
}
