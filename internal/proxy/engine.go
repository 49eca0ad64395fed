package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
	"github.com/angeloszaimis/taskflow-lb/internal/selector"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
	"github.com/angeloszaimis/taskflow-lb/pkg/logger"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultIdentity     = "TaskFlow-LB/2.0"
	DefaultMaxBodyBytes = 10 << 20

	// UnavailableMessage is the body sent when every candidate failed.
	UnavailableMessage = "Service temporarily unavailable. All backend servers are down."
)

const (
	HeaderUpstreamServer = "X-Upstream-Server"
	HeaderResponseTime   = "X-Response-Time"
	HeaderLoadBalancer   = "X-Load-Balancer"
	HeaderRequestID      = "X-Request-ID"
)

// Hop-by-hop headers apply to a single connection and are never forwarded
// in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response headers that no longer describe the body once it has been
// buffered and decoded.
var framingHeaders = []string{
	"Content-Encoding",
	"Content-Length",
}

// Engine forwards inbound requests to the first candidate backend that
// answers. Any HTTP status counts as an answer; only transport errors and
// timeouts move on to the next candidate.
type Engine struct {
	logger       *slog.Logger
	selector     *selector.Selector
	store        *stats.Store
	client       *http.Client
	identity     string
	maxBodyBytes int64
	budget       time.Duration
}

type Option func(*Engine)

// WithTimeout bounds each forward attempt, body included.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.client.Timeout = d
		}
	}
}

// WithIdentity sets the X-Load-Balancer header value.
func WithIdentity(identity string) Option {
	return func(e *Engine) {
		if identity != "" {
			e.identity = identity
		}
	}
}

// WithMaxBodyBytes limits the size of buffered request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBodyBytes = n
		}
	}
}

// WithRequestBudget bounds the whole failover loop for one inbound request.
// Once it runs out no further candidates are tried and the client gets the
// 503 while the connection can still carry it.
func WithRequestBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

func New(logger *slog.Logger, sel *selector.Selector, store *stats.Store, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger,
		selector: sel,
		store:    store,
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		identity:     DefaultIdentity,
		maxBodyBytes: DefaultMaxBodyBytes,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		e.logger.Warn("Failed to read request body",
			slog.String("client", clientIP),
			slog.String("request_id", requestID),
			slog.Any("err", err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	e.logger.Debug("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("request_id", requestID),
		slog.String("user_agent", r.UserAgent()))

	ctx := r.Context()
	if e.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	candidates := e.selector.Candidates()
	attempted := make([]string, 0, len(candidates))
	var lastErr error

	for _, b := range candidates {
		attempted = append(attempted, b.Name())

		res, elapsed, err := e.attempt(ctx, b, r, body, requestID)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away.
				e.logger.Info("Client cancelled request",
					slog.String("client", clientIP),
					slog.String("request_id", requestID))
				return
			}

			lastErr = err
			e.recordFailure(b, r.URL.Path, elapsed, err, requestID)
			if ctx.Err() != nil {
				lastErr = fmt.Errorf("request budget of %s exhausted: %w", e.budget, err)
				break
			}
			continue
		}

		e.recordSuccess(b, r.URL.Path, elapsed, res.status, requestID)
		e.writeResponse(w, b, res, elapsed, requestID)
		return
	}

	metrics.OutagesTotal.Inc()
	attrs := []any{
		slog.String("client", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", requestID),
		slog.Any("attempted", attempted),
	}
	if lastErr != nil {
		attrs = append(attrs, slog.Any("last_err", lastErr))
	}
	e.logger.Log(r.Context(), logger.LevelCritical, "All backend servers failed", attrs...)

	w.Header().Set(HeaderLoadBalancer, e.identity)
	w.Header().Set(HeaderRequestID, requestID)
	http.Error(w, UnavailableMessage, http.StatusServiceUnavailable)
}

// attempt forwards one request and buffers the complete response. Reading
// the body is part of the attempt, so a backend that dies mid-body counts
// as failed.
func (e *Engine) attempt(ctx context.Context, b *backend.Backend, r *http.Request, body []byte, requestID string) (*upstreamResponse, time.Duration, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, r.Method, b.Target(r.URL.EscapedPath(), r.URL.RawQuery).String(), bytes.NewReader(body))
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("build request: %w", err)
	}

	req.Header = r.Header.Clone()
	removeHopHeaders(req.Header)
	req.Header.Del("Host")
	// Let the transport negotiate compression so the body arrives decoded.
	req.Header.Del("Accept-Encoding")
	req.Header.Set(HeaderRequestID, requestID)
	if remote, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			remote = prior + ", " + remote
		}
		req.Header.Set("X-Forwarded-For", remote)
	}

	res, err := e.client.Do(req)
	if err != nil {
		return nil, time.Since(start), err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, fmt.Errorf("read response body: %w", err)
	}

	return &upstreamResponse{
		status: res.StatusCode,
		header: res.Header,
		body:   payload,
	}, elapsed, nil
}

func (e *Engine) recordSuccess(b *backend.Backend, path string, elapsed time.Duration, status int, requestID string) {
	key := b.Key()

	e.store.RecordOutcome(key, true, elapsed, path)
	metrics.ProxyAttemptsTotal.WithLabelValues(key, metrics.ResultSuccess).Inc()
	metrics.ProxyAttemptDuration.WithLabelValues(key).Observe(elapsed.Seconds())

	if e.store.MarkHealthy(key) {
		metrics.BackendTransitionsTotal.WithLabelValues(key, "up", "proxy").Inc()
		e.logger.Info("Server recovered",
			slog.String("server", b.Name()))
	}

	e.logger.Info("Request forwarded",
		slog.String("server", b.Name()),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Duration("response_time", elapsed),
		slog.String("request_id", requestID))
}

func (e *Engine) recordFailure(b *backend.Backend, path string, elapsed time.Duration, err error, requestID string) {
	key := b.Key()

	e.store.RecordOutcome(key, false, elapsed, path)
	metrics.ProxyAttemptsTotal.WithLabelValues(key, metrics.ResultFailure).Inc()
	metrics.ProxyAttemptDuration.WithLabelValues(key).Observe(elapsed.Seconds())

	if !e.store.MarkFailed(key) {
		metrics.BackendTransitionsTotal.WithLabelValues(key, "down", "proxy").Inc()
	}

	e.logger.Error("Server failed",
		slog.String("server", b.Name()),
		slog.String("path", path),
		slog.Duration("elapsed", elapsed),
		slog.String("request_id", requestID),
		slog.Any("err", err))
}

func (e *Engine) writeResponse(w http.ResponseWriter, b *backend.Backend, res *upstreamResponse, elapsed time.Duration, requestID string) {
	header := w.Header()
	for name, values := range res.header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	removeHopHeaders(header)
	for _, name := range framingHeaders {
		header.Del(name)
	}

	header.Set(HeaderUpstreamServer, b.Key())
	header.Set(HeaderResponseTime, fmt.Sprintf("%.3fs", elapsed.Seconds()))
	header.Set(HeaderLoadBalancer, e.identity)
	header.Set(HeaderRequestID, requestID)

	w.WriteHeader(res.status)
	if _, err := w.Write(res.body); err != nil {
		e.logger.Debug("Failed to write response to client",
			slog.String("request_id", requestID),
			slog.Any("err", err))
	}
}

// removeHopHeaders deletes the hop-by-hop headers, including any named in
// the Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
