package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 3 * time.Second
	DefaultPath     = "/health"
)

// Monitor probes every backend's liveness endpoint on a fixed schedule and
// keeps the failure registry current independent of live traffic.
type Monitor struct {
	logger   *slog.Logger
	store    *stats.Store
	backends []*backend.Backend
	client   *http.Client
	interval time.Duration
	path     string
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.client.Timeout = d
		}
	}
}

func WithPath(path string) Option {
	return func(m *Monitor) {
		if path != "" {
			m.path = path
		}
	}
}

func New(logger *slog.Logger, store *stats.Store, backends []*backend.Backend, opts ...Option) *Monitor {
	m := &Monitor{
		logger:   logger,
		store:    store,
		backends: backends,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		interval: DefaultInterval,
		path:     DefaultPath,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run probes all backends every interval until ctx is cancelled. Probe
// failures are recorded and never stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.interval),
		slog.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every backend concurrently and waits for all of them.
// It returns the number of healthy backends.
func (m *Monitor) ProbeAll(ctx context.Context) int {
	results := make([]bool, len(m.backends))

	var g errgroup.Group
	for i, b := range m.backends {
		g.Go(func() error {
			results[i] = m.Probe(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	return healthy
}

// Probe checks one backend, records the outcome and updates the failure
// registry. Only a 200 counts as healthy.
func (m *Monitor) Probe(ctx context.Context, b *backend.Backend) bool {
	key := b.Key()
	start := time.Now()

	healthy, err := m.check(ctx, b)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// Shutting down; an aborted probe says nothing about the backend.
		return false
	}

	m.store.RecordOutcome(key, healthy, elapsed, m.path)
	metrics.HealthProbesTotal.WithLabelValues(key, metrics.Result(healthy)).Inc()

	if healthy {
		if m.store.MarkHealthy(key) {
			metrics.BackendTransitionsTotal.WithLabelValues(key, "up", "healthcheck").Inc()
			m.logger.Info("Health check: server recovered",
				slog.String("server", b.Name()),
				slog.Duration("response_time", elapsed))
		}
		return true
	}

	attrs := []any{slog.String("server", b.Name())}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	m.logger.Debug("Health check failed", attrs...)

	if m.store.MarkFailedIfHealthy(key) {
		metrics.BackendTransitionsTotal.WithLabelValues(key, "down", "healthcheck").Inc()
		m.logger.Warn("Health check: server detected as down", attrs...)
	}
	return false
}

func (m *Monitor) check(ctx context.Context, b *backend.Backend) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Target(m.path, "").String(), nil)
	if err != nil {
		return false, err
	}

	res, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	return res.StatusCode == http.StatusOK, nil
}
