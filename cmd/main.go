package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/taskflow-lb/config"
	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/healthcheck"
	"github.com/angeloszaimis/taskflow-lb/internal/httpserver"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
	"github.com/angeloszaimis/taskflow-lb/internal/proxy"
	"github.com/angeloszaimis/taskflow-lb/internal/reporter"
	"github.com/angeloszaimis/taskflow-lb/internal/selector"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
	"github.com/angeloszaimis/taskflow-lb/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file; ./config/config.yaml or ./config.yaml when empty")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log, closer, err := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		AddSource:   cfg.Logging.AddSource,
		Environment: cfg.Server.Environment,
		File:        cfg.Logging.File,
	})
	if err != nil {
		slog.Error("failed to create logger", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = run(ctx, cfg, log)
	cancel()
	closer.Close()

	if err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	backends, err := initializeBackends(cfg)
	if err != nil {
		log.Error("Failed to initialize backends", slog.Any("err", err))
		return err
	}

	store := stats.NewStore(stats.WithHistorySize(cfg.Stats.HistorySize))

	monitor := healthcheck.New(log, store, backends,
		healthcheck.WithInterval(cfg.HealthCheckInterval()),
		healthcheck.WithTimeout(cfg.HealthCheckTimeout()),
		healthcheck.WithPath(cfg.HealthCheck.Path))

	// Probe once before accepting traffic so unreachable backends start out
	// in the failure registry.
	healthy := monitor.ProbeAll(ctx)
	logInitialState(log, store, backends, healthy)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(monitorCtx)
	}()
	defer func() {
		stopMonitor()
		wg.Wait()
	}()

	sel := selector.New(log, store, backends, cfg.RetryInterval())
	engine := proxy.New(log, sel, store,
		proxy.WithTimeout(cfg.ProxyTimeout()),
		proxy.WithIdentity(cfg.Server.Identity),
		proxy.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		proxy.WithRequestBudget(cfg.RequestBudget()))

	rep := reporter.New(store, backends, sel.RetryInterval(), cfg.Stats.RecentRequests)
	views := reporter.NewHandlers(log, rep, cfg.Server.Identity, statsPath)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewBackendCollector(store, backend.Keys(backends)))
		metricsHandler = metrics.Handler(prometheus.Gatherers{prometheus.DefaultGatherer, registry})
	}

	read, write, idle := cfg.ServerTimeouts()
	srv, err := httpserver.New(cfg.Server.Address, setupRouter(engine, views, metricsHandler),
		httpserver.WithTimeouts(read, write, idle),
		httpserver.WithShutdownTimeout(cfg.ShutdownTimeout()))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Load balancer started",
		slog.String("address", srv.Addr()),
		slog.Int("backends", len(backends)),
		slog.Duration("retry_interval", sel.RetryInterval()),
		slog.Duration("request_budget", cfg.RequestBudget()),
		slog.String("dashboard", statusPath),
		slog.String("stats", statsPath))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
			return err
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting load balancer", slog.Any("err", err))
			return err
		}
	}

	return nil
}

func initializeBackends(cfg *config.Config) ([]*backend.Backend, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("initialize backends: %w", backend.ErrNoBackends)
	}

	backends := make([]*backend.Backend, 0, len(cfg.Backends))
	for i, bc := range cfg.Backends {
		b, err := backend.Parse(bc.URL, bc.Name, i)
		if err != nil {
			return nil, fmt.Errorf("backend %d: %w", i, err)
		}
		backends = append(backends, b)
	}

	return backends, nil
}

func logInitialState(log *slog.Logger, store *stats.Store, backends []*backend.Backend, healthy int) {
	for _, b := range backends {
		if _, failed := store.FailedAt(b.Key()); failed {
			log.Warn("Server unavailable at startup", slog.String("server", b.Name()))
			continue
		}
		log.Info("Server available", slog.String("server", b.Name()))
	}

	if healthy == 0 {
		log.Log(context.Background(), logger.LevelCritical, "No backend is reachable at startup",
			slog.Int("backends", len(backends)))
		return
	}

	log.Info("Initial health check complete",
		slog.Int("healthy", healthy),
		slog.Int("total", len(backends)))
}
