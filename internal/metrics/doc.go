// Package metrics exposes the balancer to Prometheus.
//
// Package-level counters and histograms are updated inline by the proxy,
// selector and health monitor:
//   - forward attempts and their duration per backend
//   - liveness probe outcomes and backend state transitions
//   - degraded selections and total outages
//
// BackendCollector reads the stats store at scrape time and exports the same
// per-backend counters the JSON statistics endpoint reports.
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewBackendCollector(store, backend.Keys(pool)))
//	router.Handle("/metrics", metrics.Handler(reg))
package metrics
