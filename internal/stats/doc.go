// Package stats holds the balancer's shared mutable state behind a single
// synchronized Store:
//
//   - per-backend request counters and response time averages
//   - the failure registry that drives cooldowns
//   - a bounded history of recent requests
//
// Request handlers and the health monitor write to the Store concurrently;
// the selector and reporter only read from it. Nothing outside this package
// touches the underlying maps.
package stats
