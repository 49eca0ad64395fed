// Package healthcheck implements periodic health checking for backend servers.
// Every tick it probes each backend's liveness endpoint, records the outcome
// in the stats store and marks backends failed or recovered. The same probe
// runs once synchronously at startup so the first requests never assume an
// unreachable backend is healthy.
package healthcheck
