package reporter

import (
	"math"
	"time"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"

	// DefaultRecentRequests is how many history entries a snapshot carries.
	DefaultRecentRequests = 10
)

// Snapshot is a point-in-time view of the balancer statistics.
type Snapshot struct {
	BalancerUptime string                    `json:"balancer_uptime"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	TotalRequests  uint64                    `json:"total_requests"`
	ActiveServers  int                       `json:"active_servers"`
	TotalServers   int                       `json:"total_servers"`
	Servers        map[string]ServerSnapshot `json:"servers"`
	RecentRequests []RequestSnapshot         `json:"recent_requests"`
}

// ServerSnapshot describes one backend. Times are in milliseconds.
type ServerSnapshot struct {
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AvgResponseTime    float64 `json:"avg_response_time"`
	LastResponseTime   float64 `json:"last_response_time"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	DowntimeSeconds    *int64  `json:"downtime_seconds,omitempty"`
	RetryIn            *int64  `json:"retry_in,omitempty"`
}

// RequestSnapshot is one history entry as shown on the dashboard.
type RequestSnapshot struct {
	Timestamp    string  `json:"timestamp"`
	Server       string  `json:"server"`
	Success      bool    `json:"success"`
	ResponseTime float64 `json:"response_time"`
	Path         string  `json:"path"`
}

// Health is the balancer's own health summary.
type Health struct {
	Status        string `json:"status"`
	ActiveServers int    `json:"active_servers"`
	TotalServers  int    `json:"total_servers"`
}

// Reporter builds snapshots from the stats store. It never mutates state.
type Reporter struct {
	store         *stats.Store
	backends      []*backend.Backend
	retryInterval time.Duration
	recent        int
}

func New(store *stats.Store, backends []*backend.Backend, retryInterval time.Duration, recent int) *Reporter {
	if recent <= 0 {
		recent = DefaultRecentRequests
	}

	return &Reporter{
		store:         store,
		backends:      backends,
		retryInterval: retryInterval,
		recent:        recent,
	}
}

// Snapshot captures the store once and derives every figure from that copy,
// so the numbers in one snapshot are mutually consistent.
func (r *Reporter) Snapshot() Snapshot {
	c := r.store.Capture(backend.Keys(r.backends), r.recent)

	uptime := c.At.Sub(c.StartTime)
	snap := Snapshot{
		BalancerUptime: uptime.Truncate(time.Second).String(),
		UptimeSeconds:  int64(uptime.Seconds()),
		TotalRequests:  c.TotalRequests,
		TotalServers:   len(r.backends),
		Servers:        make(map[string]ServerSnapshot, len(r.backends)),
		RecentRequests: make([]RequestSnapshot, 0, len(c.Recent)),
	}

	names := make(map[string]string, len(r.backends))
	for _, b := range r.backends {
		key := b.Key()
		names[key] = b.Name()

		st := c.Servers[key]
		server := ServerSnapshot{
			Name:               b.Name(),
			Status:             StatusUp,
			TotalRequests:      st.TotalRequests,
			SuccessfulRequests: st.SuccessfulRequests,
			FailedRequests:     st.FailedRequests,
			SuccessRate:        float64(st.SuccessfulRequests) / float64(max(st.TotalRequests, 1)) * 100,
			AvgResponseTime:    round(st.AvgResponseTimeMs, 2),
			LastResponseTime:   round(st.LastResponseTimeMs, 2),
		}

		if failedAt, down := c.Failures[key]; down {
			downtime := int64(c.At.Sub(failedAt).Seconds())
			retryIn := max(0, int64((r.retryInterval - c.At.Sub(failedAt)).Seconds()))
			server.Status = StatusDown
			server.DowntimeSeconds = &downtime
			server.RetryIn = &retryIn
		} else {
			server.UptimeSeconds = int64(c.At.Sub(st.UptimeStart).Seconds())
			snap.ActiveServers++
		}

		snap.Servers[key] = server
	}

	for _, e := range c.Recent {
		name, ok := names[e.Backend]
		if !ok {
			name = e.Backend
		}
		snap.RecentRequests = append(snap.RecentRequests, RequestSnapshot{
			Timestamp:    e.Timestamp.Format(time.TimeOnly),
			Server:       name,
			Success:      e.Success,
			ResponseTime: round(e.ResponseTimeMs, 1),
			Path:         e.Path,
		})
	}

	return snap
}

// Health reports healthy while at least one backend is outside the failure
// registry.
func (r *Reporter) Health() Health {
	c := r.store.Capture(backend.Keys(r.backends), 0)

	h := Health{
		Status:       "unhealthy",
		TotalServers: len(r.backends),
	}
	for _, b := range r.backends {
		if _, down := c.Failures[b.Key()]; !down {
			h.ActiveServers++
		}
	}
	if h.ActiveServers > 0 {
		h.Status = "healthy"
	}

	return h
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
