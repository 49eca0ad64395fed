package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/taskflow-lb/internal/stats"
)

// BackendCollector exports the stats store's per-backend counters at scrape
// time, so the Prometheus view never drifts from the JSON statistics.
type BackendCollector struct {
	store    *stats.Store
	backends []string

	up          *prometheus.Desc
	requests    *prometheus.Desc
	avgResponse *prometheus.Desc
	uptime      *prometheus.Desc
	total       *prometheus.Desc
	history     *prometheus.Desc
}

func NewBackendCollector(store *stats.Store, backends []string) *BackendCollector {
	return &BackendCollector{
		store:    store,
		backends: backends,
		up: prometheus.NewDesc("lb_backend_up",
			"1 when the backend is not in the failure registry",
			[]string{"backend"}, nil),
		requests: prometheus.NewDesc("lb_backend_requests_total",
			"Requests and probes recorded for the backend, by outcome",
			[]string{"backend", "result"}, nil),
		avgResponse: prometheus.NewDesc("lb_backend_avg_response_seconds",
			"Running average response time of successful requests",
			[]string{"backend"}, nil),
		uptime: prometheus.NewDesc("lb_backend_uptime_seconds",
			"Seconds since the backend last recovered, 0 while down",
			[]string{"backend"}, nil),
		total: prometheus.NewDesc("lb_requests_total",
			"Requests and probes recorded across all backends",
			nil, nil),
		history: prometheus.NewDesc("lb_request_history_entries",
			"Entries currently retained in the request history",
			nil, nil),
	}
}

func (c *BackendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.requests
	ch <- c.avgResponse
	ch <- c.uptime
	ch <- c.total
	ch <- c.history
}

func (c *BackendCollector) Collect(ch chan<- prometheus.Metric) {
	capture := c.store.Capture(c.backends, 0)

	for _, b := range c.backends {
		st := capture.Servers[b]
		_, down := capture.Failures[b]

		up, uptime := 1.0, capture.At.Sub(st.UptimeStart).Seconds()
		if down {
			up, uptime = 0, 0
		}

		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, b)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(st.SuccessfulRequests), b, ResultSuccess)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(st.FailedRequests), b, ResultFailure)
		ch <- prometheus.MustNewConstMetric(c.avgResponse, prometheus.GaugeValue, st.AvgResponseTimeMs/1000, b)
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, uptime, b)
	}

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(capture.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(capture.HistoryLen))
}
