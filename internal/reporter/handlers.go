package reporter

import (
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

//go:embed templates
var content embed.FS

var dashboardTemplate = template.Must(template.ParseFS(content, "templates/dashboard.html"))

// DefaultPollInterval is how often the dashboard refreshes its statistics.
const DefaultPollInterval = 2 * time.Second

type dashboardData struct {
	Identity      string
	StatsPath     string
	PollMillis    int64
	RetryInterval string
}

// Handlers exposes a Reporter over HTTP.
type Handlers struct {
	logger    *slog.Logger
	reporter  *Reporter
	identity  string
	statsPath string
}

func NewHandlers(logger *slog.Logger, reporter *Reporter, identity, statsPath string) *Handlers {
	return &Handlers{
		logger:    logger,
		reporter:  reporter,
		identity:  identity,
		statsPath: statsPath,
	}
}

// Stats serves the JSON snapshot.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reporter.Snapshot())
}

// Health answers 200 while any backend is usable and 503 otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.reporter.Health()

	status := http.StatusOK
	if health.ActiveServers == 0 {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// Dashboard serves the HTML status page, which polls the stats endpoint.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{
		Identity:      h.identity,
		StatsPath:     h.statsPath,
		PollMillis:    DefaultPollInterval.Milliseconds(),
		RetryInterval: h.reporter.retryInterval.String(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		h.logger.Error("Failed to render dashboard", slog.Any("err", err))
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.Any("err", err))
	}
}
