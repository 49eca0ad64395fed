package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/angeloszaimis/taskflow-lb/internal/reporter"
)

// Reserved paths served by the balancer itself. Everything else is proxied.
const (
	statusPath  = "/lb-status"
	statsPath   = "/lb-api/stats"
	healthPath  = "/lb-health"
	metricsPath = "/metrics"
)

func setupRouter(engine http.Handler, views *reporter.Handlers, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	// Proxied paths reach backends exactly as the client sent them.
	r.SkipClean(true)

	r.HandleFunc(statusPath, views.Dashboard).Methods(http.MethodGet)
	r.HandleFunc(statsPath, views.Stats).Methods(http.MethodGet)
	r.HandleFunc(healthPath, views.Health).Methods(http.MethodGet)

	if metricsHandler != nil {
		r.Handle(metricsPath, metricsHandler).Methods(http.MethodGet)
	}

	r.PathPrefix("/").Handler(engine)

	return r
}
