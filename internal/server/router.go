package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightjar-systems/relay/internal/handlers"
	"github.com/nightjar-systems/relay/internal/middleware"
)

// NewRouter constructs a ServeMux with the ingest API routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	// Ingest endpoints
	mux.HandleFunc("POST /api/{project}/store/", h.HandleStore)
	mux.HandleFunc("POST /api/{project}/envelope/", h.HandleEnvelope)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(accessLog(mux))
}
