package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler creates a new Prometheus metrics handler
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Health answers liveness probes
func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
