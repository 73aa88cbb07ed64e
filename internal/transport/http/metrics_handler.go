package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MetricsHandler serves the Prometheus exposition
type MetricsHandler struct {
	exposition http.Handler
}

// NewMetricsHandler wraps the handler built by the metrics exporter.
// exposition may be nil when metrics are disabled.
func NewMetricsHandler(exposition http.Handler) *MetricsHandler {
	return &MetricsHandler{exposition: exposition}
}

// RegisterRoutes mounts GET /metrics when metrics are enabled
func (h *MetricsHandler) RegisterRoutes(r chi.Router) {
	if h.exposition == nil {
		return
	}
	r.Method(http.MethodGet, "/metrics", h.exposition)
}
