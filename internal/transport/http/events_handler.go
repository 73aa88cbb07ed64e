package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"keyserver/internal/infrastructure"
	"keyserver/internal/middleware"
	ws "keyserver/internal/websocket"
)

// EventsHandler upgrades GET /events to a WebSocket subscribed to key events
type EventsHandler struct {
	hub    *ws.Hub
	tracer func(http.Handler) http.Handler
	logger *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *ws.Hub, providers *infrastructure.OTelProviders, logger *slog.Logger) *EventsHandler {
	logger = logger.With(slog.String("handler", "events"))
	return &EventsHandler{
		hub:    hub,
		tracer: middleware.WebSocketTraceMiddleware(providers.Tracer, logger),
		logger: logger,
	}
}

// RegisterRoutes mounts GET /events
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.With(h.tracer).Get("/events", h.Subscribe)
}

// Subscribe handles GET /events
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.hub.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error
		h.logger.WarnContext(r.Context(), "WebSocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	client := ws.ServeWS(h.hub, conn, infrastructure.GetTraceID(r.Context()), h.logger)
	h.logger.DebugContext(r.Context(), "WebSocket client subscribed",
		slog.String("client_id", client.ID()))
}
