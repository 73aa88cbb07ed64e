package http

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keyserver/internal/config"
	apierrors "keyserver/internal/errors"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	api "keyserver/pkg/contracts/api/v1"
)

// KeyHandler serves the key lifecycle endpoints
type KeyHandler struct {
	service      services.KeyService
	validator    *middleware.ValidationMiddleware
	errorHandler *apierrors.ErrorHandler
	defaults     config.KeysConfig
	logger       *slog.Logger
}

// NewKeyHandler creates a new key handler
func NewKeyHandler(
	service services.KeyService,
	validator *middleware.ValidationMiddleware,
	errorHandler *apierrors.ErrorHandler,
	defaults config.KeysConfig,
	logger *slog.Logger,
) *KeyHandler {
	return &KeyHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		defaults:     defaults,
		logger:       logger.With(slog.String("handler", "keys")),
	}
}

// RegisterRoutes mounts the key endpoints at the root of r
func (h *KeyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Home)
	r.Get("/check/{key}", h.Check)
	r.Get("/stats", h.Stats)

	r.Group(func(r chi.Router) {
		r.Use(h.validator.LimitBody)
		r.Post("/activate", h.Activate)
		r.Post("/deactivate", h.Deactivate)
		r.Post("/suspend", h.Suspend)
		r.Post("/resume", h.Resume)
	})
}

// Home handles GET /
func (h *KeyHandler) Home(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.StatusResponse{Status: "online", Message: h.defaults.Message})
}

// Check handles GET /check/{key}
func (h *KeyHandler) Check(w http.ResponseWriter, r *http.Request) {
	// chi routes on RawPath when the request carried escapes net/url
	// would not reproduce (such as %2F), and the parameter is then still
	// escaped. Otherwise it is already decoded and must not be decoded again.
	raw := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(raw); err == nil {
			raw = unescaped
		}
	}

	resp, err := h.service.Check(r.Context(), raw)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Activate handles POST /activate
func (h *KeyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Activate(r.Context(), req.Key, req.Months.IntOr(h.defaults.DefaultMonths))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Deactivate handles POST /deactivate
func (h *KeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Deactivate(r.Context(), req.Key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Suspend handles POST /suspend
func (h *KeyHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req api.SuspendRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Suspend(r.Context(), req.Key, req.Hours.IntOr(h.defaults.DefaultSuspendHours))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Resume handles POST /resume
func (h *KeyHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Resume(r.Context(), req.Key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Stats handles GET /stats
func (h *KeyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Stats(r.Context()))
}
