package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"keyserver/internal/config"
	apierrors "keyserver/internal/errors"
	"keyserver/internal/infrastructure"
	"keyserver/internal/keystore"
	customMiddleware "keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/internal/storage"
	handlers "keyserver/internal/transport/http"
	ws "keyserver/internal/websocket"
	"keyserver/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Backend       storage.Backend
	Store         *keystore.Store
	WebSocketHub  *ws.Hub
	KeyService    services.KeyService
	HealthService *services.HealthService
	ErrorHandler  *apierrors.ErrorHandler

	clock     clock.Clock
	logCloser io.Closer
	stopOnce  sync.Once
	stopErr   error
}

// Option customizes NewApplication. Mostly for tests.
type Option func(*Application)

// WithLogger replaces the configured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Application) { a.Logger = l }
}

// WithBackend replaces the configured storage backend.
func WithBackend(b storage.Backend) Option {
	return func(a *Application) { a.Backend = b }
}

// WithClock sets the time source of the key store.
func WithClock(c clock.Clock) Option {
	return func(a *Application) { a.clock = c }
}

// NewApplication creates a new application instance with dependency injection
func NewApplication(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	app := &Application{Config: cfg, clock: clock.WallClock}
	for _, opt := range opts {
		opt(app)
	}

	if app.Logger == nil {
		logger, err := infrastructure.NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		app.Logger = logger.Logger
		app.logCloser = logger
	}

	app.Logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetVersionString()),
		slog.String("storage", cfg.Storage.Backend))

	otelProviders, err := infrastructure.InitializeOTel(ctx,
		infrastructure.OTelConfigFrom(cfg.Telemetry, contracts.Version), app.Logger)
	if err != nil {
		app.closeLog()
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	app.OTelProviders = otelProviders

	if err := app.initializeServices(ctx); err != nil {
		_ = otelProviders.Shutdown(ctx)
		app.closeLog()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices opens storage, loads the key table and builds the services
func (a *Application) initializeServices(ctx context.Context) error {
	if a.Backend == nil {
		backend, err := storage.Open(ctx, a.Config.Storage, a.Logger)
		if err != nil {
			return err
		}
		a.Backend = backend
	}

	store, err := keystore.New(ctx, a.Backend,
		keystore.WithClock(a.clock),
		keystore.WithLogger(a.Logger),
	)
	if err != nil {
		_ = a.Backend.Close()
		return fmt.Errorf("failed to load key table: %w", err)
	}
	a.Store = store

	a.WebSocketHub = ws.NewHub(a.Logger, ws.SettingsFrom(a.Config.WebSocket))

	keyService, err := services.NewKeyService(store, a.Logger,
		services.WithTelemetry(a.OTelProviders),
		services.WithPublisher(a.WebSocketHub),
	)
	if err != nil {
		_ = a.Backend.Close()
		return fmt.Errorf("failed to create key service: %w", err)
	}
	a.KeyService = keyService
	a.HealthService = services.NewHealthService(a.Backend, a.WebSocketHub, a.Logger)
	a.ErrorHandler = apierrors.NewErrorHandler(a.Logger, false)

	a.Logger.InfoContext(ctx, "Key table loaded",
		slog.Int("keys", store.Stats(ctx).Total))
	return nil
}

// setupRouter builds the middleware chain and mounts every handler
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// These do not wrap the ResponseWriter, so the WebSocket upgrade can hijack
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// Preflight requests match no route, so CORS sits on the mux itself
	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			ExposedHeaders: []string{customMiddleware.RequestIDHeader},
			Logger:         a.Logger,
		}))
	}

	handlers.NewEventsHandler(a.WebSocketHub, a.OTelProviders, a.Logger).RegisterRoutes(r)
	handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → Timeout
		r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders).Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)

		if rl := a.Config.Security.RateLimit; rl.Enabled {
			r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, a.ErrorHandler).Handler)
		}

		if a.Config.Server.RequestTimeout > 0 {
			r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))
		}

		validator := customMiddleware.NewValidationMiddleware(a.Logger, a.ErrorHandler)
		handlers.NewKeyHandler(a.KeyService, validator, a.ErrorHandler, a.Config.Keys, a.Logger).RegisterRoutes(r)
		handlers.NewHealthHandler(a.HealthService, a.Logger).RegisterRoutes(r)
	})

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	a.Router = r
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Address(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves HTTP until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		_ = a.Stop(ctx)
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.WebSocketHub.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Server running",
			slog.String("address", ln.Addr().String()),
			slog.String("version", contracts.Version),
			slog.String("storage", a.Backend.Name()))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(context.Background(), "Shutdown requested")
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the application. Safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.shutdown(ctx)
	})
	return a.stopErr
}

func (a *Application) shutdown(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.WebSocketHub.Stop()
	hubMetrics := a.WebSocketHub.GetHubMetrics()
	a.Logger.InfoContext(ctx, "Event hub stopped",
		slog.Any("total_connections", hubMetrics["total_connections"]),
		slog.Any("messages_sent", hubMetrics["messages_sent"]),
		slog.Any("dropped_messages", hubMetrics["dropped_messages"]))

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}

	if err := a.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s storage: %w", a.Backend.Name(), err))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	a.closeLog()
	return errors.Join(errs...)
}

func (a *Application) closeLog() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}
