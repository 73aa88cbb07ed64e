package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"keyserver/pkg/contracts"
)

const pingTimeout = 2 * time.Second

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// ClientCounter reports connected event subscribers
type ClientCounter interface {
	ClientCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	backend   Pinger
	hub       ClientCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a new health service. hub may be nil.
func NewHealthService(backend Pinger, hub ClientCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		backend:   backend,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   contracts.Version,
		Runtime: map[string]interface{}{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck pings the storage backend. Ready is true when every
// dependency answered.
func (hs *HealthService) ReadinessCheck(ctx context.Context) (HealthStatus, bool) {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   contracts.Version,
		Services:  make(map[string]ServiceHealth),
	}

	ready := true
	if hs.backend != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := hs.backend.Ping(pingCtx)
		cancel()

		name := "storage:" + hs.backend.Name()
		if err != nil {
			ready = false
			status.Services[name] = ServiceHealth{Status: "unavailable", Message: err.Error()}
			hs.logger.WarnContext(ctx, "readiness check failed",
				slog.String("backend", hs.backend.Name()),
				slog.String("error", err.Error()))
		} else {
			status.Services[name] = ServiceHealth{Status: "ready"}
		}
	}

	if hs.hub != nil {
		status.Services["websocket"] = ServiceHealth{
			Status:  "ready",
			Message: pluralClients(hs.hub.ClientCount()),
		}
	}

	if !ready {
		status.Status = "not_ready"
	}
	return status, ready
}

// Version returns version information
func (hs *HealthService) Version() contracts.VersionInfo {
	return contracts.GetVersionInfo()
}

func pluralClients(n int) string {
	if n == 1 {
		return "1 client"
	}
	return fmt.Sprintf("%d clients", n)
}
