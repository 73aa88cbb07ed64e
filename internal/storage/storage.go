package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"keyserver/internal/config"
	"keyserver/internal/keystore"
)

// Backend names accepted in configuration.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Backend is a keystore.Persister with lifecycle hooks for the application.
type Backend interface {
	keystore.Persister
	// Save replaces the whole table. keyadmin migrate uses it to seed a
	// new backend.
	Save(ctx context.Context, snap *keystore.Snapshot) error
	// Ping reports whether the backend can currently serve requests.
	Ping(ctx context.Context) error
	// Name identifies the backend in logs and health output.
	Name() string
	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "storage"), slog.String("backend", cfg.Backend))

	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case BackendFile, "":
		b, err = NewFileStore(cfg.DatabasePath, WithLockTimeout(cfg.LockTimeout), WithFileLogger(logger))
	case BackendSQLite:
		b, err = NewSQLiteStore(ctx, cfg.SqlitePath)
	case BackendRedis:
		b, err = NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKey)
	case BackendMemory:
		b = NewMemoryStore()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}

	logger.InfoContext(ctx, "storage backend opened")
	return b, nil
}
