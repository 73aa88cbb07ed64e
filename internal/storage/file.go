package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"

	"keyserver/internal/keystore"
)

const (
	dirPerm  = 0700
	filePerm = 0600

	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
)

// ErrLockTimeout is returned when the document lock cannot be acquired.
var ErrLockTimeout = errors.New("timed out waiting for database lock")

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLockTimeout bounds how long Load and Save wait for the file lock.
func WithLockTimeout(d time.Duration) FileOption {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = l }
}

// FileStore keeps the document in a single JSON file. Writes go through a
// temporary file and rename so readers never see a partial document. A
// sibling ".lock" file serialises access between processes.
type FileStore struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s := &FileStore{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: defaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements Backend.
func (s *FileStore) Name() string { return BackendFile }

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document, writing an empty one first if none exists.
func (s *FileStore) Load(ctx context.Context) (*keystore.Snapshot, error) {
	var doc *Document
	err := s.withLock(ctx, func() error {
		var err error
		doc, err = s.read(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return DecodeDocument(doc)
}

// Save replaces the document.
func (s *FileStore) Save(ctx context.Context, snap *keystore.Snapshot) error {
	doc := EncodeSnapshot(snap)
	return s.withLock(ctx, func() error {
		return s.write(doc)
	})
}

// Update reads, changes and rewrites the document under one hold of the
// file lock, so a concurrent keyadmin or server process cannot slip a write
// in between.
func (s *FileStore) Update(ctx context.Context, fn func(*keystore.Snapshot) error) error {
	return s.withLock(ctx, func() error {
		doc, err := s.read(ctx)
		if err != nil {
			return err
		}
		snap, err := DecodeDocument(doc)
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
		return s.write(EncodeSnapshot(snap))
	})
}

// read parses the document. Callers hold the lock.
func (s *FileStore) read(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // path comes from configuration
	if errors.Is(err, os.ErrNotExist) {
		doc := NewDocument()
		s.logger.InfoContext(ctx, "database file not found, creating empty database",
			slog.String("path", s.path),
		)
		return doc, s.write(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read database file: %w", err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal database file: %w", err)
	}
	if doc.Activations == nil {
		doc.Activations = map[string]RecordDocument{}
	}
	return doc, nil
}

func (s *FileStore) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal database: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write database file: %w", err)
	}
	return nil
}

// withLock runs fn holding both the in-process mutex and the OS file lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrLockTimeout, s.lock.Path())
		}
		return fmt.Errorf("failed to lock database: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockTimeout, s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release database lock", slog.String("error", err.Error()))
		}
	}()

	return fn()
}

// Ping checks that the database directory is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("database directory unavailable: %w", err)
	}
	return nil
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Close()
}
