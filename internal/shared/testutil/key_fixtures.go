package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"keyserver/internal/keystore"
	"keyserver/internal/storage"
)

// Epoch is the start time of every fixture clock.
var Epoch = time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

// KeyFixture bundles a Store with the in-memory backend and clock behind it.
type KeyFixture struct {
	Store   *keystore.Store
	Backend *storage.MemoryStore
	Clock   *testclock.Clock
	Logs    *BufferedSlogHandler
}

// NewKeyFixture returns an empty key table on a memory backend.
func NewKeyFixture(t *testing.T) *KeyFixture {
	t.Helper()

	logger, logs := NewTestLogger(t)
	backend := storage.NewMemoryStore()
	clk := testclock.NewClock(Epoch)

	store, err := keystore.New(context.Background(), backend,
		keystore.WithClock(clk),
		keystore.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("create key store: %v", err)
	}
	return &KeyFixture{Store: store, Backend: backend, Clock: clk, Logs: logs}
}

// Activate adds keys with the given months, failing the test on error.
func (f *KeyFixture) Activate(t *testing.T, months int, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if _, err := f.Store.Activate(context.Background(), k, months); err != nil {
			t.Fatalf("activate %s: %v", k, err)
		}
	}
}
