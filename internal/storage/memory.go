package storage

import (
	"context"
	"sync"

	"keyserver/internal/keystore"
)

// MemoryStore keeps the encoded document in memory. Saves round-trip
// through the document form so it behaves like the durable backends.
type MemoryStore struct {
	mu    sync.Mutex
	doc   *Document
	saves int
	err   error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: NewDocument()}
}

// Name implements Backend.
func (m *MemoryStore) Name() string { return BackendMemory }

// Load implements keystore.Persister.
func (m *MemoryStore) Load(ctx context.Context) (*keystore.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DecodeDocument(m.doc)
}

// Save implements keystore.Persister.
func (m *MemoryStore) Save(ctx context.Context, snap *keystore.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.doc = EncodeSnapshot(snap)
	m.saves++
	return nil
}

// Update implements keystore.Persister.
func (m *MemoryStore) Update(ctx context.Context, fn func(*keystore.Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := DecodeDocument(m.doc)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.doc = EncodeSnapshot(snap)
	m.saves++
	return nil
}

// FailWith makes every following Save and Update return err. Pass nil to recover.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Document returns the last saved document.
func (m *MemoryStore) Document() *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

// Saves returns how many saves succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Ping implements Backend.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements Backend.
func (m *MemoryStore) Close() error { return nil }
