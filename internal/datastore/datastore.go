// Package datastore defines the external persistence contract behind
// the record store and its two canonical strategies: write-through and
// write-behind. Stores persist encoded record values only; metadata
// stays in memory.
package datastore

import (
	"context"
	"sync"
)

// MapDataStore is the persistence seam for one named map. All
// implementations are safe for concurrent use; partition actors for
// different partitions of the same map share one instance.
type MapDataStore interface {
	// Add persists a primary-owned record state.
	Add(ctx context.Context, key string, value []byte) error
	// AddBackup persists a backup-replica record state.
	AddBackup(ctx context.Context, key string, value []byte) error
	// Remove deletes a primary-owned key.
	Remove(ctx context.Context, key string) error
	// RemoveBackup deletes a backup-replica key.
	RemoveBackup(ctx context.Context, key string) error
	// Load reads one key; found is false for absent keys.
	Load(ctx context.Context, key string) (value []byte, found bool, err error)
	// LoadAll reads every persisted key of the map.
	LoadAll(ctx context.Context) (map[string][]byte, error)
	// RemoveAll deletes every persisted key of the map.
	RemoveAll(ctx context.Context) error
	// FlushKey forces any queued write for key to persistence.
	FlushKey(ctx context.Context, key string) error
	// SoftFlush kicks off a drain and returns the sequence number of
	// the last queued operation.
	SoftFlush(ctx context.Context) (int64, error)
	// HardFlush synchronously drains every queued operation. Called on
	// shutdown.
	HardFlush(ctx context.Context) error
	// IsLoadable is false while key sits behind uncoalesced queued
	// writes; callers must then serve the in-memory record.
	IsLoadable(key string) bool
	// PendingOperationCount reports queued, not yet persisted writes.
	PendingOperationCount() int
	// Reset discards all queued state.
	Reset()
	// IsNull reports whether the store discards everything.
	IsNull() bool
}

// Backend is the SPI the concrete stores persist through: a SQL table,
// an object bucket, or the in-memory map used in tests.
type Backend interface {
	Store(ctx context.Context, mapName, key string, value []byte) error
	Delete(ctx context.Context, mapName, key string) error
	Load(ctx context.Context, mapName, key string) (value []byte, found bool, err error)
	LoadAll(ctx context.Context, mapName string) (map[string][]byte, error)
	DeleteAll(ctx context.Context, mapName string) error
}

// NullStore discards writes and loads nothing. Maps without configured
// persistence use it so the record store code path stays uniform.
type NullStore struct{}

func (NullStore) Add(context.Context, string, []byte) error       { return nil }
func (NullStore) AddBackup(context.Context, string, []byte) error { return nil }
func (NullStore) Remove(context.Context, string) error            { return nil }
func (NullStore) RemoveBackup(context.Context, string) error      { return nil }
func (NullStore) Load(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (NullStore) LoadAll(context.Context) (map[string][]byte, error) { return nil, nil }
func (NullStore) RemoveAll(context.Context) error                    { return nil }
func (NullStore) FlushKey(context.Context, string) error             { return nil }
func (NullStore) SoftFlush(context.Context) (int64, error)           { return 0, nil }
func (NullStore) HardFlush(context.Context) error                    { return nil }
func (NullStore) IsLoadable(string) bool                             { return true }
func (NullStore) PendingOperationCount() int                         { return 0 }
func (NullStore) Reset()                                             {}
func (NullStore) IsNull() bool                                       { return true }

// MemoryBackend is a thread-safe in-process Backend used in tests and
// single-node setups.
type MemoryBackend struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{maps: make(map[string]map[string][]byte)}
}

func (b *MemoryBackend) Store(_ context.Context, mapName, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[mapName]
	if !ok {
		m = make(map[string][]byte)
		b.maps[mapName] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, mapName, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.maps[mapName], key)
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, mapName, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.maps[mapName][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *MemoryBackend) LoadAll(_ context.Context, mapName string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.maps[mapName]))
	for k, v := range b.maps[mapName] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteAll(_ context.Context, mapName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.maps, mapName)
	return nil
}
