package datastore

import (
	"context"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/errors"
)

// WriteThroughStore persists every mutation before returning. Nothing
// queues, so keys are always loadable and the pending count is zero.
// Backend failures surface to the caller immediately.
type WriteThroughStore struct {
	mapName string
	backend Backend
	logger  *zap.Logger
}

// NewWriteThroughStore creates a synchronous store for mapName.
func NewWriteThroughStore(mapName string, backend Backend, logger *zap.Logger) *WriteThroughStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteThroughStore{mapName: mapName, backend: backend, logger: logger}
}

func (s *WriteThroughStore) Add(ctx context.Context, key string, value []byte) error {
	if err := s.backend.Store(ctx, s.mapName, key, value); err != nil {
		return errors.StorageTransient("write-through store failed", err).
			WithDetail("map", s.mapName).WithDetail("key", key)
	}
	return nil
}

func (s *WriteThroughStore) AddBackup(ctx context.Context, key string, value []byte) error {
	return s.Add(ctx, key, value)
}

func (s *WriteThroughStore) Remove(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, s.mapName, key); err != nil {
		return errors.StorageTransient("write-through delete failed", err).
			WithDetail("map", s.mapName).WithDetail("key", key)
	}
	return nil
}

func (s *WriteThroughStore) RemoveBackup(ctx context.Context, key string) error {
	return s.Remove(ctx, key)
}

func (s *WriteThroughStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := s.backend.Load(ctx, s.mapName, key)
	if err != nil {
		return nil, false, errors.StorageTransient("load failed", err).
			WithDetail("map", s.mapName).WithDetail("key", key)
	}
	return value, found, nil
}

func (s *WriteThroughStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	all, err := s.backend.LoadAll(ctx, s.mapName)
	if err != nil {
		return nil, errors.StorageTransient("load-all failed", err).WithDetail("map", s.mapName)
	}
	return all, nil
}

func (s *WriteThroughStore) RemoveAll(ctx context.Context) error {
	if err := s.backend.DeleteAll(ctx, s.mapName); err != nil {
		return errors.StorageTransient("remove-all failed", err).WithDetail("map", s.mapName)
	}
	return nil
}

func (s *WriteThroughStore) FlushKey(context.Context, string) error { return nil }

func (s *WriteThroughStore) SoftFlush(context.Context) (int64, error) { return 0, nil }

func (s *WriteThroughStore) HardFlush(context.Context) error { return nil }

func (s *WriteThroughStore) IsLoadable(string) bool { return true }

func (s *WriteThroughStore) PendingOperationCount() int { return 0 }

func (s *WriteThroughStore) Reset() {}

func (s *WriteThroughStore) IsNull() bool { return false }
