package datastore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/errors"
)

// retryBackoff is the transient-failure schedule for queued writes.
var retryBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

type queuedOp struct {
	seq    int64
	key    string
	value  []byte
	remove bool
}

// WriteBehindStore queues mutations and coalesces them by key: only the
// latest write per key is flushed, in FIFO order of that latest write.
// A queued key is not loadable; callers fall back to the in-memory
// record until the flusher drains it.
type WriteBehindStore struct {
	mapName string
	backend Backend
	logger  *zap.Logger

	seq     atomic.Int64
	retries atomic.Int64

	mu    sync.Mutex
	queue map[string]*queuedOp

	// flushMu serializes flush passes so FIFO order holds across the
	// background flusher, FlushKey and HardFlush.
	flushMu sync.Mutex
}

// NewWriteBehindStore creates a queued store for mapName. Drains happen
// on SoftFlush/HardFlush, driven by the write-behind flusher worker.
func NewWriteBehindStore(mapName string, backend Backend, logger *zap.Logger) *WriteBehindStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteBehindStore{
		mapName: mapName,
		backend: backend,
		logger:  logger,
		queue:   make(map[string]*queuedOp),
	}
}

func (s *WriteBehindStore) enqueue(key string, value []byte, remove bool) {
	op := &queuedOp{
		seq:    s.seq.Add(1),
		key:    key,
		value:  append([]byte(nil), value...),
		remove: remove,
	}
	s.mu.Lock()
	s.queue[key] = op
	s.mu.Unlock()
}

func (s *WriteBehindStore) Add(_ context.Context, key string, value []byte) error {
	s.enqueue(key, value, false)
	return nil
}

func (s *WriteBehindStore) AddBackup(ctx context.Context, key string, value []byte) error {
	return s.Add(ctx, key, value)
}

func (s *WriteBehindStore) Remove(_ context.Context, key string) error {
	s.enqueue(key, nil, true)
	return nil
}

func (s *WriteBehindStore) RemoveBackup(ctx context.Context, key string) error {
	return s.Remove(ctx, key)
}

func (s *WriteBehindStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if !s.IsLoadable(key) {
		return nil, false, errors.NotLoadable(s.mapName, key)
	}
	value, found, err := s.backend.Load(ctx, s.mapName, key)
	if err != nil {
		return nil, false, errors.StorageTransient("load failed", err).
			WithDetail("map", s.mapName).WithDetail("key", key)
	}
	return value, found, nil
}

func (s *WriteBehindStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	all, err := s.backend.LoadAll(ctx, s.mapName)
	if err != nil {
		return nil, errors.StorageTransient("load-all failed", err).WithDetail("map", s.mapName)
	}
	return all, nil
}

func (s *WriteBehindStore) RemoveAll(ctx context.Context) error {
	s.Reset()
	if err := s.backend.DeleteAll(ctx, s.mapName); err != nil {
		return errors.StorageTransient("remove-all failed", err).WithDetail("map", s.mapName)
	}
	return nil
}

// FlushKey synchronously persists the queued write for key, if any.
func (s *WriteBehindStore) FlushKey(ctx context.Context, key string) error {
	s.mu.Lock()
	op, ok := s.queue[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.persist(ctx, op); err != nil {
		return err
	}
	s.dequeueIfCurrent(op)
	return nil
}

// SoftFlush drains the currently queued operations and returns the
// sequence number of the last queued op. Writes enqueued during the
// drain wait for the next pass.
func (s *WriteBehindStore) SoftFlush(ctx context.Context) (int64, error) {
	lastSeq := s.seq.Load()
	return lastSeq, s.flushPass(ctx)
}

// HardFlush drains until the queue is empty. Called on shutdown.
func (s *WriteBehindStore) HardFlush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.StorageTransient("hard flush interrupted", err).WithDetail("map", s.mapName)
		}
		if err := s.flushPass(ctx); err != nil {
			return err
		}
		if s.PendingOperationCount() == 0 {
			return nil
		}
	}
}

// flushPass persists a snapshot of the queue in FIFO order of each
// key's latest write.
func (s *WriteBehindStore) flushPass(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := make([]*queuedOp, 0, len(s.queue))
	for _, op := range s.queue {
		batch = append(batch, op)
	}
	s.mu.Unlock()

	// FIFO by the sequence of the latest write per key.
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && batch[j].seq < batch[j-1].seq; j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}

	var firstErr error
	for _, op := range batch {
		if err := s.persist(ctx, op); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("write-behind flush failed, keeping op queued",
				zap.String("map", s.mapName),
				zap.String("key", op.key),
				zap.Error(err))
			continue
		}
		s.dequeueIfCurrent(op)
	}
	return firstErr
}

// persist applies one op to the backend, retrying transient failures on
// the fixed backoff schedule.
func (s *WriteBehindStore) persist(ctx context.Context, op *queuedOp) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		var err error
		if op.remove {
			err = s.backend.Delete(ctx, s.mapName, op.key)
		} else {
			err = s.backend.Store(ctx, s.mapName, op.key, op.value)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= len(retryBackoff) {
			break
		}
		s.retries.Add(1)
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return errors.StorageTransient("flush canceled", ctx.Err()).
				WithDetail("map", s.mapName).WithDetail("key", op.key)
		}
	}
	return errors.StorageTransient("backend rejected queued write", lastErr).
		WithDetail("map", s.mapName).WithDetail("key", op.key)
}

// dequeueIfCurrent removes op from the queue unless the key was
// re-written after the snapshot was taken.
func (s *WriteBehindStore) dequeueIfCurrent(op *queuedOp) {
	s.mu.Lock()
	if current, ok := s.queue[op.key]; ok && current.seq == op.seq {
		delete(s.queue, op.key)
	}
	s.mu.Unlock()
}

func (s *WriteBehindStore) IsLoadable(key string) bool {
	s.mu.Lock()
	_, queued := s.queue[key]
	s.mu.Unlock()
	return !queued
}

// TakeRetryCount returns the number of transient retries since the
// last call and resets the counter.
func (s *WriteBehindStore) TakeRetryCount() int64 {
	return s.retries.Swap(0)
}

func (s *WriteBehindStore) PendingOperationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *WriteBehindStore) Reset() {
	s.mu.Lock()
	s.queue = make(map[string]*queuedOp)
	s.mu.Unlock()
}

func (s *WriteBehindStore) IsNull() bool { return false }
