package store_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/datastore"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/storage"
	"github.com/TopGunBuild/topgun/internal/store"
)

func ts(physical int64, node string) hlc.Timestamp {
	return hlc.Timestamp{PhysicalMillis: physical, NodeID: node}
}

func newStore(t *testing.T, cfg store.Config, data datastore.MapDataStore) *store.RecordStore {
	t.Helper()
	return store.New("users", 7, cfg, data, nil, zap.NewNop())
}

type recordingObserver struct {
	name      string
	mutations []store.Mutation
	fail      bool
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) OnMutation(_ context.Context, m store.Mutation) error {
	o.mutations = append(o.mutations, m)
	if o.fail {
		return fmt.Errorf("observer %s unavailable", o.name)
	}
	return nil
}

func TestRecordStore_ApplyCreatesAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})

	obs := &recordingObserver{name: "recorder"}
	s.Observers().Register(obs)

	value, changed, err := s.Apply(ctx, "alice", store.Op{
		Kind:      store.OpSetLww,
		Value:     crdt.String("hello"),
		Timestamp: ts(100, "A"),
	}, 100)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, value.Value.Equal(crdt.String("hello")))

	require.Len(t, obs.mutations, 1)
	assert.Nil(t, obs.mutations[0].Old)
	assert.Equal(t, "alice", obs.mutations[0].Key)
	assert.Equal(t, "users", obs.mutations[0].Map)
}

func TestRecordStore_ApplyIdempotentSkipsObservers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})
	obs := &recordingObserver{name: "recorder"}
	s.Observers().Register(obs)

	op := store.Op{Kind: store.OpSetLww, Value: crdt.Int(1), Timestamp: ts(100, "A")}
	_, changed, err := s.Apply(ctx, "k", op, 100)
	require.NoError(t, err)
	require.True(t, changed)

	// Same timestamp again: an idempotent re-delivery.
	_, changed, err = s.Apply(ctx, "k", op, 200)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, obs.mutations, 1)
}

func TestRecordStore_TotalCostTracksValueGrowth(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})

	_, changed, err := s.Apply(ctx, "blob", store.Op{
		Kind:      store.OpSetLww,
		Value:     crdt.String("small"),
		Timestamp: ts(100, "A"),
	}, 100)
	require.NoError(t, err)
	require.True(t, changed)
	small := s.TotalCost()
	require.Greater(t, small, int64(0))

	_, changed, err = s.Apply(ctx, "blob", store.Op{
		Kind:      store.OpSetLww,
		Value:     crdt.String(strings.Repeat("x", 1<<20)),
		Timestamp: ts(200, "A"),
	}, 200)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Greater(t, s.TotalCost(), int64(1<<20))

	// Shrinking the value brings the total back down.
	_, changed, err = s.Apply(ctx, "blob", store.Op{
		Kind:      store.OpSetLww,
		Value:     crdt.String("small again"),
		Timestamp: ts(300, "A"),
	}, 300)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Less(t, s.TotalCost(), int64(1<<20))
}

func TestRecordStore_FailingObserverDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})

	failing := &recordingObserver{name: "failing", fail: true}
	healthy := &recordingObserver{name: "healthy"}
	s.Observers().Register(failing)
	s.Observers().Register(healthy)

	_, _, err := s.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.Int(1), Timestamp: ts(100, "A")}, 100)
	require.NoError(t, err)

	assert.Len(t, failing.mutations, 1)
	assert.Len(t, healthy.mutations, 1)
}

func TestRecordStore_ObserverDeregistration(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})
	obs := &recordingObserver{name: "recorder"}
	reg := s.Observers().Register(obs)

	_, _, err := s.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.Int(1), Timestamp: ts(100, "A")}, 100)
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	_, _, err = s.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.Int(2), Timestamp: ts(200, "A")}, 200)
	require.NoError(t, err)
	assert.Len(t, obs.mutations, 1)
}

func TestRecordStore_ReadLoadsFromDataStore(t *testing.T) {
	ctx := context.Background()
	backend := datastore.NewMemoryBackend()
	data := datastore.NewWriteThroughStore("users", backend, zap.NewNop())

	writer := newStore(t, store.Config{}, data)
	_, _, err := writer.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.String("persisted"), Timestamp: ts(100, "A")}, 100)
	require.NoError(t, err)

	// A fresh store over the same data sees the record.
	reader := newStore(t, store.Config{}, data)
	value, err := reader.Read(ctx, "k", 200)
	require.NoError(t, err)
	assert.True(t, value.Value.Equal(crdt.String("persisted")))
}

func TestRecordStore_ReadMissingKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})

	_, err := s.Read(ctx, "missing", 100)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestRecordStore_MerkleTreeTracksApplies(t *testing.T) {
	ctx := context.Background()
	a := newStore(t, store.Config{}, datastore.NullStore{})
	b := newStore(t, store.Config{}, datastore.NullStore{})

	for i := 0; i < 20; i++ {
		op := store.Op{Kind: store.OpSetLww, Value: crdt.Int(int64(i)), Timestamp: ts(int64(100+i), "A")}
		key := fmt.Sprintf("k%d", i)
		_, _, err := a.Apply(ctx, key, op, 100)
		require.NoError(t, err)
		_, _, err = b.Apply(ctx, key, op, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, a.Tree().Root(), b.Tree().Root())

	_, _, err := a.Apply(ctx, "k3", store.Op{Kind: store.OpSetLww, Value: crdt.Int(999), Timestamp: ts(500, "A")}, 500)
	require.NoError(t, err)
	assert.NotEqual(t, a.Tree().Root(), b.Tree().Root())
}

func TestRecordStore_GCExpiresRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{DefaultTTL: time.Second}, datastore.NullStore{})

	_, _, err := s.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.Int(1), Timestamp: ts(100, "A")}, 100)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	expired, _, err := s.GC(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, s.Len())

	expired, _, err = s.GC(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, s.Len())
}

func TestRecordStore_DirtyRecordFlushedBeforeEviction(t *testing.T) {
	ctx := context.Background()
	backend := datastore.NewMemoryBackend()
	data := datastore.NewWriteBehindStore("users", backend, zap.NewNop())

	s := newStore(t, store.Config{
		Engine: storage.EngineConfig{CostLimit: 200, Policy: storage.EvictLRU},
	}, data)

	for i := 0; i < 10; i++ {
		_, _, err := s.Apply(ctx, fmt.Sprintf("k%d", i), store.Op{
			Kind:      store.OpSetLww,
			Value:     crdt.String("some payload that has enough bytes to count"),
			Timestamp: ts(int64(100+i), "A"),
		}, int64(100+i))
		require.NoError(t, err)
	}
	require.True(t, s.TotalCost() > 200)

	_, evicted, err := s.GC(ctx, 1000)
	require.NoError(t, err)
	require.True(t, evicted > 0)

	// Every evicted record must be readable back from persistence.
	for i := 0; i < 10; i++ {
		value, err := s.Read(ctx, fmt.Sprintf("k%d", i), 2000)
		require.NoError(t, err, "k%d lost by eviction", i)
		assert.True(t, value.Value.Equal(crdt.String("some payload that has enough bytes to count")))
	}
}

func TestRecordStore_SnapshotRange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Config{}, datastore.NullStore{})
	for _, key := range []string{"a", "b", "c", "d"} {
		_, _, err := s.Apply(ctx, key, store.Op{Kind: store.OpSetLww, Value: crdt.String(key), Timestamp: ts(100, "A")}, 100)
		require.NoError(t, err)
	}

	snap := s.SnapshotRange("b", "d")
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Key)
	assert.Equal(t, "c", snap[1].Key)

	// Snapshot entries are clones: later applies do not leak in.
	_, _, err := s.Apply(ctx, "b", store.Op{Kind: store.OpSetLww, Value: crdt.String("rewritten"), Timestamp: ts(200, "A")}, 200)
	require.NoError(t, err)
	assert.True(t, snap[0].Value.Value.Equal(crdt.String("b")))
}

func TestRecordStore_DeleteRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	backend := datastore.NewMemoryBackend()
	data := datastore.NewWriteThroughStore("users", backend, zap.NewNop())
	s := newStore(t, store.Config{}, data)

	_, _, err := s.Apply(ctx, "k", store.Op{Kind: store.OpSetLww, Value: crdt.Int(1), Timestamp: ts(100, "A")}, 100)
	require.NoError(t, err)
	emptyRoot := store.New("users", 7, store.Config{}, datastore.NullStore{}, nil, zap.NewNop()).Tree().Root()
	require.NotEqual(t, emptyRoot, s.Tree().Root())

	removed, err := s.Delete(ctx, "k", 200)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, emptyRoot, s.Tree().Root())

	_, err = s.Read(ctx, "k", 300)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
