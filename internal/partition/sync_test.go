package partition_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/merkle"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/partition"
	"github.com/TopGunBuild/topgun/internal/store"
)

// localPeerSync answers anti-entropy fetches straight from in-process
// actors, standing in for the peer transport.
type localPeerSync struct {
	actors map[string]*partition.Actor
}

func (l *localPeerSync) SyncRoot(ctx context.Context, node, mapName string, _ int) (merkle.Digest, error) {
	return l.actors[node].Root(ctx, mapName)
}

func (l *localPeerSync) SyncLeaves(ctx context.Context, node, mapName string, _ int) ([]merkle.Digest, error) {
	return l.actors[node].Leaves(ctx, mapName)
}

func (l *localPeerSync) SyncBucket(ctx context.Context, node, mapName string, _ int, bucket int) ([]store.BucketEntry, error) {
	return l.actors[node].Bucket(ctx, mapName, bucket)
}

func (l *localPeerSync) PushBucket(ctx context.Context, node, mapName string, _ int, _ int, entries []store.BucketEntry) (int, error) {
	return l.actors[node].MergeEntries(ctx, mapName, entries)
}

func orAddOp(mapName, key string, value crdt.Value, tag string) *operation.Operation {
	return &operation.Operation{
		Kind:  operation.KindOrAdd,
		Map:   mapName,
		Key:   key,
		Value: value,
		Tag:   tag,
		Context: operation.Context{
			CallID:       "add-" + tag,
			ServiceName:  "crdt",
			CallerOrigin: operation.OriginClient,
		},
	}
}

func TestSyncWith_ConvergesDivergedReplicas(t *testing.T) {
	ctx := context.Background()
	clockA := hlc.NewManualClock(1_000_000)
	clockB := hlc.NewManualClock(1_000_500)

	a := partition.NewActor(3, 64, newDeps("A", []string{"A", "B"}, clockA))
	b := partition.NewActor(3, 64, newDeps("B", []string{"A", "B"}, clockB))
	a.Start()
	b.Start()
	defer func() { _ = a.Drain(context.Background()) }()
	defer func() { _ = b.Drain(context.Background()) }()

	// Diverge: disjoint keys, a contended LWW key and a shared
	// observed-remove map.
	for i := 0; i < 40; i++ {
		res := a.Execute(ctx, putOp("users", fmt.Sprintf("a-only-%d", i), crdt.Int(int64(i))))
		require.True(t, res.OK, res.ErrMsg)
		clockA.Advance(time.Millisecond)
	}
	for i := 0; i < 40; i++ {
		res := b.Execute(ctx, putOp("users", fmt.Sprintf("b-only-%d", i), crdt.Int(int64(i))))
		require.True(t, res.OK, res.ErrMsg)
		clockB.Advance(time.Millisecond)
	}
	require.True(t, a.Execute(ctx, putOp("users", "contended", crdt.String("from-a"))).OK)
	require.True(t, b.Execute(ctx, putOp("users", "contended", crdt.String("from-b"))).OK)
	require.True(t, a.Execute(ctx, orAddOp("users", "roles", crdt.String("admin"), "tag-a")).OK)
	require.True(t, b.Execute(ctx, orAddOp("users", "roles", crdt.String("viewer"), "tag-b")).OK)

	peers := &localPeerSync{actors: map[string]*partition.Actor{"A": a, "B": b}}

	// A single session pulls B's state and pushes A's surplus back, so
	// one direction is enough to converge both replicas.
	mergedA, err := a.SyncWith(ctx, "B", "users", peers)
	require.NoError(t, err)
	assert.Greater(t, mergedA, 0)

	rootA, err := a.Root(ctx, "users")
	require.NoError(t, err)
	rootB, err := b.Root(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB, "replicas must hold identical state after one session")

	// The reverse session finds nothing left to exchange.
	mergedB, err := b.SyncWith(ctx, "A", "users", peers)
	require.NoError(t, err)
	assert.Zero(t, mergedB)

	// The contended register resolves the same way on both sides and
	// the observed-remove map holds both entries.
	for _, key := range []string{"contended", "roles", "a-only-7", "b-only-7"} {
		resA := a.Execute(ctx, getOp("users", key))
		resB := b.Execute(ctx, getOp("users", key))
		require.True(t, resA.OK, "A missing %s", key)
		require.True(t, resB.OK, "B missing %s", key)
		canonA, err := resA.Record.Canonical()
		require.NoError(t, err)
		canonB, err := resB.Record.Canonical()
		require.NoError(t, err)
		assert.Equal(t, canonA, canonB, "key %s", key)
	}

	roles := a.Execute(ctx, getOp("users", "roles"))
	require.True(t, roles.OK)
	assert.Len(t, roles.Record.Entries, 2)
}

func TestSyncWith_PushRepairsStaleBackup(t *testing.T) {
	ctx := context.Background()
	clockA := hlc.NewManualClock(1_000_000)
	clockB := hlc.NewManualClock(1_000_000)

	a := partition.NewActor(3, 64, newDeps("A", []string{"A", "B"}, clockA))
	b := partition.NewActor(3, 64, newDeps("B", []string{"A", "B"}, clockB))
	a.Start()
	b.Start()
	defer func() { _ = a.Drain(context.Background()) }()
	defer func() { _ = b.Drain(context.Background()) }()

	// The backup is strictly behind: it holds nothing the owner lacks,
	// so the pull half of the session merges zero keys. Only the push
	// half can repair it.
	for i := 0; i < 10; i++ {
		res := a.Execute(ctx, putOp("users", fmt.Sprintf("k-%d", i), crdt.Int(int64(i))))
		require.True(t, res.OK, res.ErrMsg)
		clockA.Advance(time.Millisecond)
	}

	peers := &localPeerSync{actors: map[string]*partition.Actor{"A": a, "B": b}}
	merged, err := a.SyncWith(ctx, "B", "users", peers)
	require.NoError(t, err)
	assert.Zero(t, merged, "owner has nothing to pull from a stale backup")

	rootA, err := a.Root(ctx, "users")
	require.NoError(t, err)
	rootB, err := b.Root(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)

	for i := 0; i < 10; i++ {
		res := b.Execute(ctx, getOp("users", fmt.Sprintf("k-%d", i)))
		require.True(t, res.OK, "backup missing k-%d", i)
	}
}

func TestSyncWith_IdenticalReplicasExchangeNothing(t *testing.T) {
	ctx := context.Background()
	clockA := hlc.NewManualClock(1_000_000)
	clockB := hlc.NewManualClock(1_000_000)

	a := partition.NewActor(0, 16, newDeps("A", []string{"A", "B"}, clockA))
	b := partition.NewActor(0, 16, newDeps("B", []string{"A", "B"}, clockB))
	a.Start()
	b.Start()
	defer func() { _ = a.Drain(context.Background()) }()
	defer func() { _ = b.Drain(context.Background()) }()

	peers := &localPeerSync{actors: map[string]*partition.Actor{"A": a, "B": b}}
	merged, err := a.SyncWith(ctx, "B", "users", peers)
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestManager_RoutesByPartition(t *testing.T) {
	clock := hlc.NewManualClock(1000)
	m := partition.NewManager(8, 16, newDeps("A", []string{"A"}, clock))
	m.Start()
	defer func() { _ = m.Drain(context.Background()) }()

	op := putOp("users", "alice", crdt.String("v"))
	op.Context.PartitionID = 5
	res := m.Execute(context.Background(), op)
	require.True(t, res.OK)

	get := getOp("users", "alice")
	get.Context.PartitionID = 5
	res = m.Execute(context.Background(), get)
	require.True(t, res.OK)

	// A different partition never sees the key.
	get.Context.PartitionID = 2
	res = m.Execute(context.Background(), get)
	assert.False(t, res.OK)
}
