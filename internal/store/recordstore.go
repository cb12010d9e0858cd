package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/datastore"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/merkle"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/storage"
)

// OpKind is the CRDT mutation applied by RecordStore.Apply.
type OpKind uint8

const (
	OpSetLww OpKind = iota
	OpOrAdd
	OpOrRemove
	// OpMergeRemote folds a full remote record state (replication and
	// anti-entropy path).
	OpMergeRemote
)

// Op is one mutation against a key.
type Op struct {
	Kind      OpKind
	Value     crdt.Value
	Tag       string
	Timestamp hlc.Timestamp
	Remote    *crdt.RecordValue
	// FromPeer marks replicated applies: observers are told, the data
	// store gets the backup variant of the write.
	FromPeer bool
}

// Config bounds one record store.
type Config struct {
	Engine storage.EngineConfig
	// DefaultTTL expires records that long after their last update;
	// zero keeps records forever.
	DefaultTTL time.Duration
	// Metrics, when set, counts data store loads and writes.
	Metrics *metrics.Metrics
}

// RecordStore orchestrates the engine, the external data store, the
// partition's merkle tree and the observer fan-out for one (map,
// partition) pair. The owning partition actor serializes all calls.
type RecordStore struct {
	mapName   string
	partition int
	cfg       Config
	engine    *storage.Engine
	data      datastore.MapDataStore
	observers *Observers
	tree      *merkle.Tree
	logger    *zap.Logger
}

// New creates a record store over the given data store.
func New(mapName string, partition int, cfg Config, data datastore.MapDataStore, tree *merkle.Tree, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if data == nil {
		data = datastore.NullStore{}
	}
	if tree == nil {
		tree = merkle.New(0, 0)
	}
	return &RecordStore{
		mapName:   mapName,
		partition: partition,
		cfg:       cfg,
		engine:    storage.NewEngine(cfg.Engine),
		data:      data,
		observers: NewObservers(logger),
		tree:      tree,
		logger:    logger,
	}
}

func (s *RecordStore) MapName() string       { return s.mapName }
func (s *RecordStore) Partition() int        { return s.partition }
func (s *RecordStore) Observers() *Observers { return s.observers }
func (s *RecordStore) Tree() *merkle.Tree    { return s.tree }
func (s *RecordStore) DataStore() datastore.MapDataStore {
	return s.data
}

// Apply merges op into the record for key, creating it if needed.
// Returns the resulting value and whether an observable change
// occurred; idempotent re-deliveries return changed=false and skip
// persistence and observers.
func (s *RecordStore) Apply(ctx context.Context, key string, op Op, nowMillis int64) (*crdt.RecordValue, bool, error) {
	rec := s.engine.Get(key)
	if rec == nil {
		loaded, err := s.loadIfPresent(ctx, key, nowMillis)
		if err != nil && !errors.IsKind(err, errors.KindNotLoadable) {
			return nil, false, err
		}
		rec = loaded
	}

	created := false
	if rec == nil {
		rec = &storage.Record{Key: key, Value: s.freshValue(op), Meta: storage.NewMetadata(nowMillis, 0)}
		created = true
	}

	var oldClone *crdt.RecordValue
	var oldFingerprint merkle.Digest
	if !created {
		oldClone = rec.Value.Clone()
		fp, err := s.fingerprint(key, rec.Value)
		if err != nil {
			return nil, false, err
		}
		oldFingerprint = fp
	}

	changed, err := s.merge(rec.Value, op)
	if err != nil {
		return nil, false, errors.SchemaViolation(s.mapName, err.Error()).WithDetail("key", key)
	}
	if !changed && !created {
		return rec.Value.Clone(), false, nil
	}

	// The engine holds the same pointer we just mutated, so the cost it
	// was accounted at must be captured before OnUpdate overwrites it.
	oldCost := rec.Meta.Cost
	rec.Meta.OnUpdate(nowMillis, rec.Value.EstimateCost())
	if s.cfg.DefaultTTL > 0 {
		rec.Meta.ExpirationMillis = nowMillis + s.cfg.DefaultTTL.Milliseconds()
	}
	if err := s.engine.Update(rec, oldCost); err != nil {
		return nil, false, err
	}

	if !created {
		s.tree.Remove(key, oldFingerprint)
	}
	fp, err := s.fingerprint(key, rec.Value)
	if err != nil {
		return nil, false, err
	}
	s.tree.Upsert(key, fp)

	if err := s.persist(ctx, key, rec, op.FromPeer, nowMillis); err != nil {
		return nil, false, err
	}

	mutation := Mutation{
		Map:       s.mapName,
		Partition: s.partition,
		Key:       key,
		Old:       oldClone,
		New:       rec.Value.Clone(),
		Timestamp: rec.Value.LatestTimestamp(),
		FromPeer:  op.FromPeer,
	}
	if err := s.observers.Notify(ctx, mutation); err != nil {
		// Observer failures are warnings, not apply failures.
		s.logger.Debug("observer errors after apply", zap.String("key", key), zap.Error(err))
	}
	return rec.Value.Clone(), true, nil
}

func (s *RecordStore) freshValue(op Op) *crdt.RecordValue {
	switch op.Kind {
	case OpSetLww:
		return &crdt.RecordValue{Kind: crdt.RecordLww}
	case OpMergeRemote:
		if op.Remote != nil && op.Remote.Kind == crdt.RecordLww {
			return &crdt.RecordValue{Kind: crdt.RecordLww}
		}
		return &crdt.RecordValue{Kind: crdt.RecordOrMap}
	default:
		return &crdt.RecordValue{Kind: crdt.RecordOrMap}
	}
}

func (s *RecordStore) merge(value *crdt.RecordValue, op Op) (bool, error) {
	switch op.Kind {
	case OpSetLww:
		return value.MergeLww(op.Value, op.Timestamp)
	case OpOrAdd:
		return value.OrAdd(op.Value, op.Tag, op.Timestamp)
	case OpOrRemove:
		return value.OrRemove(op.Tag)
	case OpMergeRemote:
		return value.Merge(op.Remote)
	}
	return false, errors.StoragePermanent("unknown op kind", nil)
}

func (s *RecordStore) persist(ctx context.Context, key string, rec *storage.Record, fromPeer bool, nowMillis int64) error {
	encoded, err := rec.Value.Encode()
	if err != nil {
		return errors.StoragePermanent("record encode failed", err).WithDetail("key", key)
	}
	start := time.Now()
	if fromPeer {
		err = s.data.AddBackup(ctx, key, encoded)
	} else {
		err = s.data.Add(ctx, key, encoded)
	}
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil && !s.data.IsNull() {
		s.cfg.Metrics.StoreWritesTotal.Inc()
		s.cfg.Metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	}
	// Queued write-behind writes keep the record dirty until flushed.
	if s.data.IsLoadable(key) {
		rec.Meta.OnStore(nowMillis)
	}
	return nil
}

// Read returns the current record value, loading it from the data store
// when absent and loadable.
func (s *RecordStore) Read(ctx context.Context, key string, nowMillis int64) (*crdt.RecordValue, error) {
	rec := s.engine.Get(key)
	if rec == nil {
		loaded, err := s.loadIfPresent(ctx, key, nowMillis)
		if err != nil {
			return nil, err
		}
		rec = loaded
	}
	if rec == nil {
		return nil, errors.NotFound(s.mapName, key)
	}
	rec.Meta.OnAccess(nowMillis)
	return rec.Value.Clone(), nil
}

// loadIfPresent reloads a key from the data store. Metadata is
// reconstructed fresh; persisted values carry no metadata.
func (s *RecordStore) loadIfPresent(ctx context.Context, key string, nowMillis int64) (*storage.Record, error) {
	if !s.data.IsLoadable(key) {
		return nil, errors.NotLoadable(s.mapName, key)
	}
	encoded, found, err := s.data.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StoreLoadsTotal.Inc()
	}
	value, err := crdt.DecodeRecordValue(encoded)
	if err != nil {
		return nil, errors.StoragePermanent("persisted record is corrupt", err).WithDetail("key", key)
	}
	rec := &storage.Record{
		Key:   key,
		Value: value,
		Meta:  storage.NewMetadata(nowMillis, value.EstimateCost()),
	}
	if err := s.engine.Put(rec); err != nil {
		return nil, err
	}
	fp, err := s.fingerprint(key, value)
	if err != nil {
		return nil, err
	}
	s.tree.Upsert(key, fp)
	return rec, nil
}

// Delete authoritatively removes a key: engine, merkle tree, data
// store, observers.
func (s *RecordStore) Delete(ctx context.Context, key string, nowMillis int64) (bool, error) {
	return s.deleteRecord(ctx, key, nowMillis, false)
}

// DeleteReplica applies a delete replicated from the partition owner.
func (s *RecordStore) DeleteReplica(ctx context.Context, key string, nowMillis int64) (bool, error) {
	return s.deleteRecord(ctx, key, nowMillis, true)
}

func (s *RecordStore) deleteRecord(ctx context.Context, key string, nowMillis int64, fromPeer bool) (bool, error) {
	rec := s.engine.Get(key)
	if rec == nil {
		return false, nil
	}
	fp, err := s.fingerprint(key, rec.Value)
	if err != nil {
		return false, err
	}
	s.engine.Remove(key)
	s.tree.Remove(key, fp)
	if fromPeer {
		err = s.data.RemoveBackup(ctx, key)
	} else {
		err = s.data.Remove(ctx, key)
	}
	if err != nil {
		return false, err
	}

	mutation := Mutation{
		Map:       s.mapName,
		Partition: s.partition,
		Key:       key,
		Old:       rec.Value.Clone(),
		New:       nil,
		Timestamp: rec.Value.LatestTimestamp(),
		FromPeer:  fromPeer,
	}
	if err := s.observers.Notify(ctx, mutation); err != nil {
		s.logger.Debug("observer errors after delete", zap.String("key", key), zap.Error(err))
	}
	return true, nil
}

// GC removes expired records and evicts past the cost budget. A dirty
// record is flushed before it leaves the engine.
func (s *RecordStore) GC(ctx context.Context, nowMillis int64) (expired, evicted int, err error) {
	for _, key := range s.engine.ExpiredKeys(nowMillis) {
		rec := s.engine.Get(key)
		if rec == nil {
			continue
		}
		if rec.Meta.IsDirty() || !s.data.IsLoadable(key) {
			if err := s.data.FlushKey(ctx, key); err != nil {
				s.logger.Warn("flush before expiry failed, keeping record",
					zap.String("key", key), zap.Error(err))
				continue
			}
		}
		if _, err := s.Delete(ctx, key, nowMillis); err != nil {
			return expired, evicted, err
		}
		expired++
	}

	for s.engine.OverBudget() {
		candidate := s.engine.EvictCandidate()
		if candidate == nil {
			break
		}
		if candidate.Meta.IsDirty() || !s.data.IsLoadable(candidate.Key) {
			if err := s.data.FlushKey(ctx, candidate.Key); err != nil {
				s.logger.Warn("flush before eviction failed, keeping record",
					zap.String("key", candidate.Key), zap.Error(err))
				break
			}
			candidate.Meta.OnStore(nowMillis)
		}
		// Eviction drops the in-memory copy only; the record survives
		// in the data store and rejoins the tree on reload.
		fp, err := s.fingerprint(candidate.Key, candidate.Value)
		if err != nil {
			return expired, evicted, err
		}
		s.engine.Remove(candidate.Key)
		s.tree.Remove(candidate.Key, fp)
		evicted++
	}
	return expired, evicted, nil
}

// SnapshotEntry is one record of a range snapshot.
type SnapshotEntry struct {
	Key       string
	Value     *crdt.RecordValue
	Timestamp hlc.Timestamp
}

// SnapshotRange clones all records with lo <= key < hi. Callers hold
// the partition's write exclusion, so the clone is consistent.
func (s *RecordStore) SnapshotRange(lo, hi string) []SnapshotEntry {
	var out []SnapshotEntry
	s.engine.Scan(lo, hi, func(rec *storage.Record) bool {
		out = append(out, SnapshotEntry{
			Key:       rec.Key,
			Value:     rec.Value.Clone(),
			Timestamp: rec.Value.LatestTimestamp(),
		})
		return true
	})
	return out
}

// BucketEntries returns (key, fingerprint, timestamp) triples for every
// in-memory record hashing into the given merkle bucket.
func (s *RecordStore) BucketEntries(bucket int) ([]BucketEntry, error) {
	var out []BucketEntry
	var ferr error
	s.engine.Scan("", "", func(rec *storage.Record) bool {
		if s.tree.BucketFor(rec.Key) != bucket {
			return true
		}
		fp, err := s.fingerprint(rec.Key, rec.Value)
		if err != nil {
			ferr = err
			return false
		}
		out = append(out, BucketEntry{
			Key:         rec.Key,
			Fingerprint: fp,
			Timestamp:   rec.Value.LatestTimestamp(),
			Value:       rec.Value.Clone(),
		})
		return true
	})
	return out, ferr
}

// BucketEntry is one anti-entropy exchange triple plus the record state
// a peer needs to merge it.
type BucketEntry struct {
	Key         string
	Fingerprint merkle.Digest
	Timestamp   hlc.Timestamp
	Value       *crdt.RecordValue
}

// Len returns the number of in-memory records.
func (s *RecordStore) Len() int {
	return s.engine.Len()
}

// TotalCost returns the engine's running cost total.
func (s *RecordStore) TotalCost() int64 {
	return s.engine.TotalCost()
}

func (s *RecordStore) fingerprint(key string, value *crdt.RecordValue) (merkle.Digest, error) {
	canonical, err := value.Canonical()
	if err != nil {
		return merkle.Digest{}, errors.StoragePermanent("canonical encode failed", err).WithDetail("key", key)
	}
	return merkle.Fingerprint(key, canonical, value.LatestTimestamp()), nil
}
