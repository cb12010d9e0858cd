package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/cluster"
	"github.com/TopGunBuild/topgun/internal/datastore"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/merkle"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/store"
)

// State is the partition actor lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Deps are the shared collaborators every partition actor is built
// from.
type Deps struct {
	Clock       *hlc.Clock
	Membership  cluster.Membership
	StoreConfig store.Config
	// DataStoreFor builds the persistence stack for one (map,
	// partition) record store.
	DataStoreFor func(mapName string, partitionID int) datastore.MapDataStore
	// Observers are registered on every record store the actor creates.
	Observers []store.MutationObserver
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type task struct {
	ctx  context.Context
	run  func(ctx context.Context)
	done chan struct{}
}

// Actor owns one partition. All record stores of the partition are
// touched only from the actor goroutine, which serializes every
// operation without locks.
type Actor struct {
	id     int
	deps   Deps
	stores map[string]*store.RecordStore
	inbox  chan *task
	state  atomic.Int32
	quit   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewActor(id int, inboxCapacity int, deps Deps) *Actor {
	if inboxCapacity <= 0 {
		inboxCapacity = 64
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	a := &Actor{
		id:     id,
		deps:   deps,
		stores: make(map[string]*store.RecordStore),
		inbox:  make(chan *task, inboxCapacity),
		quit:   make(chan struct{}),
		logger: deps.Logger.With(zap.Int("partition", id)),
	}
	a.state.Store(int32(StateInitializing))
	return a
}

func (a *Actor) ID() int      { return a.id }
func (a *Actor) State() State { return State(a.state.Load()) }

func (a *Actor) Start() {
	if !a.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return
	}
	a.wg.Add(1)
	go a.loop()
}

func (a *Actor) loop() {
	defer a.wg.Done()
	for {
		select {
		case t := <-a.inbox:
			a.runTask(t)
		case <-a.quit:
			a.drainInbox()
			a.flushStores()
			a.state.Store(int32(StateStopped))
			return
		}
	}
}

func (a *Actor) runTask(t *task) {
	defer close(t.done)
	// Callers that already gave up must not be applied.
	if t.ctx.Err() != nil {
		return
	}
	t.run(t.ctx)
}

func (a *Actor) drainInbox() {
	for {
		select {
		case t := <-a.inbox:
			a.runTask(t)
		default:
			return
		}
	}
}

func (a *Actor) flushStores() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for name, rs := range a.stores {
		if err := rs.DataStore().HardFlush(ctx); err != nil {
			a.logger.Error("flush on drain failed", zap.String("map", name), zap.Error(err))
		}
	}
}

// Drain stops accepting new work, finishes what is queued, flushes
// pending writes and waits until the actor goroutine exits or ctx
// expires. An actor that never started has no goroutine to wait for
// and goes straight to stopped.
func (a *Actor) Drain(ctx context.Context) error {
	if a.state.CompareAndSwap(int32(StateInitializing), int32(StateStopped)) {
		return nil
	}
	if a.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		close(a.quit)
	}
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit schedules run on the actor goroutine and waits for it. The
// deadline that expires is the one on ctx, so a timeout error reports
// the budget that ctx had left when the task was queued.
func (a *Actor) submit(ctx context.Context, run func(ctx context.Context)) error {
	if a.State() != StateRunning {
		return errors.ShuttingDown()
	}
	var budgetMillis int64
	if deadline, ok := ctx.Deadline(); ok {
		budgetMillis = time.Until(deadline).Milliseconds()
	}
	t := &task{ctx: ctx, run: run, done: make(chan struct{})}
	select {
	case a.inbox <- t:
	default:
		return errors.Overloaded(int64(cap(a.inbox)))
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Timeout(budgetMillis)
		}
		return errors.ShuttingDown()
	}
}

// Execute runs one classified operation on the actor goroutine.
func (a *Actor) Execute(ctx context.Context, op *operation.Operation) *operation.Result {
	var res *operation.Result
	err := a.submit(ctx, func(ctx context.Context) {
		res = a.apply(ctx, op)
	})
	if err != nil {
		return operation.ErrResult(op.Context.CallID, err)
	}
	return res
}

func (a *Actor) apply(ctx context.Context, op *operation.Operation) *operation.Result {
	rs := a.storeFor(op.Map)
	now := a.deps.Clock.Now()
	callID := op.Context.CallID

	switch op.Kind {
	case operation.KindGet:
		value, err := rs.Read(ctx, op.Key, now.PhysicalMillis)
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		return operation.OkResult(callID, value, false)

	case operation.KindPut:
		value, changed, err := rs.Apply(ctx, op.Key, store.Op{
			Kind:      store.OpSetLww,
			Value:     op.Value,
			Timestamp: now,
		}, now.PhysicalMillis)
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		return operation.OkResult(callID, value, changed)

	case operation.KindOrAdd:
		tag := op.Tag
		if tag == "" {
			tag = uuid.NewString()
		}
		value, changed, err := rs.Apply(ctx, op.Key, store.Op{
			Kind:      store.OpOrAdd,
			Value:     op.Value,
			Tag:       tag,
			Timestamp: now,
		}, now.PhysicalMillis)
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		return operation.OkResult(callID, value, changed)

	case operation.KindOrRemove:
		value, changed, err := rs.Apply(ctx, op.Key, store.Op{
			Kind: store.OpOrRemove,
			Tag:  op.Tag,
		}, now.PhysicalMillis)
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		return operation.OkResult(callID, value, changed)

	case operation.KindDelete:
		var changed bool
		var err error
		if op.Context.CallerOrigin == operation.OriginPeer {
			changed, err = rs.DeleteReplica(ctx, op.Key, now.PhysicalMillis)
		} else {
			changed, err = rs.Delete(ctx, op.Key, now.PhysicalMillis)
		}
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		return operation.OkResult(callID, nil, changed)

	case operation.KindReplicateWrite:
		observed, err := a.deps.Clock.Observe(op.Record.LatestTimestamp())
		if err != nil {
			a.deps.Metrics.ClockSkewRejections.Inc()
			return operation.ErrResult(callID, err)
		}
		value, changed, err := rs.Apply(ctx, op.Key, store.Op{
			Kind:     store.OpMergeRemote,
			Remote:   op.Record,
			FromPeer: true,
		}, observed.PhysicalMillis)
		if err != nil {
			return operation.ErrResult(callID, err)
		}
		if changed {
			a.deps.Metrics.ReplicationsAppliedTotal.Inc()
		}
		return operation.OkResult(callID, value, changed)
	}
	return operation.ErrResult(callID, errors.NotImplemented(op.Context.ServiceName, callID))
}

func (a *Actor) storeFor(mapName string) *store.RecordStore {
	if rs, ok := a.stores[mapName]; ok {
		return rs
	}
	var data datastore.MapDataStore
	if a.deps.DataStoreFor != nil {
		data = a.deps.DataStoreFor(mapName, a.id)
	}
	rs := store.New(mapName, a.id, a.deps.StoreConfig, data, merkle.New(0, 0), a.logger)
	for _, obs := range a.deps.Observers {
		rs.Observers().Register(obs)
	}
	a.stores[mapName] = rs
	return rs
}

// MapNames lists the maps this actor holds records for.
func (a *Actor) MapNames(ctx context.Context) ([]string, error) {
	var names []string
	err := a.submit(ctx, func(context.Context) {
		for name := range a.stores {
			names = append(names, name)
		}
	})
	return names, err
}

// RunGC expires and evicts across every map of the partition.
func (a *Actor) RunGC(ctx context.Context, nowMillis int64) (expired, evicted int, err error) {
	serr := a.submit(ctx, func(ctx context.Context) {
		for _, rs := range a.stores {
			e, v, gerr := rs.GC(ctx, nowMillis)
			expired += e
			evicted += v
			if gerr != nil {
				err = gerr
				return
			}
			a.deps.Metrics.ExpirationsTotal.Add(float64(e))
			a.deps.Metrics.EvictionsTotal.Add(float64(v))
			a.deps.Metrics.UpdateEngineStats(rs.MapName(), int64(rs.Len()), rs.TotalCost())
		}
	})
	if serr != nil {
		return expired, evicted, serr
	}
	return expired, evicted, err
}

// Root returns the merkle root of one map's partition tree.
func (a *Actor) Root(ctx context.Context, mapName string) (merkle.Digest, error) {
	var root merkle.Digest
	err := a.submit(ctx, func(context.Context) {
		root = a.storeFor(mapName).Tree().Root()
	})
	return root, err
}

// Leaves returns the merkle leaf digests of one map's partition tree.
func (a *Actor) Leaves(ctx context.Context, mapName string) ([]merkle.Digest, error) {
	var leaves []merkle.Digest
	err := a.submit(ctx, func(context.Context) {
		leaves = a.storeFor(mapName).Tree().Leaves()
	})
	return leaves, err
}

// Bucket returns the anti-entropy exchange entries of one merkle
// bucket.
func (a *Actor) Bucket(ctx context.Context, mapName string, bucket int) ([]store.BucketEntry, error) {
	var entries []store.BucketEntry
	var berr error
	err := a.submit(ctx, func(context.Context) {
		entries, berr = a.storeFor(mapName).BucketEntries(bucket)
	})
	if err != nil {
		return nil, err
	}
	return entries, berr
}

// MergeEntries folds remote record states into the partition. Entries
// that do not supersede local state are no-ops.
func (a *Actor) MergeEntries(ctx context.Context, mapName string, entries []store.BucketEntry) (int, error) {
	merged := 0
	var merr error
	err := a.submit(ctx, func(ctx context.Context) {
		rs := a.storeFor(mapName)
		for _, entry := range entries {
			observed, oerr := a.deps.Clock.Observe(entry.Timestamp)
			if oerr != nil {
				a.deps.Metrics.ClockSkewRejections.Inc()
				a.logger.Warn("skipping entry with excessive clock skew",
					zap.String("map", mapName), zap.String("key", entry.Key), zap.Error(oerr))
				continue
			}
			_, changed, aerr := rs.Apply(ctx, entry.Key, store.Op{
				Kind:     store.OpMergeRemote,
				Remote:   entry.Value,
				FromPeer: true,
			}, observed.PhysicalMillis)
			if aerr != nil {
				merr = aerr
				return
			}
			if changed {
				merged++
			}
		}
	})
	if err != nil {
		return merged, err
	}
	return merged, merr
}
