package partition

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/operation"
)

// Manager owns one actor per partition and routes operations by the
// partition the classifier assigned.
type Manager struct {
	actors []*Actor
	deps   Deps
	logger *zap.Logger
}

func NewManager(partitionCount, inboxCapacity int, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m := &Manager{
		actors: make([]*Actor, partitionCount),
		deps:   deps,
		logger: deps.Logger,
	}
	for i := range m.actors {
		m.actors[i] = NewActor(i, inboxCapacity, deps)
	}
	return m
}

func (m *Manager) Start() {
	for _, a := range m.actors {
		a.Start()
	}
}

// Drain drains every actor; the slowest one bounds the wall time.
func (m *Manager) Drain(ctx context.Context) error {
	var errs error
	for _, a := range m.actors {
		errs = multierr.Append(errs, a.Drain(ctx))
	}
	return errs
}

func (m *Manager) PartitionCount() int { return len(m.actors) }

func (m *Manager) Actor(id int) *Actor {
	if id < 0 || id >= len(m.actors) {
		return nil
	}
	return m.actors[id]
}

// Execute routes op to its partition actor.
func (m *Manager) Execute(ctx context.Context, op *operation.Operation) *operation.Result {
	a := m.Actor(op.Context.PartitionID)
	if a == nil {
		return operation.ErrResult(op.Context.CallID, errors.MissingField("key"))
	}
	return a.Execute(ctx, op)
}

// RunGC sweeps every partition.
func (m *Manager) RunGC(ctx context.Context, nowMillis int64) (expired, evicted int, err error) {
	for _, a := range m.actors {
		e, v, gerr := a.RunGC(ctx, nowMillis)
		expired += e
		evicted += v
		if gerr != nil {
			return expired, evicted, gerr
		}
	}
	return expired, evicted, nil
}

// OwnedPartitions lists the partitions this node currently owns.
func (m *Manager) OwnedPartitions() []int {
	local := m.deps.Membership.LocalNode()
	var owned []int
	for i := range m.actors {
		if m.deps.Membership.Owner(i) == local {
			owned = append(owned, i)
		}
	}
	return owned
}

// SyncOwned runs one anti-entropy round: every owned partition syncs
// each of its maps against the partition's backup owners.
func (m *Manager) SyncOwned(ctx context.Context, backupCount int, peers PeerSync) (int, error) {
	local := m.deps.Membership.LocalNode()
	owned := m.OwnedPartitions()
	m.deps.Metrics.UpdateClusterStats(len(m.deps.Membership.Members()), len(owned))

	merged := 0
	var errs error
	for _, id := range owned {
		a := m.actors[id]
		names, err := a.MapNames(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, node := range m.deps.Membership.Backups(id, backupCount) {
			if node == local {
				continue
			}
			for _, mapName := range names {
				n, err := a.SyncWith(ctx, node, mapName, peers)
				merged += n
				if err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
	}
	return merged, errs
}
