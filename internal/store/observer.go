package store

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/hlc"
)

// Mutation describes one observable record change. Old is nil on
// create, New is nil on delete. Values are clones; observers may hold
// them without copying.
type Mutation struct {
	Map       string
	Partition int
	Key       string
	Old       *crdt.RecordValue
	New       *crdt.RecordValue
	Timestamp hlc.Timestamp
	// FromPeer is true for mutations applied on behalf of another
	// replica; client-facing observers skip those.
	FromPeer bool
}

// MutationObserver receives record changes. Observers must not call
// back into the record store; if they need state they message their own
// component.
type MutationObserver interface {
	Name() string
	OnMutation(ctx context.Context, m Mutation) error
}

// Registration undoes an observer registration when closed.
type Registration struct {
	once sync.Once
	drop func()
}

func (r *Registration) Close() error {
	r.once.Do(r.drop)
	return nil
}

// Observers dispatches mutations to registered children in registration
// order. A failing child does not stop the others; failures surface as
// warnings and an aggregated error.
type Observers struct {
	logger *zap.Logger

	mu   sync.RWMutex
	next int
	list []registered
}

type registered struct {
	id  int
	obs MutationObserver
}

func NewObservers(logger *zap.Logger) *Observers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observers{logger: logger}
}

// Register adds an observer; closing the returned registration removes it.
func (o *Observers) Register(obs MutationObserver) *Registration {
	o.mu.Lock()
	id := o.next
	o.next++
	o.list = append(o.list, registered{id: id, obs: obs})
	o.mu.Unlock()

	return &Registration{drop: func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, r := range o.list {
			if r.id == id {
				o.list = append(o.list[:i], o.list[i+1:]...)
				return
			}
		}
	}}
}

// Notify fires all observers in registration order.
func (o *Observers) Notify(ctx context.Context, m Mutation) error {
	o.mu.RLock()
	targets := append([]registered(nil), o.list...)
	o.mu.RUnlock()

	var errs error
	for _, r := range targets {
		if err := r.obs.OnMutation(ctx, m); err != nil {
			o.logger.Warn("mutation observer failed",
				zap.String("observer", r.obs.Name()),
				zap.String("map", m.Map),
				zap.String("key", m.Key),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Len returns the registered observer count.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}
