package subscription

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/store"
)

// Event is one change delivered to a subscribed client, already
// filtered and projected through the client's shape.
type Event struct {
	Map       string            `msgpack:"map"`
	Key       string            `msgpack:"key"`
	Record    *crdt.RecordValue `msgpack:"record,omitempty"`
	Deleted   bool              `msgpack:"deleted,omitempty"`
	Timestamp hlc.Timestamp     `msgpack:"timestamp"`
}

// Sender pushes events to a connected client. The connection registry
// implements it; sends must not block the caller indefinitely.
type Sender interface {
	Send(clientID string, event Event) error
}

type entry struct {
	id       string
	clientID string
	shape    Shape
	sent     atomic.Int64
}

// subKey identifies a subscription. Ids are chosen by clients, so they
// are only unique per client; two clients may pick the same id without
// touching each other's subscriptions.
type subKey struct {
	clientID string
	id       string
}

// Registry tracks live client subscriptions per map.
type Registry struct {
	mu    sync.RWMutex
	byMap map[string][]*entry
	byKey map[subKey]*entry
}

func NewRegistry() *Registry {
	return &Registry{
		byMap: make(map[string][]*entry),
		byKey: make(map[subKey]*entry),
	}
}

// Subscribe registers a shape for a client under the given id.
// Re-subscribing with an id the same client already holds replaces the
// shape.
func (r *Registry) Subscribe(id, clientID string, shape Shape) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey{clientID: clientID, id: id}
	if old, ok := r.byKey[key]; ok {
		r.removeLocked(old)
	}
	e := &entry{id: id, clientID: clientID, shape: shape}
	r.byKey[key] = e
	r.byMap[shape.Map] = append(r.byMap[shape.Map], e)
}

// Unsubscribe removes the client's subscription under id; unknown ids
// and other clients' subscriptions are untouched.
func (r *Registry) Unsubscribe(id, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byKey[subKey{clientID: clientID, id: id}]; ok {
		r.removeLocked(e)
	}
}

// DropClient removes every subscription of a disconnected client.
func (r *Registry) DropClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byKey {
		if e.clientID == clientID {
			r.removeLocked(e)
		}
	}
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.byKey, subKey{clientID: e.clientID, id: e.id})
	list := r.byMap[e.shape.Map]
	for i, cand := range list {
		if cand == e {
			r.byMap[e.shape.Map] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Len returns the live subscription count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Notifier is the live-query mutation observer: it matches each record
// change against client shapes and pushes events to matching clients.
type Notifier struct {
	registry *Registry
	sender   Sender
	logger   *zap.Logger
}

func NewNotifier(registry *Registry, sender Sender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{registry: registry, sender: sender, logger: logger}
}

func (n *Notifier) Name() string { return "live-query" }

// OnMutation implements store.MutationObserver. Peer-applied mutations
// are skipped; the primary for the partition notifies clients.
func (n *Notifier) OnMutation(_ context.Context, m store.Mutation) error {
	if m.FromPeer {
		return nil
	}

	n.registry.mu.RLock()
	targets := append([]*entry(nil), n.registry.byMap[m.Map]...)
	n.registry.mu.RUnlock()

	var firstErr error
	for _, e := range targets {
		event, ok := n.eventFor(e, m)
		if !ok {
			continue
		}
		if err := n.sender.Send(e.clientID, event); err != nil {
			n.logger.Warn("subscription delivery failed",
				zap.String("client_id", e.clientID),
				zap.String("map", m.Map),
				zap.String("key", m.Key),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Notifier) eventFor(e *entry, m store.Mutation) (Event, bool) {
	if m.New == nil {
		// Deletions are visible when the client could see the record.
		if !e.shape.Matches(m.Old) {
			return Event{}, false
		}
		return Event{Map: m.Map, Key: m.Key, Deleted: true, Timestamp: m.Timestamp}, true
	}
	if !e.shape.Matches(m.New) {
		return Event{}, false
	}
	if e.shape.Limit > 0 && e.sent.Load() >= int64(e.shape.Limit) {
		return Event{}, false
	}
	e.sent.Add(1)

	record := m.New.Clone()
	if record.Kind == crdt.RecordLww {
		record.Value = e.shape.Project(record.Value)
	} else {
		for i := range record.Entries {
			record.Entries[i].Value = e.shape.Project(record.Entries[i].Value)
		}
	}
	return Event{Map: m.Map, Key: m.Key, Record: record, Timestamp: m.Timestamp}, true
}
