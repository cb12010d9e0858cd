package subscription_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/store"
	"github.com/TopGunBuild/topgun/internal/subscription"
)

func user(name string, age int64) crdt.Value {
	return crdt.Map(
		crdt.MapEntry{Key: "name", Value: crdt.String(name)},
		crdt.MapEntry{Key: "age", Value: crdt.Int(age)},
	)
}

func TestPredicate_Matches(t *testing.T) {
	ada := user("ada", 36)

	tests := []struct {
		name string
		pred subscription.Predicate
		want bool
	}{
		{
			name: "eq matches",
			pred: subscription.Predicate{Op: subscription.OpEq, Field: "name", Value: ptr(crdt.String("ada"))},
			want: true,
		},
		{
			name: "eq mismatch",
			pred: subscription.Predicate{Op: subscription.OpEq, Field: "name", Value: ptr(crdt.String("bob"))},
			want: false,
		},
		{
			name: "gt on int",
			pred: subscription.Predicate{Op: subscription.OpGt, Field: "age", Value: ptr(crdt.Int(30))},
			want: true,
		},
		{
			name: "lt on int",
			pred: subscription.Predicate{Op: subscription.OpLt, Field: "age", Value: ptr(crdt.Int(30))},
			want: false,
		},
		{
			name: "gt across kinds never matches",
			pred: subscription.Predicate{Op: subscription.OpGt, Field: "age", Value: ptr(crdt.String("30"))},
			want: false,
		},
		{
			name: "exists",
			pred: subscription.Predicate{Op: subscription.OpExists, Field: "age"},
			want: true,
		},
		{
			name: "exists missing field",
			pred: subscription.Predicate{Op: subscription.OpExists, Field: "email"},
			want: false,
		},
		{
			name: "and",
			pred: subscription.Predicate{Op: subscription.OpAnd, Children: []subscription.Predicate{
				{Op: subscription.OpEq, Field: "name", Value: ptr(crdt.String("ada"))},
				{Op: subscription.OpGt, Field: "age", Value: ptr(crdt.Int(18))},
			}},
			want: true,
		},
		{
			name: "or short circuits",
			pred: subscription.Predicate{Op: subscription.OpOr, Children: []subscription.Predicate{
				{Op: subscription.OpEq, Field: "name", Value: ptr(crdt.String("bob"))},
				{Op: subscription.OpExists, Field: "age"},
			}},
			want: true,
		},
		{
			name: "not",
			pred: subscription.Predicate{Op: subscription.OpNot, Children: []subscription.Predicate{
				{Op: subscription.OpEq, Field: "name", Value: ptr(crdt.String("bob"))},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Matches(ada))
		})
	}
}

func ptr(v crdt.Value) *crdt.Value { return &v }

func TestShape_Project(t *testing.T) {
	shape := subscription.Shape{Map: "users", Fields: []string{"name"}}
	projected := shape.Project(user("ada", 36))

	_, hasAge := projected.Field("age")
	assert.False(t, hasAge)
	name, hasName := projected.Field("name")
	require.True(t, hasName)
	assert.True(t, name.Equal(crdt.String("ada")))
}

type captureSender struct {
	events []subscription.Event
	owners []string
}

func (s *captureSender) Send(clientID string, event subscription.Event) error {
	s.owners = append(s.owners, clientID)
	s.events = append(s.events, event)
	return nil
}

func mutation(key string, value crdt.Value) store.Mutation {
	return store.Mutation{
		Map:       "users",
		Key:       key,
		New:       crdt.NewLww(value, hlc.Timestamp{PhysicalMillis: 100, NodeID: "A"}),
		Timestamp: hlc.Timestamp{PhysicalMillis: 100, NodeID: "A"},
	}
}

func TestNotifier_DeliversOnlyMatchingShapes(t *testing.T) {
	registry := subscription.NewRegistry()
	sender := &captureSender{}
	notifier := subscription.NewNotifier(registry, sender, zap.NewNop())

	registry.Subscribe("sub-adults", "client-1", subscription.Shape{
		Map:   "users",
		Where: &subscription.Predicate{Op: subscription.OpGt, Field: "age", Value: ptr(crdt.Int(18))},
	})
	registry.Subscribe("sub-other-map", "client-2", subscription.Shape{Map: "orders"})

	require.NoError(t, notifier.OnMutation(context.Background(), mutation("ada", user("ada", 36))))
	require.NoError(t, notifier.OnMutation(context.Background(), mutation("kid", user("kid", 10))))

	require.Len(t, sender.events, 1)
	assert.Equal(t, []string{"client-1"}, sender.owners)
	assert.Equal(t, "ada", sender.events[0].Key)
}

func TestNotifier_SkipsPeerMutations(t *testing.T) {
	registry := subscription.NewRegistry()
	sender := &captureSender{}
	notifier := subscription.NewNotifier(registry, sender, zap.NewNop())
	registry.Subscribe("sub", "client-1", subscription.Shape{Map: "users"})

	m := mutation("ada", user("ada", 36))
	m.FromPeer = true
	require.NoError(t, notifier.OnMutation(context.Background(), m))
	assert.Empty(t, sender.events)
}

func TestNotifier_ProjectionAndLimit(t *testing.T) {
	registry := subscription.NewRegistry()
	sender := &captureSender{}
	notifier := subscription.NewNotifier(registry, sender, zap.NewNop())

	registry.Subscribe("sub", "client-1", subscription.Shape{
		Map:    "users",
		Fields: []string{"name"},
		Limit:  2,
	})

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, notifier.OnMutation(context.Background(), mutation(key, user(key, 30))))
	}

	require.Len(t, sender.events, 2, "limit must cap deliveries")
	_, hasAge := sender.events[0].Record.Value.Field("age")
	assert.False(t, hasAge, "projection must drop unselected fields")
}

func TestNotifier_DeletionsVisibleThroughShape(t *testing.T) {
	registry := subscription.NewRegistry()
	sender := &captureSender{}
	notifier := subscription.NewNotifier(registry, sender, zap.NewNop())
	registry.Subscribe("sub", "client-1", subscription.Shape{Map: "users"})

	old := crdt.NewLww(user("ada", 36), hlc.Timestamp{PhysicalMillis: 100, NodeID: "A"})
	require.NoError(t, notifier.OnMutation(context.Background(), store.Mutation{
		Map: "users", Key: "ada", Old: old, New: nil,
		Timestamp: hlc.Timestamp{PhysicalMillis: 200, NodeID: "A"},
	}))

	require.Len(t, sender.events, 1)
	assert.True(t, sender.events[0].Deleted)
}

func TestRegistry_UnsubscribeAndDropClient(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("s1", "client-1", subscription.Shape{Map: "users"})
	registry.Subscribe("s2", "client-1", subscription.Shape{Map: "orders"})
	registry.Subscribe("s3", "client-2", subscription.Shape{Map: "users"})
	require.Equal(t, 3, registry.Len())

	registry.Unsubscribe("s2", "client-1")
	assert.Equal(t, 2, registry.Len())

	registry.DropClient("client-1")
	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_SubscriptionIDsScopedPerClient(t *testing.T) {
	registry := subscription.NewRegistry()
	sender := &captureSender{}
	notifier := subscription.NewNotifier(registry, sender, zap.NewNop())

	// Two clients pick the same subscription id independently; neither
	// may displace the other.
	registry.Subscribe("sub-1", "client-1", subscription.Shape{Map: "users"})
	registry.Subscribe("sub-1", "client-2", subscription.Shape{Map: "users"})
	require.Equal(t, 2, registry.Len())

	require.NoError(t, notifier.OnMutation(context.Background(), mutation("ada", user("ada", 36))))
	assert.ElementsMatch(t, []string{"client-1", "client-2"}, sender.owners)

	// One client unsubscribing its id leaves the other's alive.
	registry.Unsubscribe("sub-1", "client-2")
	require.Equal(t, 1, registry.Len())

	sender.events, sender.owners = nil, nil
	require.NoError(t, notifier.OnMutation(context.Background(), mutation("bob", user("bob", 40))))
	assert.Equal(t, []string{"client-1"}, sender.owners)

	// Re-subscribing with the same id replaces only the owner's shape.
	registry.Subscribe("sub-1", "client-1", subscription.Shape{Map: "orders"})
	assert.Equal(t, 1, registry.Len())
}
