package server_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/cluster"
	"github.com/TopGunBuild/topgun/internal/config"
	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/partition"
	"github.com/TopGunBuild/topgun/internal/server"
	"github.com/TopGunBuild/topgun/internal/subscription"
)

type testNode struct {
	srv      *server.Server
	http     *httptest.Server
	manager  *partition.Manager
	shutdown *server.ShutdownController
	peerURLs map[string]string
}

func newTestNode(t *testing.T, nodeID string, members []string, peerURLs map[string]string) *testNode {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.NodeID = nodeID
	config.ApplyDefaults(cfg)
	cfg.Partition.Count = 8
	require.NoError(t, cfg.Validate())

	clock := hlc.NewManualClock(1_000_000)
	m := metrics.NewMetrics(nodeID, prometheus.NewRegistry())
	deps := partition.Deps{
		Clock:      hlc.NewClock(nodeID, clock, 10*time.Second),
		Membership: cluster.NewStaticMembership(nodeID, members),
		Metrics:    m,
		Logger:     zap.NewNop(),
	}
	manager := partition.NewManager(cfg.Partition.Count, cfg.Partition.InboxCapacity, deps)
	manager.Start()
	t.Cleanup(func() { _ = manager.Drain(context.Background()) })

	ctl := server.NewShutdownController(zap.NewNop())
	srv := server.New(cfg, server.Deps{
		Manager:  manager,
		Peers:    server.NewPeerClient(nodeID, peerURLs),
		Subs:     subscription.NewRegistry(),
		Conns:    server.NewConnRegistry(m, zap.NewNop()),
		Metrics:  m,
		PromReg:  prometheus.NewRegistry(),
		Source:   clock,
		Shutdown: ctl,
		Logger:   zap.NewNop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testNode{srv: srv, http: ts, manager: manager, shutdown: ctl, peerURLs: peerURLs}
}

func postSync(t *testing.T, node *testNode, envelopes []operation.Envelope, headers map[string]string) []operation.Result {
	t.Helper()
	body, err := msgpack.Marshal(envelopes)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, node.http.URL+"/sync", bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var results []operation.Result
	require.NoError(t, msgpack.Unmarshal(raw, &results))
	require.Len(t, results, len(envelopes))
	return results
}

func TestHandleSync_PutThenGet(t *testing.T) {
	node := newTestNode(t, "A", []string{"A"}, nil)

	value := crdt.String("v1")
	results := postSync(t, node, []operation.Envelope{
		{CallID: "c1", Service: "crdt", Type: "put", Map: "users", Key: "alice", Value: &value},
		{CallID: "c2", Service: "crdt", Type: "get", Map: "users", Key: "alice"},
		{CallID: "c3", Service: "crdt", Type: "get", Map: "users", Key: "absent"},
	}, nil)

	assert.True(t, results[0].OK)
	assert.True(t, results[0].Changed)
	require.True(t, results[1].OK)
	require.NotNil(t, results[1].Record)
	assert.True(t, crdt.String("v1").Equal(results[1].Record.Value))
	assert.False(t, results[2].OK)
	assert.Equal(t, string(errors.KindNotFound), results[2].ErrKind)
}

func TestHandleSync_ClientCannotReplicate(t *testing.T) {
	node := newTestNode(t, "A", []string{"A"}, nil)
	record := crdt.NewLww(crdt.Int(1), hlc.Timestamp{PhysicalMillis: 1_000_000, NodeID: "B"})
	results := postSync(t, node, []operation.Envelope{
		{CallID: "c1", Service: "cluster", Type: "replicateWrite", Map: "m", Key: "k", Record: record},
	}, nil)
	assert.False(t, results[0].OK)
	assert.Equal(t, string(errors.KindUnauthorizedOrigin), results[0].ErrKind)
}

func TestHandleSync_PeerReplicates(t *testing.T) {
	node := newTestNode(t, "A", []string{"A", "B"}, nil)
	record := crdt.NewLww(crdt.Int(1), hlc.Timestamp{PhysicalMillis: 1_000_000, NodeID: "B"})
	results := postSync(t, node, []operation.Envelope{
		{CallID: "c1", Service: "cluster", Type: "replicateWrite", Map: "m", Key: "k", Record: record},
	}, map[string]string{"X-Topgun-Node": "B"})
	require.True(t, results[0].OK, results[0].ErrMsg)
	assert.True(t, results[0].Changed)

	results = postSync(t, node, []operation.Envelope{
		{CallID: "c2", Service: "crdt", Type: "get", Map: "m", Key: "k"},
	}, nil)
	require.True(t, results[0].OK)
	assert.True(t, crdt.Int(1).Equal(results[0].Record.Value))
}

func TestReadyFlipsDuringShutdown(t *testing.T) {
	node := newTestNode(t, "A", []string{"A"}, nil)

	resp, err := http.Get(node.http.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	node.shutdown.MarkUnready()
	resp, err = http.Get(node.http.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Health stays up while unready.
	resp, err = http.Get(node.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// New sync batches are refused.
	body, _ := msgpack.Marshal([]operation.Envelope{{Service: "crdt", Type: "get", Map: "m", Key: "k"}})
	resp, err = http.Post(node.http.URL+"/sync", "application/msgpack", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClusterEndpointsRequirePeerHeader(t *testing.T) {
	node := newTestNode(t, "A", []string{"A"}, nil)
	resp, err := http.Get(node.http.URL + "/cluster/root?map=users&partition=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, node.http.URL+"/cluster/root?map=users&partition=0", nil)
	req.Header.Set("X-Topgun-Node", "B")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAntiEntropyOverHTTP_Converges(t *testing.T) {
	peerURLs := map[string]string{}
	a := newTestNode(t, "A", []string{"A", "B"}, peerURLs)
	b := newTestNode(t, "B", []string{"A", "B"}, peerURLs)
	peerURLs["A"] = a.http.URL
	peerURLs["B"] = b.http.URL

	v1 := crdt.String("only-on-a")
	v2 := crdt.String("only-on-b")
	require.True(t, postSync(t, a, []operation.Envelope{
		{CallID: "w1", Service: "crdt", Type: "put", Map: "users", Key: "ka", Value: &v1},
	}, nil)[0].OK)
	require.True(t, postSync(t, b, []operation.Envelope{
		{CallID: "w2", Service: "crdt", Type: "put", Map: "users", Key: "kb", Value: &v2},
	}, nil)[0].OK)

	// A alone runs the sessions: it pulls B's divergence and pushes its
	// own surplus back over the peer endpoints, so B converges without
	// ever initiating a session.
	for p := 0; p < 8; p++ {
		_, err := a.manager.Actor(p).SyncWith(context.Background(), "B", "users", server.NewPeerClient("A", peerURLs))
		require.NoError(t, err)
	}

	for _, key := range []string{"ka", "kb"} {
		resA := postSync(t, a, []operation.Envelope{{Service: "crdt", Type: "get", Map: "users", Key: key}}, nil)
		resB := postSync(t, b, []operation.Envelope{{Service: "crdt", Type: "get", Map: "users", Key: key}}, nil)
		require.True(t, resA[0].OK, "A missing %s", key)
		require.True(t, resB[0].OK, "B missing %s", key)
		canonA, err := resA[0].Record.Canonical()
		require.NoError(t, err)
		canonB, err := resB[0].Record.Canonical()
		require.NoError(t, err)
		assert.Equal(t, canonA, canonB)
	}
}

func TestShutdownController_DrainWaitsForInFlight(t *testing.T) {
	ctl := server.NewShutdownController(zap.NewNop())
	require.True(t, ctl.Begin())

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		drained <- ctl.Drain(ctx)
	}()

	// Drain must not finish while a request is in flight.
	select {
	case <-drained:
		t.Fatal("drain finished with a request in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, ctl.Begin(), "no admissions once draining")

	ctl.End()
	require.NoError(t, <-drained)
	assert.Equal(t, server.PhaseShutdown, ctl.Phase())
}
