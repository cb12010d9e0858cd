package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/config"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/partition"
	"github.com/TopGunBuild/topgun/internal/pipeline"
	"github.com/TopGunBuild/topgun/internal/subscription"
)

const clientHeader = "X-Topgun-Client"

// Deps are the collaborators the server serves.
type Deps struct {
	Manager  *partition.Manager
	Peers    *PeerClient
	Subs     *subscription.Registry
	Conns    *ConnRegistry
	Metrics  *metrics.Metrics
	PromReg  *prometheus.Registry
	Source   hlc.ClockSource
	Shutdown *ShutdownController
	Logger   *zap.Logger
}

// Server exposes the sync protocol over HTTP and websocket, plus the
// peer and operational endpoints.
type Server struct {
	cfg        *config.Config
	deps       Deps
	classifier *operation.Classifier
	pipe       *pipeline.Pipeline
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *zap.Logger
}

func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		classifier: operation.NewClassifier(cfg.Server.NodeID, cfg.Partition.Count,
			cfg.Pipeline.DefaultOperationTimeout.Milliseconds()),
		upgrader: websocket.Upgrader{
			WriteBufferSize: cfg.Connection.WriteBufferBytes,
		},
		logger: deps.Logger,
	}

	router := pipeline.NewRouter()
	router.Register("crdt", s.crdtHandler)
	router.Register("cluster", s.clusterHandler)
	router.Register("admin", s.adminHandler)
	s.pipe = pipeline.New(router, deps.Logger, deps.Metrics, cfg.Pipeline.MaxConcurrentOperations)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/cluster/root", s.handleClusterRoot)
	mux.HandleFunc("/cluster/leaves", s.handleClusterLeaves)
	mux.HandleFunc("/cluster/bucket", s.handleClusterBucket)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.RequestTimeout,
		IdleTimeout: cfg.Connection.IdleTimeout,
	}
	return s
}

// Handler exposes the route table, used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("Starting sync server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Sync server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown sequences graceful termination: stop admitting, drain
// in-flight requests, close client connections, drain partition
// actors (which flushes queued writes), then stop the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down sync server")
	if err := s.deps.Shutdown.Drain(ctx); err != nil {
		s.logger.Warn("Request drain incomplete", zap.Error(err))
	}
	s.deps.Conns.CloseAll()
	if err := s.deps.Manager.Drain(ctx); err != nil {
		s.logger.Warn("Partition drain incomplete", zap.Error(err))
	}
	return s.httpServer.Shutdown(ctx)
}

// --- service handlers ---

func (s *Server) crdtHandler(ctx context.Context, op *operation.Operation) *operation.Result {
	switch op.Kind {
	case operation.KindSubscribe:
		s.deps.Subs.Subscribe(op.SubID, op.Context.ClientID, *op.Shape)
		s.deps.Metrics.SubscriptionsActive.Set(float64(s.deps.Subs.Len()))
		return operation.OkResult(op.Context.CallID, nil, true)
	case operation.KindUnsubscribe:
		s.deps.Subs.Unsubscribe(op.SubID, op.Context.ClientID)
		s.deps.Metrics.SubscriptionsActive.Set(float64(s.deps.Subs.Len()))
		return operation.OkResult(op.Context.CallID, nil, true)
	}
	return s.deps.Manager.Execute(ctx, op)
}

func (s *Server) clusterHandler(ctx context.Context, op *operation.Operation) *operation.Result {
	if op.Kind == operation.KindAntiEntropySync {
		return s.runAntiEntropy(ctx, op)
	}
	return s.deps.Manager.Execute(ctx, op)
}

// runAntiEntropy syncs the named map against the requesting node for
// every partition this node owns.
func (s *Server) runAntiEntropy(ctx context.Context, op *operation.Operation) *operation.Result {
	caller := op.Context.CallerNodeID
	if caller == "" {
		return operation.ErrResult(op.Context.CallID, errors.MissingField("callerNode"))
	}
	if op.Map == "" {
		return operation.ErrResult(op.Context.CallID, errors.MissingField("map"))
	}
	merged := 0
	for _, id := range s.deps.Manager.OwnedPartitions() {
		n, err := s.deps.Manager.Actor(id).SyncWith(ctx, caller, op.Map, s.deps.Peers)
		if err != nil {
			return operation.ErrResult(op.Context.CallID, err)
		}
		merged += n
	}
	return operation.OkResult(op.Context.CallID, nil, merged > 0)
}

func (s *Server) adminHandler(ctx context.Context, op *operation.Operation) *operation.Result {
	if op.Kind != operation.KindGarbageCollect {
		return operation.ErrResult(op.Context.CallID,
			errors.NotImplemented("admin", op.Context.CallID))
	}
	expired, _, err := s.deps.Manager.RunGC(ctx, s.deps.Source.NowMillis())
	if err != nil {
		return operation.ErrResult(op.Context.CallID, err)
	}
	return operation.OkResult(op.Context.CallID, nil, expired > 0)
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"%s","node_id":"%s","timestamp":"%s"}`,
		s.deps.Shutdown.Phase(), s.cfg.Server.NodeID, time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.deps.Shutdown.Phase() != PhaseHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","phase":"%s"}`, s.deps.Shutdown.Phase())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

// handleSync accepts a msgpack batch of operation envelopes and
// answers positionally with one result per envelope.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.deps.Shutdown.Begin() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.deps.Shutdown.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var envelopes []operation.Envelope
	if err := msgpack.Unmarshal(body, &envelopes); err != nil {
		http.Error(w, "undecodable batch", http.StatusBadRequest)
		return
	}

	origin := operation.OriginClient
	callerNode := r.Header.Get(nodeHeader)
	if callerNode != "" {
		origin = operation.OriginPeer
	}
	clientID := r.Header.Get(clientHeader)

	results := make([]*operation.Result, len(envelopes))
	for i := range envelopes {
		results[i] = s.execute(r.Context(), &envelopes[i], origin, clientID, callerNode)
	}

	payload, err := msgpack.Marshal(results)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	_, _ = w.Write(payload)
}

func (s *Server) execute(ctx context.Context, env *operation.Envelope, origin operation.Origin, clientID, callerNode string) *operation.Result {
	op, err := s.classifier.Classify(env, origin, clientID, s.deps.Source.NowMillis())
	if err != nil {
		return operation.ErrResult(env.CallID, err)
	}
	op.Context.CallerNodeID = callerNode
	return s.pipe.Submit(ctx, op)
}

// handleConnect upgrades to a websocket session: inbound frames are
// operation envelopes, outbound frames are results and subscription
// events.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Shutdown.Phase() != PhaseHealthy {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(clientID, ws, s.cfg.Connection.OutboundChannelCapacity,
		int64(s.cfg.Connection.MaxWriteBufferBytes), s.cfg.Connection.SendTimeout, s.logger)
	s.deps.Conns.add(c)
	go c.writeLoop()
	s.logger.Info("Client connected", zap.String("client_id", clientID))

	defer func() {
		s.deps.Subs.DropClient(clientID)
		s.deps.Metrics.SubscriptionsActive.Set(float64(s.deps.Subs.Len()))
		s.deps.Conns.remove(c)
		s.logger.Info("Client disconnected", zap.String("client_id", clientID))
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Connection.IdleTimeout))
		msgType, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		var env operation.Envelope
		if err := msgpack.Unmarshal(frame, &env); err != nil {
			s.replyWs(c, operation.ErrResult(env.CallID, errors.BadEncoding(err)))
			continue
		}

		var res *operation.Result
		if !s.deps.Shutdown.Begin() {
			res = operation.ErrResult(env.CallID, errors.ShuttingDown())
		} else {
			res = s.execute(r.Context(), &env, operation.OriginClient, clientID, "")
			s.deps.Shutdown.End()
		}
		s.replyWs(c, res)
	}
}

func (s *Server) replyWs(c *conn, res *operation.Result) {
	frame, err := msgpack.Marshal(wsMessage{Kind: "result", Result: res})
	if err != nil {
		s.logger.Error("Result encode failed", zap.Error(err))
		return
	}
	if err := c.enqueue(frame); err != nil {
		s.logger.Debug("Result dropped on full outbound queue", zap.Error(err))
	}
}

// --- peer anti-entropy endpoints ---

func (s *Server) peerActor(w http.ResponseWriter, r *http.Request) (*partition.Actor, string, bool) {
	if r.Header.Get(nodeHeader) == "" {
		http.Error(w, "peer endpoint", http.StatusForbidden)
		return nil, "", false
	}
	mapName := r.URL.Query().Get("map")
	partitionID, err := strconv.Atoi(r.URL.Query().Get("partition"))
	if err != nil || mapName == "" {
		http.Error(w, "map and partition required", http.StatusBadRequest)
		return nil, "", false
	}
	a := s.deps.Manager.Actor(partitionID)
	if a == nil {
		http.Error(w, "unknown partition", http.StatusBadRequest)
		return nil, "", false
	}
	return a, mapName, true
}

func (s *Server) writeMsgpack(w http.ResponseWriter, payload interface{}) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	_, _ = w.Write(raw)
}

func (s *Server) handleClusterRoot(w http.ResponseWriter, r *http.Request) {
	a, mapName, ok := s.peerActor(w, r)
	if !ok {
		return
	}
	root, err := a.Root(r.Context(), mapName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeMsgpack(w, rootPayload{Root: root[:]})
}

func (s *Server) handleClusterLeaves(w http.ResponseWriter, r *http.Request) {
	a, mapName, ok := s.peerActor(w, r)
	if !ok {
		return
	}
	leaves, err := a.Leaves(r.Context(), mapName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	payload := leavesPayload{Leaves: make([][]byte, len(leaves))}
	for i := range leaves {
		payload.Leaves[i] = append([]byte(nil), leaves[i][:]...)
	}
	s.writeMsgpack(w, payload)
}

func (s *Server) handleClusterBucket(w http.ResponseWriter, r *http.Request) {
	a, mapName, ok := s.peerActor(w, r)
	if !ok {
		return
	}
	bucket, err := strconv.Atoi(r.URL.Query().Get("bucket"))
	if err != nil {
		http.Error(w, "bucket required", http.StatusBadRequest)
		return
	}
	entries, err := a.Bucket(r.Context(), mapName, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	payload := bucketPayload{Entries: make([]bucketEntryPayload, len(entries))}
	for i, e := range entries {
		payload.Entries[i] = bucketEntryPayload{
			Key:         e.Key,
			Fingerprint: append([]byte(nil), e.Fingerprint[:]...),
			Timestamp:   e.Timestamp,
			Record:      e.Value,
		}
	}
	s.writeMsgpack(w, payload)
}
