package partition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/cluster"
	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/store"
)

// Replicator delivers replicated mutations to a peer node.
type Replicator interface {
	ReplicateWrite(ctx context.Context, node, mapName, key string, record *crdt.RecordValue) error
	ReplicateDelete(ctx context.Context, node, mapName, key string) error
}

type emitJob struct {
	mapName   string
	partition int
	key       string
	// record is nil for deletes
	record *crdt.RecordValue
}

// Emitter forwards local mutations to the partition's backup owners.
// It observes record stores and ships asynchronously; a full queue
// drops the job and leaves repair to anti-entropy.
type Emitter struct {
	nodeID      string
	backupCount int
	sendTimeout time.Duration
	membership  cluster.Membership
	replicator  Replicator
	metrics     *metrics.Metrics
	logger      *zap.Logger

	queue chan emitJob
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewEmitter(membership cluster.Membership, replicator Replicator, backupCount int, queueCapacity int, m *metrics.Metrics, logger *zap.Logger) *Emitter {
	if backupCount <= 0 {
		backupCount = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	return &Emitter{
		nodeID:      membership.LocalNode(),
		backupCount: backupCount,
		sendTimeout: 5 * time.Second,
		membership:  membership,
		replicator:  replicator,
		metrics:     m,
		logger:      logger,
		queue:       make(chan emitJob, queueCapacity),
		stop:        make(chan struct{}),
	}
}

func (e *Emitter) Name() string { return "replication" }

// OnMutation queues local mutations for shipping. Peer-applied
// mutations are never re-emitted.
func (e *Emitter) OnMutation(_ context.Context, m store.Mutation) error {
	if m.FromPeer {
		return nil
	}
	job := emitJob{mapName: m.Map, partition: m.Partition, key: m.Key}
	if m.New != nil {
		job.record = m.New.Clone()
	}
	select {
	case e.queue <- job:
	default:
		e.logger.Warn("replication queue full, dropping job",
			zap.String("map", m.Map), zap.String("key", m.Key))
	}
	return nil
}

func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop drains nothing; queued jobs not yet sent are abandoned and left
// to anti-entropy.
func (e *Emitter) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case job := <-e.queue:
			e.ship(job)
		}
	}
}

func (e *Emitter) ship(job emitJob) {
	targets := e.membership.Backups(job.partition, e.backupCount)
	for _, node := range targets {
		if node == e.nodeID {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
		var err error
		if job.record != nil {
			err = e.replicator.ReplicateWrite(ctx, node, job.mapName, job.key, job.record)
		} else {
			err = e.replicator.ReplicateDelete(ctx, node, job.mapName, job.key)
		}
		cancel()
		if err != nil {
			e.logger.Warn("replication send failed",
				zap.String("node", node),
				zap.String("map", job.mapName),
				zap.String("key", job.key),
				zap.Error(err))
			continue
		}
		e.metrics.ReplicationsSentTotal.Inc()
	}
}
