package worker

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/datastore"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/partition"
)

// GcJob sweeps expired records and over-budget evictions across all
// partitions.
type GcJob struct {
	Manager *partition.Manager
	Source  hlc.ClockSource
	Metrics *metrics.Metrics
}

func (GcJob) Name() string { return "gc" }

func (j GcJob) Run(ctx context.Context) error {
	start := time.Now()
	expired, _, err := j.Manager.RunGC(ctx, j.Source.NowMillis())
	if err != nil {
		return err
	}
	j.Metrics.RecordGcRun(time.Since(start).Seconds(), expired, 0)
	return nil
}

// AntiEntropyJob runs one sync round for every owned partition.
type AntiEntropyJob struct {
	Manager     *partition.Manager
	Peers       partition.PeerSync
	BackupCount int
}

func (AntiEntropyJob) Name() string { return "anti-entropy" }

func (j AntiEntropyJob) Run(ctx context.Context) error {
	_, err := j.Manager.SyncOwned(ctx, j.BackupCount, j.Peers)
	return err
}

// FlushJob drains queued write-behind operations.
type FlushJob struct {
	// Stores lists the live data stores; the provider is called each
	// tick because record stores are created lazily.
	Stores  func() []datastore.MapDataStore
	Metrics *metrics.Metrics
}

func (FlushJob) Name() string { return "write-behind-flush" }

func (j FlushJob) Run(ctx context.Context) error {
	var errs error
	pending := 0
	for _, ds := range j.Stores() {
		if _, err := ds.SoftFlush(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		if wb, ok := ds.(*datastore.WriteBehindStore); ok {
			j.Metrics.WriteBehindRetries.Add(float64(wb.TakeRetryCount()))
		}
		pending += ds.PendingOperationCount()
	}
	j.Metrics.WriteBehindFlushes.Inc()
	j.Metrics.WriteBehindQueueDepth.Set(float64(pending))
	return errs
}

// ClockSkewJob watches how far the hybrid clock has been pushed ahead
// of the wall clock by remote observations.
type ClockSkewJob struct {
	Clock     *hlc.Clock
	Source    hlc.ClockSource
	Threshold time.Duration
	Logger    *zap.Logger
}

func (ClockSkewJob) Name() string { return "clock-skew-monitor" }

func (j ClockSkewJob) Run(_ context.Context) error {
	drift := j.Clock.Now().PhysicalMillis - j.Source.NowMillis()
	if drift > j.Threshold.Milliseconds() {
		j.Logger.Warn("Hybrid clock running ahead of wall clock",
			zap.Int64("drift_ms", drift))
	}
	return nil
}
