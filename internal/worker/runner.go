package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Runnable is one periodic background job.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner executes a runnable on a jittered interval. Failures are
// logged and retried on the next tick; a failing job never stops its
// runner.
type Runner struct {
	runnable Runnable
	interval time.Duration
	// jitterFrac spreads ticks by ±interval*jitterFrac so peers do not
	// synchronize their anti-entropy rounds.
	jitterFrac float64
	timeout    time.Duration
	logger     *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	runs     uint64
	failures uint64
}

func NewRunner(r Runnable, interval time.Duration, jitterFrac float64, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jitterFrac < 0 {
		jitterFrac = 0
	}
	return &Runner{
		runnable:   r,
		interval:   interval,
		jitterFrac: jitterFrac,
		timeout:    interval,
		logger:     logger.With(zap.String("job", r.Name())),
		stopChan:   make(chan struct{}),
	}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("Background job started", zap.Duration("interval", r.interval))
}

func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
	r.logger.Info("Background job stopped",
		zap.Uint64("runs", atomic.LoadUint64(&r.runs)),
		zap.Uint64("failures", atomic.LoadUint64(&r.failures)))
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		case <-time.After(r.nextDelay()):
			r.runOnce()
		}
	}
}

func (r *Runner) nextDelay() time.Duration {
	if r.jitterFrac == 0 {
		return r.interval
	}
	spread := float64(r.interval) * r.jitterFrac
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(r.interval) + offset)
}

func (r *Runner) runOnce() {
	atomic.AddUint64(&r.runs, 1)
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	if err := r.runnable.Run(ctx); err != nil {
		atomic.AddUint64(&r.failures, 1)
		r.logger.Warn("Background job failed, retrying next tick",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	r.logger.Debug("Background job finished", zap.Duration("duration", time.Since(start)))
}

// Stats reports run counters for health endpoints.
func (r *Runner) Stats() (runs, failures uint64) {
	return atomic.LoadUint64(&r.runs), atomic.LoadUint64(&r.failures)
}

// Group bundles runners that start and stop together.
type Group struct {
	runners []*Runner
}

func (g *Group) Add(r *Runner) {
	g.runners = append(g.runners, r)
}

func (g *Group) Start() {
	for _, r := range g.runners {
		r.Start()
	}
}

func (g *Group) Stop() {
	for _, r := range g.runners {
		r.Stop()
	}
}
