package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/operation"
)

// Handler executes one classified operation and always produces a
// result; failures travel inside the result, not as Go errors.
type Handler func(ctx context.Context, op *operation.Operation) *operation.Result

// Middleware wraps a handler with one pipeline concern.
type Middleware func(next Handler) Handler

// Chain wraps h with the given middleware; the first middleware is the
// outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoadShed rejects new operations once maxConcurrent are in flight.
// Rejection is synchronous; shed operations never queue.
func LoadShed(maxConcurrent int64, m *metrics.Metrics) Middleware {
	sem := semaphore.NewWeighted(maxConcurrent)
	return func(next Handler) Handler {
		return func(ctx context.Context, op *operation.Operation) *operation.Result {
			if !sem.TryAcquire(1) {
				m.OperationsShed.Inc()
				return operation.ErrResult(op.Context.CallID, errors.Overloaded(maxConcurrent))
			}
			defer sem.Release(1)
			m.OperationsInFlight.Inc()
			defer m.OperationsInFlight.Dec()
			return next(ctx, op)
		}
	}
}

// Timeout bounds the execution time of each operation by its call
// timeout. On expiry the caller gets a timeout result and the
// downstream context is cancelled so the operation is not applied.
func Timeout(m *metrics.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, op *operation.Operation) *operation.Result {
			timeoutMillis := op.Context.CallTimeoutMillis
			if timeoutMillis <= 0 {
				return next(ctx, op)
			}
			tctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
			defer cancel()

			done := make(chan *operation.Result, 1)
			go func() {
				done <- next(tctx, op)
			}()

			select {
			case res := <-done:
				return res
			case <-tctx.Done():
				if tctx.Err() == context.DeadlineExceeded {
					m.OperationsTimedOut.Inc()
					return operation.ErrResult(op.Context.CallID, errors.Timeout(timeoutMillis))
				}
				return operation.ErrResult(op.Context.CallID, errors.ShuttingDown())
			}
		}
	}
}

// Observe records duration and outcome for every operation and emits a
// correlated debug log line.
func Observe(logger *zap.Logger, m *metrics.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, op *operation.Operation) *operation.Result {
			start := time.Now()
			res := next(ctx, op)
			elapsed := time.Since(start)

			outcome := "ok"
			if !res.OK {
				outcome = res.ErrKind
			}
			m.RecordOperation(op.Context.ServiceName, outcome, elapsed.Seconds())
			logger.Debug("operation finished",
				zap.String("service", op.Context.ServiceName),
				zap.String("type", string(op.Kind)),
				zap.String("call_id", op.Context.CallID),
				zap.String("trace_id", op.Request.TraceID),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
				zap.String("outcome", outcome))
			return res
		}
	}
}

// Pipeline is the assembled middleware stack in front of the router.
type Pipeline struct {
	handler Handler
}

// New builds the standard stack: load shedding outermost, then the
// per-call timeout, then observation, then dispatch.
func New(router *Router, logger *zap.Logger, m *metrics.Metrics, maxConcurrent int64) *Pipeline {
	return &Pipeline{
		handler: Chain(router.Handle,
			LoadShed(maxConcurrent, m),
			Timeout(m),
			Observe(logger, m)),
	}
}

// Submit runs one operation through the stack.
func (p *Pipeline) Submit(ctx context.Context, op *operation.Operation) *operation.Result {
	return p.handler(ctx, op)
}
