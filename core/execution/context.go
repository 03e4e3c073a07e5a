// Package execution runs units of work on pooled workers and guarantees
// that no execution context or transaction outlives the task that created it.
package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/service"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	ErrContextDestroyed = errors.New("execution context already destroyed")
	ErrPoolClosed       = errors.New("worker pool is shut down")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrInvalidTask      = errors.New("invalid scheduled task")
)

// ExecutionContext is the per-worker state a task runs with.
type ExecutionContext struct {
	Worker  transaction.WorkerID
	Created time.Time

	factory   *Factory
	destroyed atomic.Bool
}

// Call runs a service on the context's worker.
func (ec *ExecutionContext) Call(ctx context.Context, req service.Request) (map[string]any, error) {
	if ec.destroyed.Load() {
		return nil, ErrContextDestroyed
	}
	return ec.factory.facade.Call(ctx, ec.Worker, req)
}

// Transaction returns the active transaction of the worker or nil.
func (ec *ExecutionContext) Transaction(ctx context.Context) *transaction.Context {
	return ec.factory.tx.Active(ctx, ec.Worker)
}

// Destroy rolls back whatever transactions are left on the worker and
// forgets the context. Calling it again is a no-op.
func (ec *ExecutionContext) Destroy(ctx context.Context) error {
	if !ec.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := ec.factory.tx.DestroyAllOnWorker(ctx, ec.Worker)
	ec.factory.remove(ec)
	return err
}

// Factory creates and tracks execution contexts by worker.
type Factory struct {
	mu     sync.Mutex
	active map[transaction.WorkerID]*ExecutionContext

	facade  *service.Facade
	tx      *transaction.Coordinator
	logger  *zap.Logger
	metrics *internaltelemetry.TxMetrics
}

func NewFactory(facade *service.Facade, logger *zap.Logger, metrics *internaltelemetry.TxMetrics) *Factory {
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTxMetrics()
	}
	return &Factory{
		active:  make(map[transaction.WorkerID]*ExecutionContext),
		facade:  facade,
		tx:      facade.Coordinator(),
		logger:  logger.Named("execution"),
		metrics: metrics,
	}
}

// GetEci returns the context of worker, creating it on first use.
func (f *Factory) GetEci(worker transaction.WorkerID) *ExecutionContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ec := f.active[worker]; ec != nil {
		return ec
	}
	ec := &ExecutionContext{Worker: worker, Created: time.Now(), factory: f}
	f.active[worker] = ec
	return ec
}

// Active returns the context of worker without creating one.
func (f *Factory) Active(worker transaction.WorkerID) *ExecutionContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[worker]
}

// DestroyActive destroys the context of worker if there is one.
func (f *Factory) DestroyActive(ctx context.Context, worker transaction.WorkerID) error {
	if ec := f.Active(worker); ec != nil {
		return ec.Destroy(ctx)
	}
	return nil
}

func (f *Factory) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *Factory) remove(ec *ExecutionContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[ec.Worker] == ec {
		delete(f.active, ec.Worker)
	}
}

// AfterExecute verifies a worker is clean once a pooled task returned. A
// leftover execution context is destroyed; without one, any transaction
// still on the worker is rolled back. Both are logged as errors.
func (f *Factory) AfterExecute(ctx context.Context, worker transaction.WorkerID, task string) {
	if ec := f.Active(worker); ec != nil {
		f.logger.Error("Execution context still in place after task, destroying",
			zap.String("task", task), zap.String("worker", string(worker)), zap.Time("created", ec.Created))
		f.metrics.LeakedWorkerCounter.Add(ctx, 1)
		if err := ec.Destroy(ctx); err != nil {
			f.logger.Error("Error destroying execution context after task", zap.String("task", task), zap.String("worker", string(worker)), zap.Error(err))
		}
		return
	}
	if f.tx.HasState(worker) {
		f.logger.Error("Transaction in place after task, destroying",
			zap.String("task", task), zap.String("worker", string(worker)))
		f.metrics.LeakedWorkerCounter.Add(ctx, 1)
		if err := f.tx.DestroyAllOnWorker(ctx, worker); err != nil {
			f.logger.Error("Error destroying transactions after task", zap.String("task", task), zap.String("worker", string(worker)), zap.Error(err))
		}
	}
}
