package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojotx/core/service"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Task is a unit of work run on a pooled worker.
type Task func(ctx context.Context, worker transaction.WorkerID) error

// PoolConfig holds the worker pool settings.
type PoolConfig struct {
	// SubmitRate limits task submissions per second, 0 means unlimited.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
	// WorkerPrefix names the generated worker ids.
	WorkerPrefix string `yaml:"worker_prefix"`
}

// Future is the pending result of a submitted task.
type Future struct {
	ID     string
	Worker transaction.WorkerID

	done   chan struct{}
	result map[string]any
	err    error
}

// Done is closed once the task returned and its worker was cleaned up.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finished or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the map set by RunService, valid after Done.
func (f *Future) Result() map[string]any { return f.result }

// Pool runs each task on its own goroutine with a fresh worker identity
// and applies the cleanup contract when the task returns.
type Pool struct {
	factory *Factory
	limiter *rate.Limiter
	prefix  string
	logger  *zap.Logger

	seq    atomic.Uint64
	closed atomic.Bool
	mu     sync.RWMutex // held for reading while adding to wg
	wg     sync.WaitGroup
}

func NewPool(cfg PoolConfig, factory *Factory, logger *zap.Logger) *Pool {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	prefix := cfg.WorkerPrefix
	if prefix == "" {
		prefix = "worker"
	}
	return &Pool{
		factory: factory,
		limiter: limiter,
		prefix:  prefix,
		logger:  logger.Named("worker_pool"),
	}
}

func (p *Pool) nextWorker() transaction.WorkerID {
	return transaction.WorkerID(p.prefix + "-" + strconv.FormatUint(p.seq.Inc(), 10))
}

// Submit runs task on a new worker. It waits for the submit rate limit.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (*Future, error) {
	return p.start(ctx, name, func(ctx context.Context, fut *Future) error {
		return task(ctx, fut.Worker)
	})
}

// RunWithContext runs fn with an execution context that is always
// destroyed when fn returns.
func (p *Pool) RunWithContext(ctx context.Context, name string, fn func(ctx context.Context, ec *ExecutionContext) error) (*Future, error) {
	return p.start(ctx, name, func(ctx context.Context, fut *Future) error {
		ec := p.factory.GetEci(fut.Worker)
		defer func() {
			if err := ec.Destroy(context.WithoutCancel(ctx)); err != nil {
				p.logger.Error("Error destroying execution context", zap.String("task", name), zap.Error(err))
			}
		}()
		return fn(ctx, ec)
	})
}

// RunService calls a service on a pooled worker; the future carries its result.
func (p *Pool) RunService(ctx context.Context, req service.Request) (*Future, error) {
	return p.start(ctx, req.Name, func(ctx context.Context, fut *Future) error {
		ec := p.factory.GetEci(fut.Worker)
		defer func() {
			if err := ec.Destroy(context.WithoutCancel(ctx)); err != nil {
				p.logger.Error("Error destroying execution context", zap.String("task", req.Name), zap.Error(err))
			}
		}()
		result, err := ec.Call(ctx, req)
		fut.result = result
		return err
	})
}

func (p *Pool) start(ctx context.Context, name string, run func(ctx context.Context, fut *Future) error) (*Future, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, err)
	}
	p.mu.RLock()
	if p.closed.Load() {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	fut := &Future{ID: uuid.NewString(), Worker: p.nextWorker(), done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer close(fut.done)
		defer p.factory.AfterExecute(context.WithoutCancel(ctx), fut.Worker, name)
		fut.err = p.safeRun(ctx, name, fut, run)
	}()
	return fut, nil
}

func (p *Pool) safeRun(ctx context.Context, name string, fut *Future, run func(ctx context.Context, fut *Future) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in worker task", zap.String("task", name), zap.String("worker", string(fut.Worker)), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	if err = run(ctx, fut); err != nil {
		p.logger.Error("Error in worker task", zap.String("task", name), zap.String("worker", string(fut.Worker)), zap.Error(err))
	}
	return err
}

// Shutdown stops accepting tasks and waits for running ones or ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed.Store(true)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
