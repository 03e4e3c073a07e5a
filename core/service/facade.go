package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	semaphoreKeyNotApplicable = "_NA_"
	semaphoreKeyNull          = "_NULL_"
)

// Request is one call of a named service.
type Request struct {
	Name       string
	Parameters map[string]any

	IgnoreTransaction     bool
	RequireNewTransaction bool
	// UseTransactionCache overrides the definition when set.
	UseTransactionCache *bool
	// TransactionTimeout overrides the definition when positive.
	TransactionTimeout time.Duration
	// Multi runs the service once per row of suffixed parameters in one transaction.
	Multi bool
}

// txPolicy is the transaction boundary decision for one invocation.
type txPolicy struct {
	ignore     bool
	requireNew bool
	useCache   bool
	timeout    time.Duration
}

func resolvePolicy(def *Definition, req Request) txPolicy {
	p := txPolicy{
		ignore:     req.IgnoreTransaction || def.TxIgnore,
		requireNew: req.RequireNewTransaction || def.TxForceNew,
		useCache:   def.TxUseCache,
		timeout:    def.TxTimeout,
	}
	if req.UseTransactionCache != nil {
		p.useCache = *req.UseTransactionCache
	}
	if req.TransactionTimeout > 0 {
		p.timeout = req.TransactionTimeout
	}
	return p
}

// Facade runs services under their transaction and semaphore policy.
type Facade struct {
	registry   *Registry
	tx         *transaction.Coordinator
	semaphores SemaphoreStore
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *internaltelemetry.TxMetrics
}

// NewFacade wires a facade. semaphores, tracer and metrics may be nil.
func NewFacade(registry *Registry, tx *transaction.Coordinator, semaphores SemaphoreStore, logger *zap.Logger, tracer trace.Tracer, metrics *internaltelemetry.TxMetrics) *Facade {
	if semaphores == nil {
		semaphores = NewMemorySemaphoreStore()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTxMetrics()
	}
	return &Facade{
		registry:   registry,
		tx:         tx,
		semaphores: semaphores,
		logger:     logger.Named("service_facade"),
		tracer:     tracer,
		metrics:    metrics,
	}
}

func (f *Facade) Registry() *Registry { return f.registry }

func (f *Facade) Coordinator() *transaction.Coordinator { return f.tx }

// Call resolves req.Name and runs the service on worker.
func (f *Facade) Call(ctx context.Context, worker transaction.WorkerID, req Request) (map[string]any, error) {
	def, err := f.registry.Lookup(req.Name)
	if err != nil {
		var nf *UnitOfWorkNotFoundError
		if errors.As(err, &nf) {
			f.logger.Info("No service with name", zap.String("service", req.Name))
		}
		return nil, err
	}
	if def.Interface {
		return nil, fmt.Errorf("%s: %w", def.Name(), ErrNotRunnable)
	}

	ctx, span := f.tracer.Start(ctx, "service.Call", trace.WithAttributes(
		attribute.String("service.name", def.Name()),
		attribute.String("worker", string(worker)),
		attribute.Bool("multi", req.Multi),
	))
	defer span.End()

	policy := resolvePolicy(def, req)
	var result map[string]any
	if req.Multi {
		result, err = f.callMulti(ctx, worker, def, policy, req.Parameters)
	} else {
		result, err = f.callSingle(ctx, worker, def, policy, req.Parameters)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// callSingle applies the semaphore, the transaction boundary and runs the
// body once.
func (f *Facade) callSingle(ctx context.Context, worker transaction.WorkerID, def *Definition, policy txPolicy, params map[string]any) (result map[string]any, err error) {
	name := def.Name()
	if !policy.requireNew {
		if err := f.refuseDoomed(ctx, worker, name); err != nil {
			return nil, err
		}
	}

	// semaphore before any transaction is begun so waiting does not eat the timeout
	var releaseSemaphore func()
	if def.HasSemaphore() {
		if releaseSemaphore, err = f.acquireSemaphore(ctx, worker, def, params); err != nil {
			return nil, err
		}
	}

	var suspended *transaction.SuspendedHandle
	defer func() {
		if releaseSemaphore != nil {
			releaseSemaphore()
		}
		if suspended != nil {
			if rerr := f.tx.Resume(ctx, worker, suspended); rerr != nil {
				f.logger.Error("Error resuming parent transaction after call to service", zap.String("service", name), zap.Uint64("txID", suspended.TxID()), zap.Error(rerr))
				if err == nil {
					err = rerr
				}
			}
		}
	}()

	if policy.requireNew && f.tx.IsTransactionInPlace(ctx, worker) {
		if suspended, err = f.tx.Suspend(ctx, worker); err != nil {
			return nil, err
		}
	}

	began := false
	if !policy.ignore && !f.tx.IsTransactionInPlace(ctx, worker) {
		if _, err = f.tx.Begin(ctx, worker, policy.timeout); err != nil {
			return nil, err
		}
		began = true
	}
	if policy.useCache && f.tx.IsTransactionInPlace(ctx, worker) {
		if _, cerr := f.tx.InitTransactionCache(ctx, worker, false); cerr != nil {
			f.logger.Warn("Could not initialize transaction cache", zap.String("service", name), zap.Error(cerr))
		}
	}

	result, bodyErr := f.runBody(ctx, worker, def, params)
	if bodyErr != nil {
		bodyErr = &ExecutionError{Service: name, Err: bodyErr}
		f.logger.Warn("Error running service", zap.String("service", name), zap.String("worker", string(worker)), zap.Error(bodyErr))
		if f.tx.IsTransactionInPlace(ctx, worker) {
			if merr := f.tx.MarkRollbackOnly(ctx, worker, "Error running service "+name, bodyErr); merr != nil {
				f.logger.Error("Could not mark transaction rollback-only", zap.String("service", name), zap.Error(merr))
			}
		}
	}

	if began {
		if endErr := f.endTransaction(ctx, worker, bodyErr); endErr != nil {
			if bodyErr == nil {
				return nil, endErr
			}
			f.logger.Warn("Error ending transaction for service", zap.String("service", name), zap.Error(endErr))
		}
	}
	if bodyErr != nil {
		return nil, bodyErr
	}
	return result, nil
}

// refuseDoomed fails a call that would join a transaction already marked
// rollback-only or ended externally.
func (f *Facade) refuseDoomed(ctx context.Context, worker transaction.WorkerID, name string) error {
	switch status := f.tx.Status(ctx, worker); status {
	case transaction.StatusMarkedRollback, transaction.StatusRolledBack:
		f.logger.Warn("Transaction marked rollback-only, not running service",
			zap.String("service", name), zap.String("worker", string(worker)), zap.Stringer("status", status))
		return fmt.Errorf("%s: %w", name, ErrRollbackOnlyTransaction)
	default:
		return nil
	}
}

// endTransaction commits the transaction begun by a call, or rolls it back
// after a failure. Commit of a transaction a nested call marked
// rollback-only rolls back on its own.
func (f *Facade) endTransaction(ctx context.Context, worker transaction.WorkerID, bodyErr error) error {
	if bodyErr != nil {
		return f.tx.Rollback(ctx, worker, "", nil)
	}
	return f.tx.Commit(ctx, worker)
}

func (f *Facade) runBody(ctx context.Context, worker transaction.WorkerID, def *Definition, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Panic running service", zap.String("service", def.Name()), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	sc := &Scope{Worker: worker, Name: def.Name(), facade: f}
	result, err = def.Body(ctx, sc, params)
	if result == nil && err == nil {
		result = map[string]any{}
	}
	return result, err
}

func semaphoreTarget(def *Definition, params map[string]any) (name, key string) {
	name = def.SemaphoreName
	if name == "" {
		name = def.Name()
	}
	switch {
	case def.SemaphoreParameter == "":
		key = semaphoreKeyNotApplicable
	case params[def.SemaphoreParameter] == nil:
		key = semaphoreKeyNull
	default:
		key = fmt.Sprint(params[def.SemaphoreParameter])
	}
	return name, key
}

// acquireSemaphore takes the semaphore of def and returns its release. A
// holder on the same worker is a reentrant call and nothing is taken.
func (f *Facade) acquireSemaphore(ctx context.Context, worker transaction.WorkerID, def *Definition, params map[string]any) (func(), error) {
	name, key := semaphoreTarget(def, params)
	occ := Occupant{Token: uuid.NewString(), Worker: string(worker), Since: time.Now()}

	start := time.Now()
	deadline := start.Add(def.SemaphoreTimeout)
	if txc := f.tx.Active(ctx, worker); txc != nil && txc.Deadline().Before(deadline) {
		deadline = txc.Deadline()
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(def.SemaphoreSleep), 1)
	limiter.Allow()

	retried := false
	for {
		holder, acquired, err := f.semaphores.TryAcquire(ctx, name, key, occ, def.SemaphoreIgnore)
		if err != nil {
			// a single retry after one sleep when creating the occupancy raced
			if def.Semaphore == SemaphoreWait && !retried && errors.Is(err, ErrSemaphoreTransient) {
				retried = true
				f.logger.Warn("Semaphore creation failed, retrying once", zap.String("semaphore", name), zap.String("key", key), zap.Error(err))
				if werr := limiter.Wait(waitCtx); werr != nil {
					return nil, fmt.Errorf("semaphore %s (key %s): %w", name, key, err)
				}
				continue
			}
			return nil, fmt.Errorf("semaphore %s (key %s): %w", name, key, err)
		}
		if acquired {
			if holder.Token != occ.Token {
				return nil, fmt.Errorf("semaphore %s (key %s): store returned a foreign occupant", name, key)
			}
			break
		}
		if holder.Worker == occ.Worker {
			f.logger.Debug("Semaphore already held by this worker", zap.String("semaphore", name), zap.String("key", key))
			return func() {}, nil
		}
		if def.Semaphore == SemaphoreFail {
			f.metrics.SemaphoreConflictCounter.Add(ctx, 1)
			return nil, &ConcurrencyConflictError{Semaphore: name, Key: key, Holder: *holder}
		}
		if werr := limiter.Wait(waitCtx); werr != nil {
			f.metrics.SemaphoreConflictCounter.Add(ctx, 1)
			return nil, &ConcurrencyConflictError{Semaphore: name, Key: key, Holder: *holder, Waited: time.Since(start)}
		}
	}

	return func() {
		if err := f.semaphores.Release(context.WithoutCancel(ctx), name, key, occ.Token); err != nil {
			f.logger.Error("Error clearing semaphore", zap.String("semaphore", name), zap.String("key", key), zap.Error(err))
		}
	}, nil
}
