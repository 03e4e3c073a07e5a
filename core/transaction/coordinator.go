package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/connection"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the coordinator settings.
type Config struct {
	// DefaultTimeout applies to Begin calls without a timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// CacheSize bounds each transaction cache.
	CacheSize int `yaml:"cache_size"`
}

// ExpiredInfo describes a live transaction past its deadline.
type ExpiredInfo struct {
	TxID      uint64
	Worker    WorkerID
	BeginTime time.Time
	Timeout   time.Duration
}

// Coordinator is the facade workers call to begin, commit, roll back,
// suspend and resume transactions. It maps worker identity to the active
// Context and drives connection and record lock lifecycles.
//
// The maps below are the only coordinator state shared between workers;
// everything inside a Context belongs to the worker that owns it.
type Coordinator struct {
	mu        sync.Mutex
	active    map[WorkerID]*Context
	suspended map[WorkerID][]*SuspendedHandle
	live      map[uint64]*Context
	// contexts ended externally and already rolled back, kept until the
	// boundary that began them commits, rolls back or destroys
	ended map[WorkerID]*Context

	nextID  atomic.Uint64
	cfg     Config
	source  ConnectionSource
	locks   *RecordLockRegistry
	logger  *zap.Logger
	metrics *internaltelemetry.TxMetrics
	now     func() time.Time
}

// NewCoordinator creates a coordinator. source may be nil when no resource
// groups are configured.
func NewCoordinator(cfg Config, source ConnectionSource, locks *RecordLockRegistry, logger *zap.Logger, metrics *internaltelemetry.TxMetrics) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTxMetrics()
	}
	if locks == nil {
		locks = NewRecordLockRegistry(logger, metrics)
	}
	return &Coordinator{
		active:    make(map[WorkerID]*Context),
		suspended: make(map[WorkerID][]*SuspendedHandle),
		live:      make(map[uint64]*Context),
		ended:     make(map[WorkerID]*Context),
		cfg:       cfg,
		source:    source,
		locks:     locks,
		logger:    logger.Named("tx_coordinator"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Locks returns the record lock registry.
func (c *Coordinator) Locks() *RecordLockRegistry { return c.locks }

// Begin starts a transaction on worker. It fails with a StateError if a
// transaction is already in place; suspend it first.
func (c *Coordinator) Begin(ctx context.Context, worker WorkerID, timeout time.Duration) (*Context, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.mu.Lock()
	if cur := c.active[worker]; cur != nil {
		c.mu.Unlock()
		return nil, &StateError{Op: "begin", Worker: worker, Reason: fmt.Sprintf("transaction %d already in place", cur.ID)}
	}
	txc := newContext(c.nextID.Inc(), worker, timeout, c.now())
	if stack := c.suspended[worker]; len(stack) > 0 {
		txc.suspendedParent = stack[len(stack)-1]
	}
	c.active[worker] = txc
	c.live[txc.ID] = txc
	c.mu.Unlock()

	c.metrics.TxBegunCounter.Add(ctx, 1)
	c.metrics.ActiveTxUpDownCounter.Add(ctx, 1)
	c.logger.Debug("Transaction begun", zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)), zap.Duration("timeout", timeout))
	return txc, nil
}

// Suspend detaches the active transaction from worker, leaving it
// transaction-free. Resume with the returned handle.
func (c *Coordinator) Suspend(ctx context.Context, worker WorkerID) (*SuspendedHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.active[worker]
	if cur == nil {
		return nil, noActive("suspend", worker)
	}
	delete(c.active, worker)
	cur.state = TxnStateSuspended
	h := &SuspendedHandle{tx: cur, worker: worker, at: c.now(), location: commonutils.CallerLocation(2)}
	c.suspended[worker] = append(c.suspended[worker], h)
	c.logger.Debug("Transaction suspended", zap.Uint64("txID", cur.ID), zap.String("worker", string(worker)))
	return h, nil
}

// Resume reattaches the transaction of h to worker. Handles resume in stack
// order: h must be the most recent unresumed suspension on worker.
func (c *Coordinator) Resume(ctx context.Context, worker WorkerID, h *SuspendedHandle) error {
	if h == nil {
		return &StateError{Op: "resume", Worker: worker, Reason: "nil suspended handle"}
	}
	c.mu.Lock()
	if cur := c.active[worker]; cur != nil {
		c.mu.Unlock()
		return &StateError{Op: "resume", Worker: worker, Reason: fmt.Sprintf("transaction %d already in place", cur.ID)}
	}
	if h.resumed {
		c.mu.Unlock()
		return &StateError{Op: "resume", Worker: worker, Reason: fmt.Sprintf("transaction %d already resumed", h.tx.ID)}
	}
	stack := c.suspended[worker]
	if h.worker != worker || len(stack) == 0 || stack[len(stack)-1] != h {
		c.mu.Unlock()
		return &StateError{Op: "resume", Worker: worker, Reason: fmt.Sprintf("transaction %d is not the most recent suspension on this worker", h.tx.ID)}
	}
	c.popSuspendedLocked(worker)
	h.resumed = true
	txc := h.tx
	if reason := txc.endedExternally.Load(); reason != "" {
		c.mu.Unlock()
		c.logger.Warn("Suspended transaction ended externally, rolling back on resume",
			zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)), zap.String("reason", reason))
		c.abortEnded(ctx, worker, txc, reason)
		return fmt.Errorf("resume transaction %d: %w", txc.ID, ErrTransactionTimedOut)
	}
	txc.state = TxnStateActive
	txc.worker = worker
	c.active[worker] = txc
	c.mu.Unlock()
	c.logger.Debug("Transaction resumed", zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)))
	return nil
}

func (c *Coordinator) popSuspendedLocked(worker WorkerID) {
	stack := c.suspended[worker]
	stack[len(stack)-1] = nil
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(c.suspended, worker)
	} else {
		c.suspended[worker] = stack
	}
}

// current returns the active context of worker. A context ended by the
// external manager is rolled back here, on its owner, and reported as ended
// until the boundary that began it completes.
func (c *Coordinator) current(ctx context.Context, worker WorkerID) (txc *Context, ended bool) {
	c.mu.Lock()
	txc = c.active[worker]
	_, ended = c.ended[worker]
	c.mu.Unlock()
	if txc == nil {
		return nil, ended
	}
	if reason := txc.endedExternally.Load(); reason != "" {
		c.logger.Warn("Transaction ended externally, rolling back",
			zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)), zap.String("reason", reason))
		c.abortEnded(ctx, worker, txc, reason)
		return nil, true
	}
	return txc, false
}

// abortEnded rolls back the participants of a context the external manager
// ended and leaves it as the ended marker of worker.
func (c *Coordinator) abortEnded(ctx context.Context, worker WorkerID, txc *Context, reason string) {
	txc.markRollbackOnly(RollbackInfo{CauseMessage: reason, Cause: ErrTransactionTimedOut, Location: commonutils.CallerLocation(3), At: c.now()})
	if err := c.completeRollback(ctx, txc); err != nil {
		c.logger.Error("Error rolling back externally ended transaction", zap.Uint64("txID", txc.ID), zap.Error(err))
	}
	c.mu.Lock()
	c.ended[worker] = txc
	c.mu.Unlock()
}

// takeEnded removes and returns the ended marker of worker.
func (c *Coordinator) takeEnded(worker WorkerID) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	txc := c.ended[worker]
	delete(c.ended, worker)
	return txc
}

// Active returns the active context of worker or nil.
func (c *Coordinator) Active(ctx context.Context, worker WorkerID) *Context {
	txc, _ := c.current(ctx, worker)
	return txc
}

// IsTransactionInPlace reports whether worker has an active transaction.
func (c *Coordinator) IsTransactionInPlace(ctx context.Context, worker WorkerID) bool {
	return c.Active(ctx, worker) != nil
}

// HasState reports whether worker has an active, suspended or externally
// ended transaction.
func (c *Coordinator) HasState(worker WorkerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[worker] != nil || len(c.suspended[worker]) > 0 || c.ended[worker] != nil
}

// Status returns the transaction status of worker. A transaction ended
// externally reports StatusRolledBack until its boundary completes it.
func (c *Coordinator) Status(ctx context.Context, worker WorkerID) Status {
	txc, ended := c.current(ctx, worker)
	switch {
	case ended:
		return StatusRolledBack
	case txc == nil:
		return StatusNoTransaction
	case txc.rollbackOnly != nil:
		return StatusMarkedRollback
	default:
		return StatusActive
	}
}

// MarkRollbackOnly dooms the active transaction. The first cause wins; later
// causes are kept for diagnostics.
func (c *Coordinator) MarkRollbackOnly(ctx context.Context, worker WorkerID, cause string, causeErr error) error {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return noActive("mark rollback-only", worker)
	}
	first := txc.markRollbackOnly(RollbackInfo{
		CauseMessage: cause,
		Cause:        causeErr,
		Location:     commonutils.CallerLocation(2),
		At:           c.now(),
	})
	if first {
		c.logger.Debug("Transaction marked rollback-only", zap.Uint64("txID", txc.ID), zap.String("cause", cause), zap.Error(causeErr))
	}
	return nil
}

// Commit completes the active transaction of worker. A rollback-only
// transaction is rolled back instead and Commit returns nil. A transaction
// past its timeout, or ended externally, is rolled back and
// ErrTransactionTimedOut is returned.
func (c *Coordinator) Commit(ctx context.Context, worker WorkerID) error {
	txc, ended := c.current(ctx, worker)
	if ended {
		if gone := c.takeEnded(worker); gone != nil {
			return fmt.Errorf("commit transaction %d on worker %s: %w", gone.ID, worker, ErrTransactionTimedOut)
		}
		return fmt.Errorf("commit on worker %s: %w", worker, ErrTransactionTimedOut)
	}
	if txc == nil {
		return noActive("commit", worker)
	}

	if info, doomed := txc.RollbackOnly(); doomed {
		c.logger.Warn("Commit requested for rollback-only transaction, rolling back",
			zap.Uint64("txID", txc.ID), zap.String("cause", info.CauseMessage), zap.Error(info.Cause), zap.String("location", info.Location))
		return c.completeRollback(ctx, txc)
	}
	if now := c.now(); txc.Expired(now) {
		txc.markRollbackOnly(RollbackInfo{CauseMessage: "transaction timed out", Cause: ErrTransactionTimedOut, Location: commonutils.CallerLocation(1), At: now})
		err := c.completeRollback(ctx, txc)
		return multierr.Append(fmt.Errorf("commit transaction %d after %s: %w", txc.ID, now.Sub(txc.BeginTime), ErrTransactionTimedOut), err)
	}

	for _, name := range txc.syncOrder {
		if err := txc.syncs[name].BeforeCompletion(ctx); err != nil {
			txc.markRollbackOnly(RollbackInfo{CauseMessage: "before completion of " + name + " failed", Cause: err, Location: commonutils.CallerLocation(1), At: c.now()})
			rbErr := c.completeRollback(ctx, txc)
			return multierr.Append(fmt.Errorf("before completion of %s: %w", name, err), rbErr)
		}
	}
	for _, name := range txc.resourceOrder {
		if err := txc.resources[name].Prepare(ctx); err != nil {
			txc.markRollbackOnly(RollbackInfo{CauseMessage: "prepare of " + name + " failed", Cause: err, Location: commonutils.CallerLocation(1), At: c.now()})
			rbErr := c.completeRollback(ctx, txc)
			return multierr.Append(fmt.Errorf("prepare of %s: %w", name, err), rbErr)
		}
	}

	var errs error
	for _, name := range txc.resourceOrder {
		if err := txc.resources[name].Commit(ctx); err != nil {
			c.logger.Error("Resource commit failed", zap.Uint64("txID", txc.ID), zap.String("resource", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("commit of %s: %w", name, err))
		}
	}
	status := StatusCommitted
	if errs != nil {
		status = StatusRolledBack
	}
	for _, name := range txc.syncOrder {
		txc.syncs[name].AfterCompletion(ctx, status)
	}

	c.release(ctx, txc)
	if errs != nil {
		c.metrics.TxRolledBackCounter.Add(ctx, 1)
		return errs
	}
	c.metrics.TxCommittedCounter.Add(ctx, 1)
	c.logger.Debug("Transaction committed", zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)))
	return nil
}

// Rollback rolls back the active transaction of worker. cause, when not
// empty, is recorded as a rollback-only cause first.
func (c *Coordinator) Rollback(ctx context.Context, worker WorkerID, cause string, causeErr error) error {
	txc, ended := c.current(ctx, worker)
	if ended {
		c.takeEnded(worker)
		return nil
	}
	if txc == nil {
		return noActive("rollback", worker)
	}
	if cause != "" || causeErr != nil {
		txc.markRollbackOnly(RollbackInfo{CauseMessage: cause, Cause: causeErr, Location: commonutils.CallerLocation(2), At: c.now()})
	}
	return c.completeRollback(ctx, txc)
}

// completeRollback runs participants in reverse registration order, then
// releases everything the context holds.
func (c *Coordinator) completeRollback(ctx context.Context, txc *Context) error {
	var errs error
	for i := len(txc.resourceOrder) - 1; i >= 0; i-- {
		name := txc.resourceOrder[i]
		if err := txc.resources[name].Rollback(ctx); err != nil {
			c.logger.Error("Resource rollback failed", zap.Uint64("txID", txc.ID), zap.String("resource", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("rollback of %s: %w", name, err))
		}
	}
	for i := len(txc.syncOrder) - 1; i >= 0; i-- {
		txc.syncs[txc.syncOrder[i]].AfterCompletion(ctx, StatusRolledBack)
	}
	c.release(ctx, txc)
	c.metrics.TxRolledBackCounter.Add(ctx, 1)
	c.logger.Debug("Transaction rolled back", zap.Uint64("txID", txc.ID), zap.String("worker", string(txc.worker)))
	return errs
}

// release frees connections, cache and record locks of txc and forgets it.
// A failure releasing one connection is logged and does not stop the rest.
func (c *Coordinator) release(ctx context.Context, txc *Context) {
	if txc.state == TxnStateEnded {
		return
	}
	for _, group := range txc.connOrder {
		w := txc.connsByGroup[group]
		if w == nil || w.IsClosed() {
			continue
		}
		if err := w.closeInternal(); err != nil {
			c.logger.Error("Error closing connection for group", zap.String("group", group), zap.Uint64("txID", txc.ID), zap.Error(err))
		}
	}
	clear(txc.connsByGroup)
	txc.connOrder = nil

	if txc.cache != nil {
		txc.cache.purge()
		txc.cache = nil
	}
	clear(txc.resources)
	txc.resourceOrder = nil
	clear(txc.syncs)
	txc.syncOrder = nil

	for _, lock := range txc.locks {
		c.locks.Release(lock)
	}
	txc.locks = nil
	txc.state = TxnStateEnded

	c.mu.Lock()
	if c.active[txc.worker] == txc {
		delete(c.active, txc.worker)
	}
	delete(c.live, txc.ID)
	c.mu.Unlock()

	c.metrics.ActiveTxUpDownCounter.Add(ctx, -1)
	c.metrics.TxDurationHistogram.Record(ctx, c.now().Sub(txc.BeginTime).Milliseconds())
}

// DestroyAllOnWorker rolls back every transaction left on worker, the active
// one first and then each suspended parent. Finding one is an error condition.
func (c *Coordinator) DestroyAllOnWorker(ctx context.Context, worker WorkerID) error {
	var errs error
	if txc, _ := c.current(ctx, worker); txc != nil {
		c.logger.Error("Transaction still in place when destroying worker state, rolling back",
			zap.Uint64("txID", txc.ID), zap.String("worker", string(worker)), zap.Time("began", txc.BeginTime))
		txc.markRollbackOnly(RollbackInfo{CauseMessage: "destroyed on worker", Location: commonutils.CallerLocation(2), At: c.now()})
		errs = multierr.Append(errs, c.completeRollback(ctx, txc))
	}

	for {
		c.mu.Lock()
		stack := c.suspended[worker]
		if len(stack) == 0 {
			c.mu.Unlock()
			break
		}
		h := stack[len(stack)-1]
		c.mu.Unlock()

		c.logger.Error("Suspended transaction still in place when destroying worker state, rolling back",
			zap.Uint64("txID", h.tx.ID), zap.String("worker", string(worker)), zap.String("suspendedAt", h.location))
		if err := c.Resume(ctx, worker, h); err != nil {
			// already cleaned up or not resumable; drop it from the stack
			c.mu.Lock()
			if s := c.suspended[worker]; len(s) > 0 && s[len(s)-1] == h {
				c.popSuspendedLocked(worker)
			}
			c.mu.Unlock()
			c.release(ctx, h.tx)
			continue
		}
		if err := c.Rollback(ctx, worker, "destroyed on worker", nil); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if gone := c.takeEnded(worker); gone != nil {
		c.logger.Warn("Externally ended transaction never completed on worker",
			zap.Uint64("txID", gone.ID), zap.String("worker", string(worker)))
	}
	return errs
}

// GetOrCreateConnection returns the wrapper for group in the active
// transaction, acquiring and registering one if none exists. Acquisition is
// bounded by the transaction deadline. A connection supporting local
// transactions is begun and enlisted as a resource.
func (c *Coordinator) GetOrCreateConnection(ctx context.Context, worker WorkerID, group string) (*ConnectionWrapper, error) {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return nil, noActive("get connection for group "+group, worker)
	}
	if w, ok := txc.connsByGroup[group]; ok && !w.IsClosed() {
		return w, nil
	}
	if c.source == nil {
		return nil, ErrNoConnectionSource
	}

	actx, cancel := context.WithDeadline(ctx, txc.Deadline())
	defer cancel()
	conn, err := c.source.Acquire(actx, group)
	if err != nil {
		return nil, fmt.Errorf("transaction %d: %w", txc.ID, err)
	}
	w := newConnectionWrapper(conn, c.source, group, txc.ID, false)
	if tc, ok := connection.AsTxConn(conn); ok {
		if err := tc.Begin(actx); err != nil {
			if rerr := w.closeInternal(); rerr != nil {
				c.logger.Error("Error closing connection for group", zap.String("group", group), zap.Error(rerr))
			}
			return nil, fmt.Errorf("begin local transaction on group %s: %w", group, err)
		}
		txc.addResource(connResourceName(group), &connResource{conn: tc, wrapper: w})
	}
	txc.addConnection(w)
	return w, nil
}

// GetNonTransactionalConnection acquires a connection outside any
// transaction. The caller owns it; Close releases it.
func (c *Coordinator) GetNonTransactionalConnection(ctx context.Context, group string) (*ConnectionWrapper, error) {
	if c.source == nil {
		return nil, ErrNoConnectionSource
	}
	conn, err := c.source.Acquire(ctx, group)
	if err != nil {
		return nil, err
	}
	return newConnectionWrapper(conn, c.source, group, 0, true), nil
}

// RegisterResource enlists r under name in the active transaction. A second
// registration under the same name is ignored.
func (c *Coordinator) RegisterResource(ctx context.Context, worker WorkerID, name string, r Resource) error {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return noActive("register resource "+name, worker)
	}
	if !txc.addResource(name, r) {
		c.logger.Debug("Resource already enlisted", zap.String("resource", name), zap.Uint64("txID", txc.ID))
	}
	return nil
}

// RegisterSynchronization adds s under name to the active transaction.
func (c *Coordinator) RegisterSynchronization(ctx context.Context, worker WorkerID, name string, s Synchronization) error {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return noActive("register synchronization "+name, worker)
	}
	if !txc.addSynchronization(name, s) {
		c.logger.Debug("Synchronization already registered", zap.String("synchronization", name), zap.Uint64("txID", txc.ID))
	}
	return nil
}

// RegisterRecordLock records that the active transaction touches
// entityName/pkString. mutation names the record whose change caused it.
func (c *Coordinator) RegisterRecordLock(ctx context.Context, worker WorkerID, entityName, pkString string, mutation *Mutation) (*RecordLock, error) {
	txc, _ := c.current(ctx, worker)
	lock, _ := c.locks.Register(entityName, pkString, txc, mutation, worker)
	if txc == nil {
		return nil, noActive("register record lock", worker)
	}
	return lock, nil
}

// InitTransactionCache creates the cache of the active transaction if missing.
func (c *Coordinator) InitTransactionCache(ctx context.Context, worker WorkerID, readOnly bool) (*TxCache, error) {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return nil, noActive("init transaction cache", worker)
	}
	if txc.cache != nil {
		return txc.cache, nil
	}
	cache, err := NewTxCache(c.cfg.CacheSize, readOnly)
	if err != nil {
		return nil, err
	}
	txc.cache = cache
	return cache, nil
}

// Cache returns the cache of the active transaction or nil.
func (c *Coordinator) Cache(ctx context.Context, worker WorkerID) *TxCache {
	txc, _ := c.current(ctx, worker)
	if txc == nil {
		return nil
	}
	return txc.cache
}

// NotifyEnded is called by the external transaction manager when it ended
// txID on its own, for example on timeout. Cleanup happens on the owning
// worker the next time it touches the transaction.
func (c *Coordinator) NotifyEnded(txID uint64, reason string) error {
	c.mu.Lock()
	txc := c.live[txID]
	c.mu.Unlock()
	if txc == nil {
		return fmt.Errorf("notify ended %d: %w", txID, ErrTxnNotFound)
	}
	if reason == "" {
		reason = "ended by transaction manager"
	}
	txc.endedExternally.Store(reason)
	return nil
}

// Expired lists live transactions past their deadline at now.
func (c *Coordinator) Expired(now time.Time) []ExpiredInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ExpiredInfo
	for _, txc := range c.live {
		if txc.Expired(now) {
			out = append(out, ExpiredInfo{TxID: txc.ID, Worker: txc.worker, BeginTime: txc.BeginTime, Timeout: txc.Timeout})
		}
	}
	return out
}

// LiveCount is the number of active plus suspended transactions.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
