package transaction

import (
	"time"

	"go.uber.org/atomic"
)

// WorkerID identifies a worker-of-execution. Callers pass it explicitly; at
// most one transaction is active per worker at any instant.
type WorkerID string

// TransactionState represents the lifecycle state of a transaction context.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Attached to its worker, operations are being applied
	TxnStateSuspended                         // Detached from its worker; resources must not be touched
	TxnStateEnded                             // Committed, rolled back or destroyed
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateSuspended:
		return "suspended"
	case TxnStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// DefaultTimeout is used when a transaction is begun without a timeout.
const DefaultTimeout = 60 * time.Second

// RollbackInfo records why a transaction was marked rollback-only.
type RollbackInfo struct {
	CauseMessage string
	// A rollback is often done because of another error, this represents that error.
	Cause error
	// Location is the call site that set rollback-only.
	Location string
	At       time.Time
}

// Context is the state of one transaction. It is owned by exactly one worker
// at a time and is not safe for concurrent use; suspension hands ownership
// back to the caller holding the SuspendedHandle.
type Context struct {
	ID        uint64
	BeginTime time.Time
	Timeout   time.Duration

	worker WorkerID
	state  TransactionState

	rollbackOnly        *RollbackInfo
	laterRollbackCauses []RollbackInfo

	suspendedParent *SuspendedHandle

	resources     map[string]Resource
	resourceOrder []string
	syncs         map[string]Synchronization
	syncOrder     []string

	connsByGroup map[string]*ConnectionWrapper
	connOrder    []string

	locks []*RecordLock
	cache *TxCache

	// set when the external transaction manager ended this transaction
	endedExternally atomic.String
}

func newContext(id uint64, worker WorkerID, timeout time.Duration, now time.Time) *Context {
	return &Context{
		ID:           id,
		BeginTime:    now,
		Timeout:      timeout,
		worker:       worker,
		state:        TxnStateActive,
		resources:    make(map[string]Resource),
		syncs:        make(map[string]Synchronization),
		connsByGroup: make(map[string]*ConnectionWrapper),
	}
}

// Worker returns the worker currently owning this context.
func (c *Context) Worker() WorkerID { return c.worker }

// State returns the lifecycle state.
func (c *Context) State() TransactionState { return c.state }

// Deadline is BeginTime plus Timeout.
func (c *Context) Deadline() time.Time { return c.BeginTime.Add(c.Timeout) }

// Expired reports whether the transaction outlived its timeout at now.
func (c *Context) Expired(now time.Time) bool { return now.After(c.Deadline()) }

// RollbackOnly returns the first recorded rollback cause, if any.
func (c *Context) RollbackOnly() (RollbackInfo, bool) {
	if c.rollbackOnly == nil {
		return RollbackInfo{}, false
	}
	return *c.rollbackOnly, true
}

// LaterRollbackCauses lists causes recorded after the first one.
func (c *Context) LaterRollbackCauses() []RollbackInfo {
	return append([]RollbackInfo(nil), c.laterRollbackCauses...)
}

// SuspendedParent is the transaction suspended when this one began, if any.
func (c *Context) SuspendedParent() *SuspendedHandle { return c.suspendedParent }

// Connection returns the wrapper registered for group.
func (c *Context) Connection(group string) (*ConnectionWrapper, bool) {
	w, ok := c.connsByGroup[group]
	return w, ok
}

// Locks returns the record locks held by this transaction in registration order.
func (c *Context) Locks() []*RecordLock {
	return append([]*RecordLock(nil), c.locks...)
}

// Cache returns the transaction-scoped cache, nil when not initialized.
func (c *Context) Cache() *TxCache { return c.cache }

// markRollbackOnly keeps the first cause and appends later ones.
func (c *Context) markRollbackOnly(info RollbackInfo) bool {
	if c.rollbackOnly == nil {
		c.rollbackOnly = &info
		return true
	}
	c.laterRollbackCauses = append(c.laterRollbackCauses, info)
	return false
}

func (c *Context) addResource(name string, r Resource) bool {
	if _, ok := c.resources[name]; ok {
		return false
	}
	c.resources[name] = r
	c.resourceOrder = append(c.resourceOrder, name)
	return true
}

func (c *Context) addSynchronization(name string, s Synchronization) bool {
	if _, ok := c.syncs[name]; ok {
		return false
	}
	c.syncs[name] = s
	c.syncOrder = append(c.syncOrder, name)
	return true
}

func (c *Context) addConnection(w *ConnectionWrapper) {
	if _, ok := c.connsByGroup[w.groupName]; !ok {
		c.connOrder = append(c.connOrder, w.groupName)
	}
	c.connsByGroup[w.groupName] = w
}

// SuspendedHandle is the ownership token of a suspended transaction.
type SuspendedHandle struct {
	tx       *Context
	worker   WorkerID
	at       time.Time
	location string
	resumed  bool
}

// TxID is the id of the suspended transaction.
func (h *SuspendedHandle) TxID() uint64 { return h.tx.ID }

// Location is the call site that suspended the transaction.
func (h *SuspendedHandle) Location() string { return h.location }

// SuspendedAt is when the transaction was suspended.
func (h *SuspendedHandle) SuspendedAt() time.Time { return h.at }
