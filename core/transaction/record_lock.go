package transaction

import (
	"context"
	"sync"
	"time"

	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mutation names the record whose mutation caused a lock on a related record.
type Mutation struct {
	EntityName string
	PkString   string
}

// RecordLock is a diagnostic registration of "transaction X is touching record Y".
type RecordLock struct {
	EntityName  string
	PkString    string
	TxID        uint64
	LockTime    time.Time
	TxBeginTime time.Time
	WorkerName  string
	Mutation    *Mutation

	key string
}

// NewRecordLock builds a lock for entityName+pkString. The key has no
// separator; both parts are bounded identifiers.
func NewRecordLock(entityName, pkString string) *RecordLock {
	return &RecordLock{
		EntityName: entityName,
		PkString:   pkString,
		LockTime:   time.Now(),
		key:        entityName + pkString,
	}
}

// Key is the registry key of the lock.
func (l *RecordLock) Key() string { return l.key }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (l *RecordLock) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("worker", l.WorkerName)
	enc.AddUint64("txID", l.TxID)
	enc.AddTime("txBegan", l.TxBeginTime)
	enc.AddTime("locked", l.LockTime)
	if l.Mutation != nil {
		enc.AddString("mutateEntity", l.Mutation.EntityName)
		enc.AddString("mutatePk", l.Mutation.PkString)
	}
	return nil
}

// lockList is the unit of mutual exclusion: every change for one key goes
// through its mutex. A dead list has been removed from the registry map.
type lockList struct {
	mu    sync.Mutex
	locks []*RecordLock
	dead  bool
}

// RecordLockRegistry maps entity+pk keys to the transactions touching them.
// It only reports conflicts; it never blocks callers or fails on conflict.
type RecordLockRegistry struct {
	lists   sync.Map // key -> *lockList
	logger  *zap.Logger
	metrics *internaltelemetry.TxMetrics
}

// NewRecordLockRegistry creates an empty registry.
func NewRecordLockRegistry(logger *zap.Logger, metrics *internaltelemetry.TxMetrics) *RecordLockRegistry {
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTxMetrics()
	}
	return &RecordLockRegistry{
		logger:  logger.Named("record_lock_registry"),
		metrics: metrics,
	}
}

// Register records that txc touches entityName/pkString. Registering the same
// key twice from one transaction is a no-op. Holders from other transactions
// are reported with a warning. Returns the lock and whether it was added.
func (r *RecordLockRegistry) Register(entityName, pkString string, txc *Context, mutation *Mutation, worker WorkerID) (*RecordLock, bool) {
	lock := NewRecordLock(entityName, pkString)
	lock.WorkerName = string(worker)
	lock.Mutation = mutation
	if txc == nil {
		r.logger.Warn("No transaction in place, not registering record lock because it could not be cleared",
			zap.String("entity", entityName), zap.String("pk", pkString), zap.String("worker", lock.WorkerName))
		return nil, false
	}
	lock.TxID = txc.ID
	lock.TxBeginTime = txc.BeginTime

	for {
		v, _ := r.lists.LoadOrStore(lock.key, &lockList{})
		list := v.(*lockList)
		list.mu.Lock()
		if list.dead {
			// removed concurrently by a release, fetch the replacement
			list.mu.Unlock()
			continue
		}
		for _, other := range list.locks {
			if other.TxID == lock.TxID {
				list.mu.Unlock()
				return other, false
			}
		}
		if len(list.locks) > 0 {
			r.logConflict(lock, list.locks)
		}
		list.locks = append(list.locks, lock)
		txc.locks = append(txc.locks, lock)
		list.mu.Unlock()
		return lock, true
	}
}

func (r *RecordLockRegistry) logConflict(lock *RecordLock, others []*RecordLock) {
	r.metrics.LockConflictCounter.Add(context.Background(), 1)
	fields := []zap.Field{
		zap.String("entity", lock.EntityName),
		zap.String("pk", lock.PkString),
		zap.String("worker", lock.WorkerName),
		zap.Uint64("txID", lock.TxID),
		zap.Time("txBegan", lock.TxBeginTime),
	}
	if lock.Mutation != nil {
		fields = append(fields,
			zap.String("mutateEntity", lock.Mutation.EntityName),
			zap.String("mutatePk", lock.Mutation.PkString))
	}
	fields = append(fields, zap.Objects("otherLocks", others))
	r.logger.Warn("Potential record lock conflict", fields...)
}

// Release removes every entry of the lock's transaction from its key.
// It returns the number of entries removed.
func (r *RecordLockRegistry) Release(lock *RecordLock) int {
	v, ok := r.lists.Load(lock.key)
	if !ok {
		r.logger.Warn("No record locks found to clear", zap.String("key", lock.key), zap.Uint64("txID", lock.TxID))
		return 0
	}
	list := v.(*lockList)
	list.mu.Lock()
	defer list.mu.Unlock()

	kept := list.locks[:0]
	removed := 0
	for _, other := range list.locks {
		if other.TxID == lock.TxID {
			removed++
			continue
		}
		kept = append(kept, other)
	}
	for i := len(kept); i < len(list.locks); i++ {
		list.locks[i] = nil
	}
	list.locks = kept
	if removed == 0 {
		r.logger.Warn("No record locks found to clear", zap.String("key", lock.key), zap.Uint64("txID", lock.TxID))
	}
	if len(list.locks) == 0 {
		list.dead = true
		r.lists.CompareAndDelete(lock.key, list)
	}
	return removed
}

// Holders returns a snapshot of the locks registered for entityName/pkString.
func (r *RecordLockRegistry) Holders(entityName, pkString string) []RecordLock {
	v, ok := r.lists.Load(entityName + pkString)
	if !ok {
		return nil
	}
	list := v.(*lockList)
	list.mu.Lock()
	defer list.mu.Unlock()
	out := make([]RecordLock, 0, len(list.locks))
	for _, l := range list.locks {
		out = append(out, *l)
	}
	return out
}

// Keys returns the number of keys with at least one holder.
func (r *RecordLockRegistry) Keys() int {
	n := 0
	r.lists.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
