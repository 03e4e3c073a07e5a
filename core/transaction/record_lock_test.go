package transaction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestContext(id uint64) *Context {
	return newContext(id, WorkerID(fmt.Sprintf("w%d", id)), time.Minute, time.Now())
}

func TestRecordLockRegistry_RegisterIsIdempotentPerTransaction(t *testing.T) {
	r := NewRecordLockRegistry(zaptest.NewLogger(t), nil)
	txc := newTestContext(1)

	first, added := r.Register("Order", "100", txc, nil, "w1")
	require.True(t, added)
	require.Equal(t, "Order100", first.Key())

	again, added := r.Register("Order", "100", txc, nil, "w1")
	require.False(t, added)
	require.Same(t, first, again)
	require.Len(t, r.Holders("Order", "100"), 1)
	require.Len(t, txc.Locks(), 1)
}

func TestRecordLockRegistry_ConflictIsReportedNotBlocked(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecordLockRegistry(zap.New(core), nil)
	a, b := newTestContext(1), newTestContext(2)

	_, added := r.Register("Order", "100", a, nil, "w1")
	require.True(t, added)
	require.Zero(t, logs.Len())

	_, added = r.Register("Order", "100", b, &Mutation{EntityName: "OrderItem", PkString: "100-1"}, "w2")
	require.True(t, added)

	conflicts := logs.FilterMessage("Potential record lock conflict").All()
	require.Len(t, conflicts, 1)
	fields := conflicts[0].ContextMap()
	require.Equal(t, "w2", fields["worker"])
	require.Equal(t, "OrderItem", fields["mutateEntity"])
	others, ok := fields["otherLocks"].([]any)
	require.True(t, ok)
	require.Len(t, others, 1)

	holders := r.Holders("Order", "100")
	require.Len(t, holders, 2)
	require.Equal(t, uint64(1), holders[0].TxID)
	require.Equal(t, uint64(2), holders[1].TxID)
}

func TestRecordLockRegistry_ReleaseRemovesOnlyOwnEntries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecordLockRegistry(zap.New(core), nil)
	a, b := newTestContext(1), newTestContext(2)

	lockA, _ := r.Register("Order", "100", a, nil, "w1")
	lockB, _ := r.Register("Order", "100", b, nil, "w2")

	require.Equal(t, 1, r.Release(lockA))
	holders := r.Holders("Order", "100")
	require.Len(t, holders, 1)
	require.Equal(t, uint64(2), holders[0].TxID)

	require.Equal(t, 1, r.Release(lockB))
	require.Empty(t, r.Holders("Order", "100"))
	require.Zero(t, r.Keys(), "empty keys are dropped")

	require.Zero(t, r.Release(lockB))
	require.Equal(t, 1, logs.FilterMessage("No record locks found to clear").Len())
}

func TestRecordLockRegistry_NoTransactionIsNotRegistered(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecordLockRegistry(zap.New(core), nil)

	lock, added := r.Register("Order", "1", nil, nil, "w1")
	require.Nil(t, lock)
	require.False(t, added)
	require.Zero(t, r.Keys())
	require.Equal(t, 1, logs.Len())
}

func TestRecordLockRegistry_ConcurrentRegisterRelease(t *testing.T) {
	r := NewRecordLockRegistry(zap.NewNop(), nil)
	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				txc := newTestContext(uint64(id*rounds + j + 1))
				// half the workers share a hot key
				pk := fmt.Sprintf("%d", j%4)
				if id%2 == 0 {
					pk = fmt.Sprintf("own-%d-%d", id, j)
				}
				lock, added := r.Register("Order", pk, txc, nil, txc.Worker())
				require.True(t, added)
				require.Equal(t, 1, r.Release(lock))
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, r.Keys())
}
