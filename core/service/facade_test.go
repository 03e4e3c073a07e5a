package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// --- Test Helpers ---

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// journalResource records commit and rollback of a named participant.
type journalResource struct {
	name string
	j    *journal
}

func (r *journalResource) Prepare(ctx context.Context) error  { return nil }
func (r *journalResource) Commit(ctx context.Context) error   { r.j.add("commit:" + r.name); return nil }
func (r *journalResource) Rollback(ctx context.Context) error { r.j.add("rollback:" + r.name); return nil }

func setupFacade(t *testing.T) (*Facade, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	coordinator := transaction.NewCoordinator(transaction.Config{}, nil, nil, logger, nil)
	return NewFacade(NewRegistry(), coordinator, nil, logger, nil, nil), logs
}

func mustRegister(t *testing.T, f *Facade, def *Definition) {
	t.Helper()
	require.NoError(t, f.Registry().Register(def))
}

// enlist registers a journal resource in the running transaction.
func enlist(ctx context.Context, t *testing.T, sc *Scope, name string, j *journal) {
	t.Helper()
	require.NoError(t, sc.RegisterResource(ctx, name, &journalResource{name: name, j: j}))
}

var errBoom = errors.New("boom")

// --- Test Cases ---

func TestFacade_BeginsAndCommitsOwnTransaction(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	j := &journal{}
	var txID uint64

	mustRegister(t, f, &Definition{Path: "test", Verb: "create", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			txc := sc.Transaction(ctx)
			require.NotNil(t, txc)
			txID = txc.ID
			enlist(ctx, t, sc, "orders", j)
			return map[string]any{"orderId": "O1"}, nil
		}})

	result, err := f.Call(ctx, "w1", Request{Name: "test.create#Order"})
	require.NoError(t, err)
	require.Equal(t, "O1", result["orderId"])
	require.NotZero(t, txID)
	require.Equal(t, []string{"commit:orders"}, j.all())
	require.False(t, f.Coordinator().IsTransactionInPlace(ctx, "w1"))
}

func TestFacade_JoinsActiveTransaction(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	j := &journal{}
	var seen uint64

	mustRegister(t, f, &Definition{Verb: "update", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			seen = sc.Transaction(ctx).ID
			enlist(ctx, t, sc, "orders", j)
			return nil, nil
		}})

	outer, err := f.Coordinator().Begin(ctx, "w1", 0)
	require.NoError(t, err)
	result, err := f.Call(ctx, "w1", Request{Name: "update#Order"})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, outer.ID, seen)
	require.Empty(t, j.all(), "a joined call never commits")

	require.NoError(t, f.Coordinator().Commit(ctx, "w1"))
	require.Equal(t, []string{"commit:orders"}, j.all())
}

func TestFacade_BodyErrorDoomsJoinedTransaction(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	j := &journal{}

	mustRegister(t, f, &Definition{Verb: "update", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			enlist(ctx, t, sc, "orders", j)
			return nil, errBoom
		}})

	txc, err := f.Coordinator().Begin(ctx, "w1", 0)
	require.NoError(t, err)
	_, err = f.Call(ctx, "w1", Request{Name: "update#Order"})
	require.ErrorIs(t, err, errBoom)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, "update#Order", execErr.Service)

	require.Equal(t, transaction.StatusMarkedRollback, f.Coordinator().Status(ctx, "w1"))
	info, ok := txc.RollbackOnly()
	require.True(t, ok)
	require.ErrorIs(t, info.Cause, errBoom)

	require.NoError(t, f.Coordinator().Commit(ctx, "w1"))
	require.Equal(t, []string{"rollback:orders"}, j.all())
}

func TestFacade_RequireNewIsIndependentOfOuter(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	j := &journal{}
	var outerID, innerID uint64
	innerFails := true

	mustRegister(t, f, &Definition{Verb: "log", Noun: "Audit",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			innerID = sc.Transaction(ctx).ID
			enlist(ctx, t, sc, "inner", j)
			if innerFails {
				return nil, errBoom
			}
			return nil, nil
		}})
	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			outerID = sc.Transaction(ctx).ID
			enlist(ctx, t, sc, "outer", j)
			_, err := sc.Call(ctx, Request{Name: "log#Audit", RequireNewTransaction: true})
			require.Equal(t, outerID, sc.Transaction(ctx).ID, "outer transaction is resumed")
			if innerFails {
				require.ErrorIs(t, err, errBoom)
				return nil, nil
			}
			require.NoError(t, err)
			return nil, errBoom
		}})

	_, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.NotEqual(t, outerID, innerID)
	require.Equal(t, []string{"rollback:inner", "commit:outer"}, j.all())

	innerFails = false
	j.entries = nil
	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, []string{"commit:inner", "rollback:outer"}, j.all())
	require.False(t, f.Coordinator().HasState("w1"))
}

func TestFacade_RollbackOnlyIsSticky(t *testing.T) {
	f, logs := setupFacade(t)
	ctx := context.Background()
	j := &journal{}
	laterRuns := 0

	mustRegister(t, f, &Definition{Verb: "check", Noun: "Stock",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			return nil, errBoom
		}})
	mustRegister(t, f, &Definition{Verb: "reserve", Noun: "Stock",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			laterRuns++
			return nil, nil
		}})
	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			enlist(ctx, t, sc, "outer", j)
			_, err := sc.Call(ctx, Request{Name: "check#Stock"})
			require.Error(t, err)
			// swallowed by the caller, the transaction stays doomed
			_, err = sc.Call(ctx, Request{Name: "reserve#Stock"})
			require.ErrorIs(t, err, ErrRollbackOnlyTransaction)
			return map[string]any{"ok": true}, nil
		}})

	result, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.Equal(t, true, result["ok"])
	require.Zero(t, laterRuns)
	require.Equal(t, []string{"rollback:outer"}, j.all())
	require.Equal(t, 1, logs.FilterMessage("Commit requested for rollback-only transaction, rolling back").Len())
}

func TestFacade_ExternallyEndedTransactionIsNotJoined(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	j := &journal{}
	innerRuns := 0
	propagate := false

	mustRegister(t, f, &Definition{Verb: "reserve", Noun: "Stock",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			innerRuns++
			enlist(ctx, t, sc, "inner", j)
			return nil, nil
		}})
	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			enlist(ctx, t, sc, "outer", j)
			require.NoError(t, f.Coordinator().NotifyEnded(sc.Transaction(ctx).ID, "timed out"))

			_, err := sc.Call(ctx, Request{Name: "reserve#Stock"})
			require.ErrorIs(t, err, ErrRollbackOnlyTransaction)
			require.Nil(t, sc.Transaction(ctx))
			if propagate {
				return nil, err
			}
			return nil, nil
		}})

	_, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.ErrorIs(t, err, transaction.ErrTransactionTimedOut)
	require.Zero(t, innerRuns, "nothing runs in a fresh transaction in place of the ended one")
	require.Equal(t, []string{"rollback:outer"}, j.all())
	require.False(t, f.Coordinator().HasState("w1"))

	propagate = true
	j.entries = nil
	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.ErrorIs(t, err, ErrRollbackOnlyTransaction)
	require.Zero(t, innerRuns)
	require.Equal(t, []string{"rollback:outer"}, j.all())
	require.False(t, f.Coordinator().HasState("w1"))
}

func TestFacade_IgnoreTransaction(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "get", Noun: "Thing", TxIgnore: true,
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			require.Nil(t, sc.Transaction(ctx))
			_, err := sc.Connection(ctx, "main")
			return map[string]any{"noTx": errors.Is(err, transaction.ErrNoActiveTransaction)}, nil
		}})

	result, err := f.Call(ctx, "w1", Request{Name: "get#Thing"})
	require.NoError(t, err)
	require.Equal(t, true, result["noTx"])
	require.False(t, f.Coordinator().HasState("w1"))

	// the request flag has the same effect
	mustRegister(t, f, &Definition{Verb: "get", Noun: "Other",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			return map[string]any{"inTx": sc.Transaction(ctx) != nil}, nil
		}})
	result, err = f.Call(ctx, "w1", Request{Name: "get#Other", IgnoreTransaction: true})
	require.NoError(t, err)
	require.Equal(t, false, result["inTx"])
}

func TestFacade_UnknownAndInterfaceServices(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()

	_, err := f.Call(ctx, "w1", Request{Name: "missing#Thing"})
	var nf *UnitOfWorkNotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "missing#Thing", nf.Name)

	mustRegister(t, f, &Definition{Verb: "create", Noun: "Shape", Interface: true})
	_, err = f.Call(ctx, "w1", Request{Name: "create#Shape"})
	require.ErrorIs(t, err, ErrNotRunnable)
	require.False(t, f.Coordinator().HasState("w1"))
}

func TestFacade_PanicIsRecoveredAndRolledBack(t *testing.T) {
	f, logs := setupFacade(t)
	ctx := context.Background()
	j := &journal{}

	mustRegister(t, f, &Definition{Verb: "explode", Noun: "Order",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			enlist(ctx, t, sc, "orders", j)
			panic("kaboom")
		}})

	_, err := f.Call(ctx, "w1", Request{Name: "explode#Order"})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Contains(t, execErr.Error(), "kaboom")
	require.Equal(t, []string{"rollback:orders"}, j.all())
	require.Equal(t, 1, logs.FilterMessage("Panic running service").Len())
	require.False(t, f.Coordinator().HasState("w1"))
}

func TestFacade_CacheAndTimeoutOverrides(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "get", Noun: "Cached", TxTimeout: time.Minute,
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			return map[string]any{
				"cache":   sc.Cache(ctx) != nil,
				"timeout": sc.Transaction(ctx).Timeout,
			}, nil
		}})

	result, err := f.Call(ctx, "w1", Request{Name: "get#Cached"})
	require.NoError(t, err)
	require.Equal(t, false, result["cache"])
	require.Equal(t, time.Minute, result["timeout"])

	useCache := true
	result, err = f.Call(ctx, "w1", Request{Name: "get#Cached", UseTransactionCache: &useCache, TransactionTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, true, result["cache"])
	require.Equal(t, 5*time.Second, result["timeout"])
}

func TestFacade_BuiltinDiagnostics(t *testing.T) {
	f, _ := setupFacade(t)
	ctx := context.Background()
	require.NoError(t, RegisterBuiltins(f.Registry()))

	result, err := f.Call(ctx, "w1", Request{Name: "get#TransactionStatus"})
	require.NoError(t, err)
	require.Equal(t, "NoTransaction", result["status"])
	require.Equal(t, false, result["inPlace"])

	txc, err := f.Coordinator().Begin(ctx, "w1", 0)
	require.NoError(t, err)
	_, err = f.Coordinator().RegisterRecordLock(ctx, "w1", "Order", "100", &transaction.Mutation{EntityName: "OrderItem", PkString: "100-1"})
	require.NoError(t, err)

	result, err = f.Call(ctx, "w1", Request{Name: "get#TransactionStatus"})
	require.NoError(t, err)
	require.Equal(t, "Active", result["status"])
	require.Equal(t, txc.ID, result["txID"])

	result, err = f.Call(ctx, "w2", Request{Name: "get#RecordLockHolders", Parameters: map[string]any{"entityName": "Order", "pkString": "100"}})
	require.NoError(t, err)
	holders := result["holders"].([]map[string]any)
	require.Len(t, holders, 1)
	require.Equal(t, txc.ID, holders[0]["txID"])
	require.Equal(t, "OrderItem", holders[0]["mutateEntity"])

	_, err = f.Call(ctx, "w2", Request{Name: "get#RecordLockHolders"})
	require.ErrorIs(t, err, ErrMissingParameter)
	require.NoError(t, f.Coordinator().Rollback(ctx, "w1", "", nil))
}
