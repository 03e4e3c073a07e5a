package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n acquisitions with ErrSemaphoreTransient.
type flakyStore struct {
	*MemorySemaphoreStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) TryAcquire(ctx context.Context, name, key string, occ Occupant, staleAfter time.Duration) (*Occupant, bool, error) {
	s.mu.Lock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, false, ErrSemaphoreTransient
	}
	s.mu.Unlock()
	return s.MemorySemaphoreStore.TryAcquire(ctx, name, key, occ, staleAfter)
}

func setupSemaphoreFacade(t *testing.T, store SemaphoreStore) *Facade {
	t.Helper()
	f, _ := setupFacade(t)
	f.semaphores = store
	return f
}

func okBody(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

// --- Test Cases ---

func TestSemaphoreTarget(t *testing.T) {
	def := &Definition{Verb: "place", Noun: "Order"}
	name, key := semaphoreTarget(def, nil)
	require.Equal(t, "place#Order", name)
	require.Equal(t, "_NA_", key)

	def.SemaphoreName = "TestOrder"
	def.SemaphoreParameter = "orderId"
	name, key = semaphoreTarget(def, map[string]any{})
	require.Equal(t, "TestOrder", name)
	require.Equal(t, "_NULL_", key)

	_, key = semaphoreTarget(def, map[string]any{"orderId": 42})
	require.Equal(t, "42", key)
}

func TestSemaphore_FailModeRejectsSameKeyOnly(t *testing.T) {
	store := NewMemorySemaphoreStore()
	f := setupSemaphoreFacade(t, store)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})

	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreFail, SemaphoreParameter: "orderId",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			if params["block"] == true {
				close(entered)
				<-release
			}
			return nil, nil
		}})

	done := make(chan error, 1)
	go func() {
		_, err := f.Call(ctx, "w1", Request{Name: "place#Order", Parameters: map[string]any{"orderId": "A", "block": true}})
		done <- err
	}()
	<-entered

	_, err := f.Call(ctx, "w2", Request{Name: "place#Order", Parameters: map[string]any{"orderId": "A"}})
	var conflict *ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "place#Order", conflict.Semaphore)
	require.Equal(t, "A", conflict.Key)
	require.Equal(t, "w1", conflict.Holder.Worker)
	require.False(t, f.Coordinator().HasState("w2"), "no transaction is begun when the semaphore is refused")

	_, err = f.Call(ctx, "w3", Request{Name: "place#Order", Parameters: map[string]any{"orderId": "B"}})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	require.Zero(t, store.Len())

	_, err = f.Call(ctx, "w2", Request{Name: "place#Order", Parameters: map[string]any{"orderId": "A"}})
	require.NoError(t, err)
}

func TestSemaphore_WaitModeAcquiresAfterRelease(t *testing.T) {
	store := NewMemorySemaphoreStore()
	f := setupSemaphoreFacade(t, store)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreWait,
		SemaphoreSleep: 5 * time.Millisecond, SemaphoreTimeout: 5 * time.Second, Body: okBody})

	_, acquired, err := store.TryAcquire(ctx, "place#Order", "_NA_", Occupant{Token: "t-other", Worker: "other", Since: time.Now()}, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Release(ctx, "place#Order", "_NA_", "t-other")
	}()

	start := time.Now()
	result, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.Equal(t, true, result["ok"])
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Zero(t, store.Len())
}

func TestSemaphore_WaitModeTimesOut(t *testing.T) {
	store := NewMemorySemaphoreStore()
	f := setupSemaphoreFacade(t, store)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreWait,
		SemaphoreSleep: 5 * time.Millisecond, SemaphoreTimeout: 40 * time.Millisecond, Body: okBody})
	_, _, err := store.TryAcquire(ctx, "place#Order", "_NA_", Occupant{Token: "t-other", Worker: "other", Since: time.Now()}, time.Hour)
	require.NoError(t, err)

	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	var conflict *ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	require.Greater(t, conflict.Waited, time.Duration(0))
	require.Equal(t, 1, store.Len(), "the other holder keeps its semaphore")
}

func TestSemaphore_StaleOccupantIsTakenOver(t *testing.T) {
	store := NewMemorySemaphoreStore()
	f := setupSemaphoreFacade(t, store)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreFail, Body: okBody})
	_, _, err := store.TryAcquire(ctx, "place#Order", "_NA_", Occupant{Token: "t-dead", Worker: "dead", Since: time.Now().Add(-2 * time.Hour)}, time.Hour)
	require.NoError(t, err)

	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.Zero(t, store.Len())
}

func TestSemaphore_SingleRetryOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	def := func() *Definition {
		return &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreWait,
			SemaphoreSleep: time.Millisecond, SemaphoreTimeout: time.Second, Body: okBody}
	}

	store := &flakyStore{MemorySemaphoreStore: NewMemorySemaphoreStore(), failures: 1}
	f := setupSemaphoreFacade(t, store)
	mustRegister(t, f, def())
	_, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.Equal(t, 2, store.attempts)

	store = &flakyStore{MemorySemaphoreStore: NewMemorySemaphoreStore(), failures: 2}
	f = setupSemaphoreFacade(t, store)
	mustRegister(t, f, def())
	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.ErrorIs(t, err, ErrSemaphoreTransient)
	require.Equal(t, 2, store.attempts, "exactly one retry")

	// fail mode never retries
	store = &flakyStore{MemorySemaphoreStore: NewMemorySemaphoreStore(), failures: 1}
	f = setupSemaphoreFacade(t, store)
	failDef := def()
	failDef.Semaphore = SemaphoreFail
	mustRegister(t, f, failDef)
	_, err = f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.ErrorIs(t, err, ErrSemaphoreTransient)
	require.Equal(t, 1, store.attempts)
}

func TestSemaphore_ReentrantOnSameWorker(t *testing.T) {
	store := NewMemorySemaphoreStore()
	f := setupSemaphoreFacade(t, store)
	ctx := context.Background()

	mustRegister(t, f, &Definition{Verb: "reserve", Noun: "Stock", Semaphore: SemaphoreFail, SemaphoreName: "Inventory", Body: okBody})
	mustRegister(t, f, &Definition{Verb: "place", Noun: "Order", Semaphore: SemaphoreFail, SemaphoreName: "Inventory",
		Body: func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
			return sc.Call(ctx, Request{Name: "reserve#Stock"})
		}})

	result, err := f.Call(ctx, "w1", Request{Name: "place#Order"})
	require.NoError(t, err)
	require.Equal(t, true, result["ok"])
	require.Zero(t, store.Len(), "the nested call does not release the outer occupancy early or leak it")
}

func TestMemorySemaphoreStore_ReleaseRequiresToken(t *testing.T) {
	store := NewMemorySemaphoreStore()
	ctx := context.Background()
	_, acquired, err := store.TryAcquire(ctx, "s", "k", Occupant{Token: "t1", Worker: "w1", Since: time.Now()}, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.Release(ctx, "s", "k", "t2"))
	require.Equal(t, 1, store.Len())

	holder, acquired, err := store.TryAcquire(ctx, "s", "k", Occupant{Token: "t2", Worker: "w2", Since: time.Now()}, 0)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Equal(t, "t1", holder.Token)

	require.NoError(t, store.Release(ctx, "s", "k", "t1"))
	require.Zero(t, store.Len())
}

func TestRedisSemaphoreStore_Key(t *testing.T) {
	s := NewRedisSemaphoreStore(nil, "")
	require.Equal(t, "semaphore:place#Order:_NA_", s.redisKey("place#Order", "_NA_"))
}
