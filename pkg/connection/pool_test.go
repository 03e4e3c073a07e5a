package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fakeConn struct {
	id     int64
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeTxConn struct {
	fakeConn
	began bool
}

func (c *fakeTxConn) Begin(ctx context.Context) error    { c.began = true; return nil }
func (c *fakeTxConn) Commit(ctx context.Context) error   { return nil }
func (c *fakeTxConn) Rollback(ctx context.Context) error { return nil }

func countingFactory(created *atomic.Int64) Factory {
	return func(ctx context.Context) (Conn, error) {
		return &fakeConn{id: created.Add(1)}, nil
	}
}

// --- Test Cases ---

func TestGroupPoolManager_ReusesReleasedConnection(t *testing.T) {
	var created atomic.Int64
	m := NewGroupPoolManager(2)
	defer m.Close()
	require.NoError(t, m.AddGroup("main", countingFactory(&created), 0))

	c1, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, m.Release(c1))

	c2, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Load(), "released connection should be reused")
	require.False(t, c2.(*PooledConn).Unwrap().(*fakeConn).closed.Load())

	idle, open := m.Stats("main")
	require.Equal(t, 0, idle)
	require.Equal(t, 1, open)
}

func TestGroupPoolManager_UnknownGroup(t *testing.T) {
	m := NewGroupPoolManager(1)
	_, err := m.Acquire(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestGroupPoolManager_AcquireRespectsContextWhenExhausted(t *testing.T) {
	var created atomic.Int64
	m := NewGroupPoolManager(1)
	defer m.Close()
	require.NoError(t, m.AddGroup("main", countingFactory(&created), 1))

	_, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "main")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGroupPoolManager_BlockedAcquireGetsReleasedConnection(t *testing.T) {
	var created atomic.Int64
	m := NewGroupPoolManager(1)
	defer m.Close()
	require.NoError(t, m.AddGroup("main", countingFactory(&created), 1))

	c1, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)

	got := make(chan Conn, 1)
	go func() {
		c, err := m.Acquire(context.Background(), "main")
		if err == nil {
			got <- c
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Release(c1))

	select {
	case c := <-got:
		require.NotNil(t, c)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was never served")
	}
	require.Equal(t, int64(1), created.Load())
}

func TestPooledConn_DoubleReleaseFails(t *testing.T) {
	var created atomic.Int64
	m := NewGroupPoolManager(1)
	defer m.Close()
	require.NoError(t, m.AddGroup("main", countingFactory(&created), 1))

	c, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, m.Release(c))
	require.ErrorIs(t, m.Release(c), ErrAlreadyPooled)
	require.ErrorIs(t, m.Release(&fakeConn{}), ErrForeignConn)
}

func TestAsTxConn_UnwrapsPooledConn(t *testing.T) {
	m := NewGroupPoolManager(1)
	defer m.Close()
	require.NoError(t, m.AddGroup("tx", func(ctx context.Context) (Conn, error) { return &fakeTxConn{}, nil }, 1))
	require.NoError(t, m.AddGroup("plain", func(ctx context.Context) (Conn, error) { return &fakeConn{}, nil }, 1))

	c, err := m.Acquire(context.Background(), "tx")
	require.NoError(t, err)
	tc, ok := AsTxConn(c)
	require.True(t, ok)
	require.NoError(t, tc.Begin(context.Background()))

	p, err := m.Acquire(context.Background(), "plain")
	require.NoError(t, err)
	_, ok = AsTxConn(p)
	require.False(t, ok)
}

func TestGroupPoolManager_CloseClosesIdle(t *testing.T) {
	var created atomic.Int64
	m := NewGroupPoolManager(2)
	require.NoError(t, m.AddGroup("main", countingFactory(&created), 2))

	c, err := m.Acquire(context.Background(), "main")
	require.NoError(t, err)
	raw := c.(*PooledConn).Unwrap().(*fakeConn)
	require.NoError(t, m.Release(c))
	m.Close()
	require.True(t, raw.closed.Load())
}
