// Package connection provides thread-safe pools of physical connections keyed
// by resource group. A resource group is a named pool boundary (for example a
// datastore); transactions hold at most one connection per group.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownGroup  = errors.New("resource group not configured")
	ErrPoolClosed    = errors.New("connection pool is closed")
	ErrForeignConn   = errors.New("connection was not acquired from this pool manager")
	ErrAlreadyPooled = errors.New("connection is already released or detached from pool")
)

// Conn is a physical connection. Close releases it for good.
type Conn interface {
	Close() error
}

// TxConn is a physical connection that supports a local transaction.
type TxConn interface {
	Conn
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AsTxConn unwraps c until it finds a TxConn.
func AsTxConn(c Conn) (TxConn, bool) {
	for c != nil {
		if tc, ok := c.(TxConn); ok {
			return tc, true
		}
		u, ok := c.(interface{ Unwrap() Conn })
		if !ok {
			return nil, false
		}
		c = u.Unwrap()
	}
	return nil, false
}

// Factory opens a new physical connection for a group.
type Factory func(ctx context.Context) (Conn, error)

// PooledConn is a wrapper around a physical Conn that keeps a reference to the
// group pool it belongs to. Close returns the connection to the pool; it does
// not close the underlying connection. To force-close, use ForceClose().
type PooledConn struct {
	Conn
	pool *groupPool
}

// Unwrap returns the physical connection.
func (c *PooledConn) Unwrap() Conn { return c.Conn }

// Group returns the resource group this connection was acquired from.
func (c *PooledConn) Group() string {
	if c.pool == nil {
		return ""
	}
	return c.pool.group
}

// Close returns the connection to the pool.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return ErrAlreadyPooled
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection permanently and does not return it to the pool.
func (c *PooledConn) ForceClose() error {
	if c.pool == nil {
		return ErrAlreadyPooled
	}
	c.pool.discard()
	c.pool = nil
	return c.Conn.Close()
}

// groupPool manages the connections of a single resource group.
type groupPool struct {
	mu       sync.Mutex
	conns    chan Conn
	factory  Factory
	maxSize  int
	numConns int // Current number of connections created
	group    string
	closed   bool
}

// GroupPoolManager manages one pool per resource group.
type GroupPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*groupPool
	maxSize int // Default max size for new pools
}

// NewGroupPoolManager creates a new manager for group pools.
// maxSize is the default maximum number of open connections per group.
func NewGroupPoolManager(maxSize int) *GroupPoolManager {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &GroupPoolManager{
		pools:   make(map[string]*groupPool),
		maxSize: maxSize,
	}
}

// AddGroup registers the factory for a group. maxSize <= 0 uses the manager default.
func (m *GroupPoolManager) AddGroup(group string, factory Factory, maxSize int) error {
	if factory == nil {
		return fmt.Errorf("nil factory for group %s", group)
	}
	if maxSize <= 0 {
		maxSize = m.maxSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[group]; ok {
		return fmt.Errorf("resource group %s already registered", group)
	}
	m.pools[group] = &groupPool{
		conns:   make(chan Conn, maxSize),
		factory: factory,
		maxSize: maxSize,
		group:   group,
	}
	return nil
}

// Acquire retrieves a connection from the pool of the given group. It blocks
// while the pool is exhausted until a connection is released or ctx is done.
func (m *GroupPoolManager) Acquire(ctx context.Context, group string) (Conn, error) {
	m.mu.RLock()
	pool, ok := m.pools[group]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	conn, err := pool.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for group %s: %w", group, err)
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Release hands a connection obtained from Acquire back to its pool.
func (m *GroupPoolManager) Release(c Conn) error {
	pc, ok := c.(*PooledConn)
	if !ok {
		return ErrForeignConn
	}
	return pc.Close()
}

// Discard closes a connection obtained from Acquire and frees its slot, the
// next Acquire opens a new one.
func (m *GroupPoolManager) Discard(c Conn) error {
	pc, ok := c.(*PooledConn)
	if !ok {
		return ErrForeignConn
	}
	return pc.ForceClose()
}

// Stats reports idle and open connection counts for a group.
func (m *GroupPoolManager) Stats(group string) (idle, open int) {
	m.mu.RLock()
	pool, ok := m.pools[group]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.conns), pool.numConns
}

// get retrieves a connection from a specific group's pool.
func (p *groupPool) get(ctx context.Context) (Conn, error) {
	// Try to get an existing connection from the channel
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.numConns < p.maxSize {
		p.numConns++
		p.mu.Unlock()
		conn, err := p.factory(ctx)
		if err != nil {
			p.discard()
			return nil, err
		}
		return conn, nil
	}
	p.mu.Unlock()

	// Pool is full, block and wait for a connection to be returned
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a connection to the pool.
func (p *groupPool) put(conn Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		p.numConns--
		return
	}
	select {
	case p.conns <- conn:
		// Connection returned to pool
	default:
		// Pool is full, close the connection
		conn.Close()
		p.numConns--
	}
}

func (p *groupPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down every group pool, closing all idle connections.
func (m *GroupPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*groupPool)
}

// close shuts down a specific group's pool.
func (p *groupPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.numConns--
	}
}
