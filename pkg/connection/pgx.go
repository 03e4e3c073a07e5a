package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxGroupConfig describes one PostgreSQL backed resource group.
type PgxGroupConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// PgxGroupSource serves resource groups from pgxpool pools, one per group.
type PgxGroupSource struct {
	mu     sync.RWMutex
	pools  map[string]*pgxpool.Pool
	logger *zap.Logger
}

// NewPgxGroupSource opens a pgxpool for every configured group.
func NewPgxGroupSource(ctx context.Context, groups map[string]PgxGroupConfig, logger *zap.Logger) (*PgxGroupSource, error) {
	s := &PgxGroupSource{
		pools:  make(map[string]*pgxpool.Pool, len(groups)),
		logger: logger.Named("pgx_group_source"),
	}
	for name, gc := range groups {
		cfg, err := pgxpool.ParseConfig(gc.DSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse dsn for group %s: %w", name, err)
		}
		if gc.MaxConns > 0 {
			cfg.MaxConns = gc.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open pool for group %s: %w", name, err)
		}
		s.pools[name] = pool
		s.logger.Info("Resource group pool opened", zap.String("group", name), zap.Int32("maxConns", cfg.MaxConns))
	}
	return s, nil
}

// Acquire takes a connection from the group's pgxpool.
func (s *PgxGroupSource) Acquire(ctx context.Context, group string) (Conn, error) {
	s.mu.RLock()
	pool, ok := s.pools[group]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for group %s: %w", group, err)
	}
	return &PgxConn{conn: conn, group: group}, nil
}

// Release returns a PgxConn to its pool, rolling back any open local transaction.
func (s *PgxGroupSource) Release(c Conn) error {
	pc, ok := c.(*PgxConn)
	if !ok {
		return ErrForeignConn
	}
	return pc.Close()
}

// Discard closes a PgxConn instead of returning it to its pool.
func (s *PgxGroupSource) Discard(c Conn) error {
	pc, ok := c.(*PgxConn)
	if !ok {
		return ErrForeignConn
	}
	return pc.discard()
}

// Close closes every pool.
func (s *PgxGroupSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, pool := range s.pools {
		pool.Close()
		delete(s.pools, name)
	}
}

// PgxConn is a pooled PostgreSQL connection carrying at most one local transaction.
type PgxConn struct {
	mu    sync.Mutex
	conn  *pgxpool.Conn
	tx    pgx.Tx
	group string
}

func (c *PgxConn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrAlreadyPooled
	}
	if c.tx != nil {
		return fmt.Errorf("local transaction already open on group %s", c.group)
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *PgxConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	return err
}

func (c *PgxConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	return err
}

// Exec runs sql inside the local transaction when one is open.
func (c *PgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pgconn.CommandTag{}, ErrAlreadyPooled
	}
	if c.tx != nil {
		return c.tx.Exec(ctx, sql, args...)
	}
	return c.conn.Exec(ctx, sql, args...)
}

// Query runs sql inside the local transaction when one is open.
func (c *PgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrAlreadyPooled
	}
	if c.tx != nil {
		return c.tx.Query(ctx, sql, args...)
	}
	return c.conn.Query(ctx, sql, args...)
}

// discard takes the connection out of its pool and closes it.
func (c *PgxConn) discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrAlreadyPooled
	}
	c.tx = nil
	raw := c.conn.Hijack()
	c.conn = nil
	return raw.Close(context.Background())
}

// Close rolls back a dangling local transaction and releases the connection to its pool.
func (c *PgxConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrAlreadyPooled
	}
	var err error
	if c.tx != nil {
		err = c.tx.Rollback(context.Background())
		c.tx = nil
	}
	c.conn.Release()
	c.conn = nil
	return err
}
