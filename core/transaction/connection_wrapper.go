package transaction

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojotx/pkg/connection"
	"go.uber.org/atomic"
)

// ConnectionSource hands out physical connections per resource group.
// Implementations must support concurrent use by independent transactions.
// Discard closes a connection for good instead of returning it.
type ConnectionSource interface {
	Acquire(ctx context.Context, group string) (connection.Conn, error)
	Release(conn connection.Conn) error
	Discard(conn connection.Conn) error
}

// ConnectionWrapper is a transaction- and group-scoped proxy over a pooled
// connection.
//
// Close does nothing for a transactional wrapper; the connection is only
// released when the coordinator ends the owning transaction (commit,
// rollback, or destroy as a last resort). A wrapper obtained without a
// transaction is released by Close.
type ConnectionWrapper struct {
	conn           connection.Conn
	source         ConnectionSource
	groupName      string
	ownerContextID uint64
	detached       bool
	released       atomic.Bool
	// set when the local transaction failed to end cleanly
	broken atomic.Bool
}

func newConnectionWrapper(conn connection.Conn, source ConnectionSource, group string, ownerID uint64, detached bool) *ConnectionWrapper {
	return &ConnectionWrapper{
		conn:           conn,
		source:         source,
		groupName:      group,
		ownerContextID: ownerID,
		detached:       detached,
	}
}

func (w *ConnectionWrapper) GroupName() string { return w.groupName }

// OwnerContextID is the id of the transaction that created the wrapper, 0 when detached.
func (w *ConnectionWrapper) OwnerContextID() uint64 { return w.ownerContextID }

// Conn returns the pooled connection for use by the caller.
func (w *ConnectionWrapper) Conn() (connection.Conn, error) {
	if w.released.Load() {
		return nil, fmt.Errorf("group %s: %w", w.groupName, ErrConnectionReleased)
	}
	return w.conn, nil
}

// Close is a no-op unless the wrapper was obtained outside a transaction.
func (w *ConnectionWrapper) Close() error {
	if !w.detached {
		return nil
	}
	return w.closeInternal()
}

// IsClosed reports whether the wrapper has been released to its pool.
func (w *ConnectionWrapper) IsClosed() bool { return w.released.Load() }

// closeInternal releases the connection to its source, or discards it when
// broken. Only the coordinator calls it.
func (w *ConnectionWrapper) closeInternal() error {
	if !w.released.CompareAndSwap(false, true) {
		return nil
	}
	if w.broken.Load() {
		if err := w.source.Discard(w.conn); err != nil {
			return fmt.Errorf("discard connection for group %s: %w", w.groupName, err)
		}
		return nil
	}
	if err := w.source.Release(w.conn); err != nil {
		return fmt.Errorf("release connection for group %s: %w", w.groupName, err)
	}
	return nil
}
