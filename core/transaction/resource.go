package transaction

import (
	"context"

	"github.com/sushant-115/gojotx/pkg/connection"
)

// Status is the transaction status seen by a worker.
type Status int

const (
	StatusNoTransaction Status = iota
	StatusActive
	StatusMarkedRollback
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusNoTransaction:
		return "NoTransaction"
	case StatusActive:
		return "Active"
	case StatusMarkedRollback:
		return "MarkedRollback"
	case StatusCommitted:
		return "Committed"
	case StatusRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// Resource is a two-phase participant enlisted in a transaction.
type Resource interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Synchronization receives callbacks around transaction completion.
// A BeforeCompletion error forces rollback.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status)
}

// connResource drives the local transaction of a physical connection. A
// connection whose commit or rollback failed is discarded on release.
type connResource struct {
	conn    connection.TxConn
	wrapper *ConnectionWrapper
}

func (r *connResource) Prepare(ctx context.Context) error { return nil }

func (r *connResource) Commit(ctx context.Context) error {
	err := r.conn.Commit(ctx)
	if err != nil {
		r.wrapper.broken.Store(true)
	}
	return err
}

func (r *connResource) Rollback(ctx context.Context) error {
	err := r.conn.Rollback(ctx)
	if err != nil {
		r.wrapper.broken.Store(true)
	}
	return err
}

func connResourceName(group string) string { return "connection:" + group }
