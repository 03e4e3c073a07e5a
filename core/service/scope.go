package service

import (
	"context"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Scope is what a service body sees of the runtime: the worker it runs on
// and helpers bound to that worker.
type Scope struct {
	Worker transaction.WorkerID
	// Name is the canonical name of the running service.
	Name string

	facade *Facade
}

// Call runs another service on the same worker.
func (s *Scope) Call(ctx context.Context, req Request) (map[string]any, error) {
	return s.facade.Call(ctx, s.Worker, req)
}

// Transaction returns the active transaction or nil.
func (s *Scope) Transaction(ctx context.Context) *transaction.Context {
	return s.facade.tx.Active(ctx, s.Worker)
}

// Connection returns the connection of group enlisted in the active
// transaction. It fails with transaction.ErrNoActiveTransaction outside one.
func (s *Scope) Connection(ctx context.Context, group string) (*transaction.ConnectionWrapper, error) {
	return s.facade.tx.GetOrCreateConnection(ctx, s.Worker, group)
}

// NonTransactionalConnection opts out of transactional access. The caller
// must Close the returned wrapper.
func (s *Scope) NonTransactionalConnection(ctx context.Context, group string) (*transaction.ConnectionWrapper, error) {
	return s.facade.tx.GetNonTransactionalConnection(ctx, group)
}

// LockRecord registers that the active transaction touches entityName/pk.
func (s *Scope) LockRecord(ctx context.Context, entityName, pk string, mutation *transaction.Mutation) (*transaction.RecordLock, error) {
	return s.facade.tx.RegisterRecordLock(ctx, s.Worker, entityName, pk, mutation)
}

// MarkRollbackOnly dooms the active transaction without failing the body.
func (s *Scope) MarkRollbackOnly(ctx context.Context, cause string, err error) error {
	return s.facade.tx.MarkRollbackOnly(ctx, s.Worker, cause, err)
}

// RegisterResource enlists a two-phase participant in the active transaction.
func (s *Scope) RegisterResource(ctx context.Context, name string, r transaction.Resource) error {
	return s.facade.tx.RegisterResource(ctx, s.Worker, name, r)
}

// RegisterSynchronization adds a completion callback to the active transaction.
func (s *Scope) RegisterSynchronization(ctx context.Context, name string, sync transaction.Synchronization) error {
	return s.facade.tx.RegisterSynchronization(ctx, s.Worker, name, sync)
}

// Cache returns the transaction cache, nil when none was initialized.
func (s *Scope) Cache(ctx context.Context) *transaction.TxCache {
	return s.facade.tx.Cache(ctx, s.Worker)
}
