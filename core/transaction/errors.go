package transaction

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrTransactionState    = errors.New("transaction is in an invalid state for this operation")
	ErrNoActiveTransaction = errors.New("no transaction in place")
	ErrTransactionTimedOut = errors.New("transaction timed out")
	ErrTxnNotFound         = errors.New("transaction not found")
	ErrConnectionReleased  = errors.New("connection already released")
	ErrNoConnectionSource  = errors.New("no connection source configured")
)

// StateError reports begin/suspend/resume misuse.
type StateError struct {
	Op     string
	Worker WorkerID
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s on worker %s: %s", e.Op, e.Worker, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrTransactionState }

func noActive(op string, worker WorkerID) error {
	return fmt.Errorf("%s on worker %s: %w", op, worker, ErrNoActiveTransaction)
}
