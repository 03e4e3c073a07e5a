package service

import (
	"errors"
	"fmt"
	"time"
)

// --- Error Definitions ---

var (
	ErrEmptyName               = errors.New("service name is empty")
	ErrInvalidName             = errors.New("service name must have a verb")
	ErrDuplicateDefinition     = errors.New("service already defined")
	ErrInvalidDefinition       = errors.New("invalid service definition")
	ErrNotRunnable             = errors.New("service is an interface and cannot be run")
	ErrRollbackOnlyTransaction = errors.New("transaction is marked rollback-only, not running service")
	ErrSemaphoreTransient      = errors.New("transient failure creating semaphore occupancy")
	ErrMissingParameter        = errors.New("required parameter missing")
)

// UnitOfWorkNotFoundError is returned when a name resolves to no definition.
type UnitOfWorkNotFoundError struct {
	Name string
}

func (e *UnitOfWorkNotFoundError) Error() string {
	return fmt.Sprintf("could not find service with name %s", e.Name)
}

// ConcurrencyConflictError is returned when a semaphore is occupied by
// another caller, immediately in fail mode or after Waited in wait mode.
type ConcurrencyConflictError struct {
	Semaphore string
	Key       string
	Holder    Occupant
	Waited    time.Duration
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("semaphore %s (key %s) still held by %s after waiting %s", e.Semaphore, e.Key, e.Holder.Worker, e.Waited)
	}
	return fmt.Sprintf("semaphore %s (key %s) is held by %s since %s", e.Semaphore, e.Key, e.Holder.Worker, e.Holder.Since.Format(time.RFC3339Nano))
}

// ExecutionError wraps an error raised by a service body.
type ExecutionError struct {
	Service string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("error running service %s: %v", e.Service, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Chain lists the message of every error in the causal chain, outermost
// first. Joined errors are walked depth first.
func (e *ExecutionError) Chain() []string {
	var out []string
	var walk func(err error)
	walk = func(err error) {
		for err != nil {
			out = append(out, err.Error())
			if multi, ok := err.(interface{ Unwrap() []error }); ok {
				for _, inner := range multi.Unwrap() {
					walk(inner)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(e.Err)
	return out
}
