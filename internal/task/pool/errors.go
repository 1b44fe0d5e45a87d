package pool

import (
	"errors"
	"fmt"
)

var (
	ErrPoolCapacity = errors.New("pool: backlog at capacity")
	ErrPoolClosed   = errors.New("pool: shut down")
	ErrCancelled    = errors.New("pool: work cancelled")
	ErrNilFunc      = errors.New("pool: nil func")
)

// PoolCapacityError is returned by Submit when the backlog ceiling is reached.
type PoolCapacityError struct {
	Pool    string
	Backlog int
}

func (e *PoolCapacityError) Error() string {
	return fmt.Sprintf("pool %s: backlog at capacity (%d queued)", e.Pool, e.Backlog)
}

func (e *PoolCapacityError) Is(target error) bool { return target == ErrPoolCapacity }

// PanicError carries a recovered panic from submitted work.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
