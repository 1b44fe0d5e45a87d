package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTaskNotFound      = errors.New("scheduler: task not found")
	ErrDuplicateTask     = errors.New("scheduler: duplicate task id")
	ErrUnknownDependency = errors.New("scheduler: unknown dependency")
	ErrInvalidSpec       = errors.New("scheduler: invalid task spec")
	ErrTaskTerminal      = errors.New("scheduler: task already finished")
	ErrTaskNotTerminal   = errors.New("scheduler: task not finished")
	ErrSchedulerStopped  = errors.New("scheduler: stopped")
	ErrCyclicDependency  = errors.New("scheduler: cyclic dependency")
	ErrDependencyFailed  = errors.New("scheduler: dependency failed")
	ErrTaskTimeout       = errors.New("scheduler: task timed out")
	ErrTaskCancelled     = errors.New("scheduler: task cancelled")
)

// CyclicDependencyError rejects a registration whose dependencies form a
// cycle. Cycle lists the ids along the loop, first id repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// TaskDependencyError is recorded on a task that never ran because
// Dependency failed or was cancelled. Root is where the failure started.
type TaskDependencyError struct {
	Task       string
	Dependency string
	Root       string
	RootStatus Status
}

func (e *TaskDependencyError) Error() string {
	if e.Root != "" && e.Root != e.Dependency {
		return fmt.Sprintf("task %s: dependency %s %s (root %s)", e.Task, e.Dependency, e.RootStatus, e.Root)
	}
	return fmt.Sprintf("task %s: dependency %s %s", e.Task, e.Dependency, e.RootStatus)
}

func (e *TaskDependencyError) Is(target error) bool { return target == ErrDependencyFailed }

type TaskTimeoutError struct {
	Task    string
	Attempt int
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s: attempt %d timed out after %s", e.Task, e.Attempt, e.Timeout)
}

func (e *TaskTimeoutError) Is(target error) bool { return target == ErrTaskTimeout }

// TaskExecutionError wraps the error returned (or panic raised) by a task body.
type TaskExecutionError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s: attempt %d: %v", e.Task, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

type TaskCancellationError struct {
	Task string
}

func (e *TaskCancellationError) Error() string { return fmt.Sprintf("task %s: cancelled", e.Task) }

func (e *TaskCancellationError) Is(target error) bool { return target == ErrTaskCancelled }

// NoRetry marks an error as non-retryable.
//
// Task bodies can wrap validation errors or other permanent failures with
// NoRetry so the scheduler fails the task at once instead of burning retries.
//
//	return nil, scheduler.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests the delay before the next attempt, e.g. from a
// downstream Retry-After header. The hint is still capped by Backoff.Max.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
