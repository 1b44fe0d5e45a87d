package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/internal/task/pool"
	"flowcore/pkg/logx"
)

var errStaleAttempt = errors.New("scheduler: stale attempt")

func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.DispatchInterval)
	defer t.Stop()
	for {
		s.dispatchReady()
		select {
		case <-ctx.Done():
			return nil
		case <-s.kickCh:
		case <-t.C:
		}
	}
}

// dispatchReady hands ready tasks to the pool while it has free slots.
func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if s.stopping || s.inflight >= s.pool.Size() {
			s.mu.Unlock()
			return
		}
		t := s.ready.pop()
		if t == nil {
			s.mu.Unlock()
			return
		}
		t.gen++
		gen := t.gen
		t.dispatched = true
		s.inflight++
		fn, prio, id := s.attempt(t, gen), t.spec.Priority, t.spec.ID
		s.mu.Unlock()

		h, err := s.pool.Submit(fn, prio, pool.WithLabel(id))

		s.mu.Lock()
		if err == nil {
			if t.gen == gen && t.dispatched {
				t.poolHandle = h
			}
			s.mu.Unlock()
			continue
		}
		stale := t.gen != gen || !t.dispatched
		if !stale {
			t.dispatched = false
			s.inflight--
			s.noteDrainLocked()
		}
		if !stale && errors.Is(err, pool.ErrPoolCapacity) {
			// Shared pool backlog is full; retry on the next wake-up.
			s.ready.push(t)
			s.mu.Unlock()
			s.log.Debug("pool backlog full; dispatch deferred", logx.String("task", id))
			return
		}
		if !stale {
			t.attempts++
			s.terminateLocked(t, Failed, &TaskExecutionError{Task: id, Attempt: t.attempts, Err: err}, time.Now(), nil)
			s.propagateLocked(t, time.Now())
		}
		s.mu.Unlock()
		s.log.Warn("dispatch failed", logx.String("task", id), logx.Err(err))
		s.flush()
	}
}

// attempt wraps one run of a task body for the pool. The outcome is reported
// back to the scheduler before the pool slot is released.
func (s *Scheduler) attempt(t *task, gen uint64) pool.Func {
	return func(pctx context.Context) (any, error) {
		s.mu.Lock()
		if t.gen != gen || t.status != Ready || !t.dispatched {
			s.mu.Unlock()
			return nil, errStaleAttempt
		}
		ctx, cancel := context.WithCancel(pctx)
		now := time.Now()
		t.dispatched = false
		t.poolHandle = nil
		t.cancel = cancel
		t.retrying = false
		t.nextRetry = time.Time{}
		t.attempts++
		t.started = now
		if t.firstStart.IsZero() {
			t.firstStart = now
		}
		s.attemptsTotal++
		s.setStatusLocked(t, Running)
		s.emitLocked(eventbus.TaskRunning, t, map[string]any{"attempt": t.attempts})
		fn, timeout, attempt := t.spec.Fn, t.spec.Timeout, t.attempts
		s.mu.Unlock()
		s.flush()

		v, err, timedOut := invoke(ctx, fn, timeout)
		cancel()
		s.finish(t, gen, attempt, v, err, timedOut)
		return v, err
	}
}

type outcome struct {
	v   any
	err error
}

// invoke runs fn and enforces timeout whether or not fn cooperates. On
// expiry fn's context is cancelled and the body is abandoned.
func invoke(ctx context.Context, fn Func, timeout time.Duration) (any, error, bool) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &pool.PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{v: v, err: err}
	}()

	if timeout <= 0 {
		o := <-ch
		return o.v, o.err, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-ch:
		return o.v, o.err, false
	case <-timer.C:
		return nil, nil, true
	}
}

func (s *Scheduler) finish(t *task, gen uint64, attempt int, v any, err error, timedOut bool) {
	now := time.Now()
	s.mu.Lock()
	if t.gen != gen || t.status != Running {
		s.mu.Unlock()
		return
	}
	s.inflight--
	t.cancel = nil

	switch {
	case t.cancelReq:
		s.terminateLocked(t, Cancelled, &TaskCancellationError{Task: t.spec.ID}, now, nil)
		s.propagateLocked(t, now)
	case err == nil && !timedOut:
		s.completeLocked(t, v, now)
	default:
		var cause error
		if timedOut {
			cause = &TaskTimeoutError{Task: t.spec.ID, Attempt: attempt, Timeout: t.spec.Timeout}
		} else {
			cause = &TaskExecutionError{Task: t.spec.ID, Attempt: attempt, Err: err}
		}
		s.failAttemptLocked(t, cause, now)
	}
	s.noteDrainLocked()
	s.mu.Unlock()

	s.flush()
	s.kick()
}

// failAttemptLocked either arms a retry or fails t for good.
func (s *Scheduler) failAttemptLocked(t *task, cause error, now time.Time) {
	t.lastErr = cause
	if t.retries >= t.spec.MaxRetries || IsNoRetry(cause) {
		s.log.Warn("task failed",
			logx.String("task", t.spec.ID),
			logx.String("name", t.spec.Name),
			logx.Int("attempts", t.attempts),
			logx.Err(cause),
		)
		s.terminateLocked(t, Failed, cause, now, nil)
		s.propagateLocked(t, now)
		return
	}

	delay := t.spec.Backoff.Delay(t.retries, cause)
	t.retries++
	s.retriesTotal++
	s.setStatusLocked(t, Failed)
	t.retrying = true
	t.nextRetry = now.Add(delay)
	s.emitLocked(eventbus.TaskFailed, t, map[string]any{
		"attempt":   t.attempts,
		"retryable": true,
		"retry_in":  delay.String(),
		"error":     cause.Error(),
	})
	s.log.Debug("task retry scheduled",
		logx.String("task", t.spec.ID),
		logx.Int("attempt", t.attempts+1),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	gen := t.gen
	t.retryTimer = time.AfterFunc(delay, func() { s.retryDue(t, gen) })
}

func (s *Scheduler) retryDue(t *task, gen uint64) {
	s.mu.Lock()
	if t.gen != gen || t.status != Failed || !t.retrying || s.stopping {
		s.mu.Unlock()
		return
	}
	t.retryTimer = nil
	s.makeReadyLocked(t)
	s.mu.Unlock()
	s.flush()
	s.kick()
}

// Handle tracks one task through Execute.
type Handle struct {
	ID string
	s  *Scheduler
	t  *task
}

// Done is closed after the task's terminal event has been published.
func (h *Handle) Done() <-chan struct{} { return h.t.done }

// Wait blocks until the task is terminal or ctx ends. It returns the result
// of a completed task, or its terminal error.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.t.result, h.t.err
}

func (h *Handle) Status() Status {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.t.status
}

// Execute requests the task and every unfinished task it depends on. With
// wait it blocks until the task is terminal and returns its terminal error;
// otherwise it returns at once.
func (s *Scheduler) Execute(ctx context.Context, id string, wait bool) (*Handle, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.requestLocked(t)
	s.mu.Unlock()
	s.flush()
	s.kick()

	h := &Handle{ID: id, s: s, t: t}
	if !wait {
		return h, nil
	}
	_, err := h.Wait(ctx)
	return h, err
}

// Run executes the task and waits for its result.
func (s *Scheduler) Run(ctx context.Context, id string) (any, error) {
	h, err := s.Execute(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Cancel stops a task. Queued, pending and retry-waiting tasks are cancelled
// at once; a running task gets its context cancelled and is marked Cancelled
// when the body returns (or its timeout fires). Cancelling an already
// cancelled task is a no-op.
func (s *Scheduler) Cancel(id string) error {
	now := time.Now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var (
		ph     *pool.Handle
		cancel context.CancelFunc
	)
	switch {
	case t.status == Cancelled:
		s.mu.Unlock()
		return nil
	case t.finished():
		st := t.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, st)
	case t.status == Running:
		if t.cancelReq {
			s.mu.Unlock()
			return nil
		}
		t.cancelReq = true
		cancel = t.cancel
	default:
		if t.dispatched {
			t.dispatched = false
			ph = t.poolHandle
			t.poolHandle = nil
			s.inflight--
			s.noteDrainLocked()
		}
		t.gen++
		s.terminateLocked(t, Cancelled, &TaskCancellationError{Task: id}, now, nil)
		s.propagateLocked(t, now)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ph != nil {
		ph.Cancel()
	}
	s.log.Debug("task cancel requested", logx.String("task", id))
	s.flush()
	s.kick()
	return nil
}
