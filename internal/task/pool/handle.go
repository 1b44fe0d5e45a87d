package pool

import (
	"context"
	"sync"
	"time"
)

type item struct {
	fn        Func
	priority  Priority
	seq       uint64
	label     string
	footprint float64
	queuedAt  time.Time
	index     int

	h *Handle
}

// Handle is the completion future of one submission.
type Handle struct {
	pool *Pool
	it   *item

	done chan struct{}

	mu        sync.Mutex
	result    any
	err       error
	cancel    context.CancelFunc
	cancelled bool
	resolved  bool
}

func newHandle(p *Pool, it *item) *Handle {
	h := &Handle{pool: p, it: it, done: make(chan struct{})}
	it.h = h
	return h
}

// Done is closed once the work has finished, failed or been cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Label() string { return h.it.label }

// Wait blocks until the work resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (h *Handle) Result() (v any, err error, ok bool) {
	select {
	case <-h.done:
	default:
		return nil, nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err, true
}

// Cancel removes queued work immediately or signals running work through its
// context. It reports whether anything was cancelled.
func (h *Handle) Cancel() bool {
	if h.pool.dequeue(h.it) {
		h.resolve(nil, ErrCancelled)
		h.pool.cancelled.Add(1)
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved || h.cancelled {
		return false
	}
	h.cancelled = true
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

// start binds the running context; it reports false if cancellation won the race.
func (h *Handle) start(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.resolved {
		return false
	}
	h.cancel = cancel
	return true
}

func (h *Handle) resolve(v any, err error) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.result, h.err = v, err
	h.cancel = nil
	h.mu.Unlock()
	close(h.done)
}
