package pool

import (
	"context"
	"runtime/debug"
	"time"

	"flowcore/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		p.mu.Lock()
		if p.live > p.target || (p.closing && p.queue.Len() == 0) {
			p.retireLocked(id)
			more := p.queue.Len() > 0
			p.mu.Unlock()
			if more {
				// The signal that woke us may have been meant for queued work.
				p.kick()
			}
			return
		}
		it := p.queue.pop()
		if it != nil {
			st := p.slots[id]
			st.busy, st.it, st.at = true, it, time.Now()
			p.busy++
		}
		more := p.queue.Len() > 0
		p.mu.Unlock()

		if it == nil {
			select {
			case <-p.signal:
				continue
			case <-p.closeCh:
				continue
			case <-ctx.Done():
				p.mu.Lock()
				p.retireLocked(id)
				p.mu.Unlock()
				return
			}
		}
		if more {
			p.kick()
		}

		p.execOne(ctx, it)

		p.mu.Lock()
		if st := p.slots[id]; st != nil {
			st.busy, st.it = false, nil
		}
		p.busy--
		p.mu.Unlock()
	}
}

func (p *Pool) retireLocked(id int) {
	delete(p.slots, id)
	p.live--
}

func (p *Pool) execOne(ctx context.Context, it *item) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !it.h.start(cancel) {
		it.h.resolve(nil, ErrCancelled)
		p.cancelled.Add(1)
		return
	}

	wait := time.Since(it.queuedAt)
	start := time.Now()
	v, err := p.call(rctx, it)
	dur := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.log.Debug("work failed", logx.String("label", it.label), logx.Duration("queue_delay", wait), logx.Duration("duration", dur), logx.Err(err))
	} else {
		p.completed.Add(1)
		p.log.Trace("work done", logx.String("label", it.label), logx.Duration("queue_delay", wait), logx.Duration("duration", dur))
	}
	it.h.resolve(v, err)
}

func (p *Pool) call(ctx context.Context, it *item) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			stack := string(debug.Stack())
			p.log.Error("work panicked", logx.String("label", it.label), logx.Any("panic", r), logx.Stack(stack))
			v, err = nil, &PanicError{Value: r, Stack: stack}
		}
	}()
	return it.fn(ctx)
}
