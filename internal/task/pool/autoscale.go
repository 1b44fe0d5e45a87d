package pool

import (
	"context"
	"time"

	"flowcore/internal/runtime/supervisor"
	"flowcore/pkg/logx"
)

// Advisor recommends a pool size from the current queue pressure.
type Advisor interface {
	Recommend(queued, busy, minSize, maxSize int) int
}

// AdvisorFunc adapts a function into an Advisor.
type AdvisorFunc func(queued, busy, minSize, maxSize int) int

func (f AdvisorFunc) Recommend(queued, busy, minSize, maxSize int) int {
	return f(queued, busy, minSize, maxSize)
}

// WithBacklog adds work held upstream of the pool (e.g. a scheduler's ready
// queue) to the queued count passed to a.
func WithBacklog(a Advisor, backlog func() int) Advisor {
	if backlog == nil {
		return a
	}
	return AdvisorFunc(func(queued, busy, minSize, maxSize int) int {
		return a.Recommend(queued+max(backlog(), 0), busy, minSize, maxSize)
	})
}

// StartAutoscale consults a every interval and resizes the pool when the
// recommendation differs. Scale-ups apply immediately; scale-downs wait for
// ResizeCooldown since the last change so a short lull does not thrash.
func (p *Pool) StartAutoscale(a Advisor, every time.Duration) {
	if a == nil {
		return
	}
	if every <= 0 {
		every = 2 * time.Second
	}
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		p.log.Warn("autoscale requested before pool start; ignored")
		return
	}
	sup.GoRestart(p.cfg.Name+".autoscale", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-p.closeCh:
				return nil
			case <-t.C:
				p.autoscaleTick(a, time.Now())
			}
		}
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	p.log.Info("pool autoscale enabled", logx.Duration("every", every), logx.Duration("cooldown", p.cfg.ResizeCooldown))
}

func (p *Pool) autoscaleTick(a Advisor, now time.Time) int {
	p.mu.Lock()
	queued, busy, cur := p.queue.Len(), p.busy, p.target
	p.mu.Unlock()

	want := min(max(a.Recommend(queued, busy, p.cfg.MinWorkers, p.cfg.MaxWorkers), p.cfg.MinWorkers), p.cfg.MaxWorkers)
	if want == cur {
		return cur
	}
	if want < cur {
		last := time.Unix(0, p.lastResize.Load())
		if now.Sub(last) < p.cfg.ResizeCooldown {
			return cur
		}
	}
	return p.resize(want, "autoscale")
}
