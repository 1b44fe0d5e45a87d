package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"flowcore/internal/eventbus"
	"flowcore/internal/runtime/supervisor"
	"flowcore/pkg/logx"
)

const journalSource = "journal"

// JournalConfig controls what the journal persists.
type JournalConfig struct {
	// Types filters by exact event type or by category ("task"). Empty keeps all.
	Types []string
	// WritesPerSec caps store writes; 0 means unlimited. Events that arrive
	// faster overflow Buffer and are counted as dropped.
	WritesPerSec float64
	Buffer       int
	WriteTimeout time.Duration
}

type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Journal copies bus events into a Store and keeps the last state of every
// task it sees.
type Journal struct {
	store Store
	bus   *eventbus.Bus
	cfg   JournalConfig
	log   logx.Logger

	types   map[string]bool
	limiter *rate.Limiter

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	unsub   func()
	dropped *atomic.Uint64

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewJournal(store Store, bus *eventbus.Bus, cfg JournalConfig, log logx.Logger) *Journal {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	j := &Journal{store: store, bus: bus, cfg: cfg, log: log}
	if len(cfg.Types) > 0 {
		j.types = make(map[string]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			if t = strings.TrimSpace(t); t != "" {
				j.types[t] = true
			}
		}
	}
	if cfg.WritesPerSec > 0 {
		j.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSec), max(1, int(cfg.WritesPerSec)))
	}
	return j
}

// Start subscribes to every event and begins writing.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sup != nil {
		return
	}
	ch, unsub, dropped := j.bus.SubscribeChan("", j.cfg.Buffer, eventbus.WithSource(journalSource))
	j.unsub, j.dropped = unsub, dropped
	j.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(j.log))
	j.sup.GoRestart("storage.journal", func(ctx context.Context) error {
		return j.run(ctx, ch)
	})
	j.log.Info("journal started", logx.Int("buffer", j.cfg.Buffer), logx.Float64("writes_per_sec", j.cfg.WritesPerSec))
}

// Stop unsubscribes and waits for already-queued events to be written. When
// ctx ends first, the remainder is abandoned.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	sup, unsub := j.sup, j.unsub
	j.mu.Unlock()
	if sup == nil {
		return nil
	}
	unsub()
	err := sup.Wait(ctx)
	sup.Cancel()
	st := j.Stats()
	j.log.Info("journal stopped", logx.Uint64("written", st.Written), logx.Uint64("dropped", st.Dropped), logx.Uint64("failed", st.Failed))
	return err
}

func (j *Journal) Stats() JournalStats {
	st := JournalStats{Written: j.written.Load(), Failed: j.failed.Load()}
	j.mu.Lock()
	if j.dropped != nil {
		st.Dropped = j.dropped.Load()
	}
	j.mu.Unlock()
	return st
}

func (j *Journal) wants(t eventbus.EventType) bool {
	if j.types == nil {
		return true
	}
	return j.types[string(t)] || j.types[t.Category()]
}

func (j *Journal) run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !j.wants(e.Type) {
				continue
			}
			if j.limiter != nil {
				if err := j.limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			j.write(ctx, e)
		}
	}
}

func (j *Journal) write(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
	defer cancel()

	rec := EventRecord{Seq: e.Seq, Type: string(e.Type), Source: e.Source, Time: e.Time}
	if p := e.Payload(); len(p) > 0 {
		if b, err := json.Marshal(p); err == nil {
			rec.Data = b
		}
	}
	if err := j.store.AppendEvent(wctx, rec); err != nil {
		j.failed.Add(1)
		j.log.Warn("journal append failed", logx.String("event", rec.Type), logx.Err(err))
		return
	}
	j.written.Add(1)

	if t, ok := taskRecordFrom(e); ok {
		if err := j.store.PutTask(wctx, t); err != nil {
			j.failed.Add(1)
			j.log.Warn("journal task update failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
}

// taskRecordFrom reads a lifecycle event published by the scheduler.
func taskRecordFrom(e eventbus.Event) (TaskRecord, bool) {
	if e.Type.Category() != eventbus.CategoryTask {
		return TaskRecord{}, false
	}
	id := e.String("task")
	if id == "" {
		return TaskRecord{}, false
	}
	t := TaskRecord{
		ID:      id,
		Name:    e.String("name"),
		Status:  e.String("status"),
		Group:   e.String("group"),
		Error:   e.String("error"),
		Updated: e.Time,
	}
	if e.Type == eventbus.TaskPurged {
		t.Status = "purged"
	}
	if r, _ := e.Value("retryable"); r == true && e.Type == eventbus.TaskFailed {
		t.Status = "retry_wait"
	}
	for _, k := range []string{"attempts", "attempt"} {
		if n, ok := e.Value(k); ok {
			if v, ok := n.(int); ok {
				t.Attempts = v
				break
			}
		}
	}
	return t, true
}
