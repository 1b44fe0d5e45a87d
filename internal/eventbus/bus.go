package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"flowcore/internal/runtime/supervisor"
	"flowcore/pkg/logx"
)

// Handler receives one event. ctx is cancelled when the delivery budget for
// this handler is spent; long handlers should watch it.
type Handler func(ctx context.Context, e Event) error

type SubscriptionID uint64

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID     SubscriptionID
	Type   EventType // empty means every type
	Source string
}

type Config struct {
	HistorySize      int
	HistoryMaxAge    time.Duration // <0 disables age pruning
	HandlerTimeout   time.Duration
	PublishTimeout   time.Duration
	FailureThreshold int
	AsyncQueueSize   int
	PropagateErrors  bool
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.HistoryMaxAge == 0 {
		c.HistoryMaxAge = time.Hour
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.AsyncQueueSize <= 0 {
		c.AsyncQueueSize = 1024
	}
	return c
}

type subscriber struct {
	Subscription
	handler Handler

	failures  atomic.Int32
	disabled  atomic.Bool
	delivered atomic.Uint64
}

func (s *subscriber) matches(t EventType) bool {
	return s.Type == "" || s.Type == t
}

type asyncItem struct {
	ev   Event
	subs []*subscriber
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Subscribers   int    `json:"subscribers"`
	Disabled      uint64 `json:"disabled"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Failures      uint64 `json:"failures"`
	Timeouts      uint64 `json:"timeouts"`
	Skipped       uint64 `json:"skipped"`
	AsyncQueued   int    `json:"async_queued"`
	AsyncRejected uint64 `json:"async_rejected"`
	HistoryLen    int    `json:"history_len"`
}

// Bus is a typed publish/subscribe hub.
//
// The internal lock guards the subscriber list, sequence counter and history.
// It is never held while a handler runs, so handlers may publish or
// (un)subscribe freely.
type Bus struct {
	cfg       Config
	log       logx.Logger
	propagate atomic.Bool

	mu      sync.Mutex
	seq     uint64
	nextID  SubscriptionID
	subs    []*subscriber
	history *history
	queue   chan asyncItem
	closed  bool

	sup     *supervisor.Supervisor
	started atomic.Bool

	published     atomic.Uint64
	delivered     atomic.Uint64
	failures      atomic.Uint64
	timeouts      atomic.Uint64
	skipped       atomic.Uint64
	disabledCount atomic.Uint64
	asyncRejected atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:     cfg,
		log:     log,
		history: newHistory(cfg.HistorySize, cfg.HistoryMaxAge),
		queue:   make(chan asyncItem, cfg.AsyncQueueSize),
	}
	b.propagate.Store(cfg.PropagateErrors)
	return b
}

// Start launches the async dispatcher. Synchronous Publish works without it.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx), supervisor.WithLogger(b.log))
	b.sup.Go0("eventbus.async", b.dispatchLoop)
}

// Close rejects further publishes, drains queued async events and waits for
// the dispatcher (bounded by ctx).
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	if b.sup == nil {
		return nil
	}
	if err := b.sup.Wait(ctx); err != nil {
		b.sup.Cancel()
		return err
	}
	return nil
}

// SetExceptionPropagation toggles whether a handler error aborts Publish and
// is returned to the publisher. Off by default.
func (b *Bus) SetExceptionPropagation(enabled bool) { b.propagate.Store(enabled) }

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithSource tags the subscription for provenance and UnsubscribeBySource.
func WithSource(source string) SubscribeOption {
	return func(s *subscriber) { s.Source = source }
}

// Subscribe registers h for events of type t. An empty t matches every type.
func (b *Bus) Subscribe(t EventType, h Handler, opts ...SubscribeOption) Subscription {
	s := &subscriber{handler: h}
	s.Type = t
	for _, o := range opts {
		o(s)
	}

	b.mu.Lock()
	b.nextID++
	s.ID = b.nextID
	// Copy-on-write: in-flight deliveries keep their snapshot.
	b.subs = append(slices.Clip(b.subs), s)
	b.mu.Unlock()

	b.log.Debug("subscribed", logx.Uint64("id", uint64(s.ID)), logx.String("type", string(t)), logx.String("source", s.Source))
	return s.Subscription
}

// Unsubscribe removes one subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	return b.remove(func(s *subscriber) bool { return s.ID == id }) > 0
}

// UnsubscribeHandler removes the subscription only if it was registered for t.
func (b *Bus) UnsubscribeHandler(t EventType, id SubscriptionID) bool {
	return b.remove(func(s *subscriber) bool { return s.ID == id && s.Type == t }) > 0
}

// UnsubscribeBySource removes every subscription tagged with source and
// returns how many were removed.
func (b *Bus) UnsubscribeBySource(source string) int {
	if source == "" {
		return 0
	}
	n := b.remove(func(s *subscriber) bool { return s.Source == source })
	if n > 0 {
		b.log.Debug("unsubscribed by source", logx.String("source", source), logx.Int("count", n))
	}
	return n
}

func (b *Bus) remove(match func(*subscriber) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	n := len(b.subs) - len(kept)
	if n > 0 {
		b.subs = kept
	}
	return n
}

// recordLocked stamps e, appends it to history and snapshots the matching
// subscribers. Must be called with b.mu held.
func (b *Bus) recordLocked(e Event) (Event, []*subscriber) {
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.history.add(e)

	var subs []*subscriber
	for _, s := range b.subs {
		if s.matches(e.Type) {
			subs = append(subs, s)
		}
	}
	b.published.Add(1)
	return e, subs
}

// Publish delivers e to every matching subscriber before returning. Each
// handler is bounded by the handler timeout and the whole delivery by the
// publish timeout; subscribers not reached within the budget are skipped.
//
// The returned error is non-nil only when the bus is closed or when
// exception propagation is enabled and a handler failed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	e, subs := b.recordLocked(e)
	b.mu.Unlock()

	return b.deliver(ctx, e, subs, b.propagate.Load())
}

// PublishAsync queues e for delivery by the dispatcher and returns as soon as
// it is queued. A full queue is reported, never silently dropped.
func (b *Bus) PublishAsync(e Event) error {
	if !b.started.Load() {
		return ErrNotStarted
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	// Sends only happen under b.mu, so this check cannot race another sender.
	if len(b.queue) == cap(b.queue) {
		b.asyncRejected.Add(1)
		return ErrAsyncQueueFull
	}
	e, subs := b.recordLocked(e)
	b.queue <- asyncItem{ev: e, subs: subs}
	return nil
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	for {
		select {
		case it, ok := <-b.queue:
			if !ok {
				return
			}
			if err := b.deliver(ctx, it.ev, it.subs, false); err != nil {
				b.log.Warn("async delivery aborted", logx.String("type", string(it.ev.Type)), logx.Err(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event, subs []*subscriber, propagate bool) error {
	if len(subs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	budget, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	for i, s := range subs {
		if s.disabled.Load() {
			continue
		}
		if budget.Err() != nil {
			left := uint64(len(subs) - i)
			b.skipped.Add(left)
			b.log.Warn("publish budget exhausted", logx.String("type", string(e.Type)), logx.Uint64("seq", e.Seq), logx.Uint64("skipped", left))
			return nil
		}

		err := b.invoke(budget, s, e)
		if err == nil {
			s.failures.Store(0)
			s.delivered.Add(1)
			b.delivered.Add(1)
			continue
		}
		b.noteFailure(s, err)
		if propagate {
			return err
		}
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, e Event) error {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan *SubscriberError, 1)
	go func() {
		done <- call(hctx, s, e)
	}()

	select {
	case serr := <-done:
		if serr != nil {
			return serr
		}
		return nil
	case <-hctx.Done():
		select {
		case serr := <-done:
			if serr != nil {
				return serr
			}
			return nil
		default:
		}
		return &SubscriberError{Subscription: s.ID, Source: s.Source, Event: e.Type, Err: ErrHandlerTimeout}
	}
}

func call(ctx context.Context, s *subscriber, e Event) (serr *SubscriberError) {
	defer func() {
		if r := recover(); r != nil {
			serr = &SubscriberError{
				Subscription: s.ID, Source: s.Source, Event: e.Type,
				Err: fmt.Errorf("%v", r), Panic: true, Stack: string(debug.Stack()),
			}
		}
	}()
	if err := s.handler(ctx, e); err != nil {
		return &SubscriberError{Subscription: s.ID, Source: s.Source, Event: e.Type, Err: err}
	}
	return nil
}

func (b *Bus) noteFailure(s *subscriber, err error) {
	b.failures.Add(1)
	serr, _ := err.(*SubscriberError)
	if serr != nil && serr.Timeout() {
		b.timeouts.Add(1)
	}
	n := s.failures.Add(1)

	fields := []logx.Field{
		logx.Uint64("subscription", uint64(s.ID)),
		logx.String("source", s.Source),
		logx.Int("consecutive", int(n)),
		logx.Err(err),
	}
	if serr != nil && serr.Panic {
		fields = append(fields, logx.Stack(serr.Stack))
	}
	b.log.Warn("subscriber failed", fields...)

	if int(n) < b.cfg.FailureThreshold || !s.disabled.CompareAndSwap(false, true) {
		return
	}
	b.disabledCount.Add(1)
	b.log.Error("subscriber disabled", logx.Uint64("subscription", uint64(s.ID)), logx.String("source", s.Source), logx.Int("failures", int(n)))

	diag := NewEvent(SystemSubscriberDisabled, "eventbus", map[string]any{
		"subscription": uint64(s.ID),
		"source":       s.Source,
		"event_type":   string(s.Type),
		"failures":     int(n),
		"last_error":   err.Error(),
	})
	// Fresh context: the diagnostic must not inherit an exhausted budget.
	if perr := b.Publish(context.Background(), diag); perr != nil && !errors.Is(perr, ErrBusClosed) {
		b.log.Warn("diagnostic publish failed", logx.Err(perr))
	}
}

// Subscriptions lists live subscriptions in registration order.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Subscription)
	}
	return out
}

// Disabled reports whether the subscription was disabled after repeated failures.
func (b *Bus) Disabled(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.ID == id {
			return s.disabled.Load()
		}
	}
	return false
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	hl := b.history.len(time.Now())
	b.mu.Unlock()
	return Stats{
		Subscribers:   n,
		Disabled:      b.disabledCount.Load(),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failures:      b.failures.Load(),
		Timeouts:      b.timeouts.Load(),
		Skipped:       b.skipped.Load(),
		AsyncQueued:   len(b.queue),
		AsyncRejected: b.asyncRejected.Load(),
		HistoryLen:    hl,
	}
}
