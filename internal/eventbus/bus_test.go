package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowcore/pkg/logx"
)

func newTestBus(cfg Config) *Bus {
	return New(cfg, logx.Nop())
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	evs  []Event
}

func (r *recorder) handle(ctx context.Context, e Event) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, e.Seq)
	r.evs = append(r.evs, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evs...)
}

func TestPublishDeliversInOrderDespiteConcurrentSubscriptionChanges(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	var a, c recorder
	b.Subscribe(Custom("tick"), a.handle)
	b.Subscribe("", c.handle)

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			sub := b.Subscribe(Custom("tick"), func(context.Context, Event) error { return nil }, WithSource("churn"))
			b.Unsubscribe(sub.ID)
		}
	}()

	const n = 200
	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), NewEvent(Custom("tick"), "test", map[string]any{"i": i})); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	close(stop)
	churn.Wait()

	for _, r := range []*recorder{&a, &c} {
		evs := r.snapshot()
		if len(evs) != n {
			t.Fatalf("expected %d deliveries, got %d", n, len(evs))
		}
		for i, e := range evs {
			if v, _ := e.Value("i"); v != i {
				t.Fatalf("delivery %d out of order: got payload %v", i, v)
			}
			if i > 0 && evs[i-1].Seq >= e.Seq {
				t.Fatalf("sequence not monotonic at %d", i)
			}
		}
	}
}

func TestFailingSubscriberIsDisabledAndReported(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{FailureThreshold: 3})
	var healthy recorder
	var diag recorder
	var calls atomic.Int32

	bad := b.Subscribe(Custom("work"), func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("always broken")
	}, WithSource("bad"))
	b.Subscribe(Custom("work"), healthy.handle)
	b.Subscribe(SystemSubscriberDisabled, diag.handle)

	for i := 0; i < 6; i++ {
		if err := b.Publish(context.Background(), NewEvent(Custom("work"), "test", nil)); err != nil {
			t.Fatalf("publish returned error with propagation off: %v", err)
		}
	}

	if got := calls.Load(); got != 3 {
		t.Fatalf("failing subscriber should stop receiving after 3 failures, got %d calls", got)
	}
	if !b.Disabled(bad.ID) {
		t.Fatalf("subscriber should be disabled")
	}
	if got := len(healthy.snapshot()); got != 6 {
		t.Fatalf("healthy subscriber should see every event, got %d", got)
	}
	d := diag.snapshot()
	if len(d) != 1 {
		t.Fatalf("expected exactly one diagnostic event, got %d", len(d))
	}
	if d[0].String("source") != "bad" {
		t.Fatalf("diagnostic should name the subscriber source, got %q", d[0].String("source"))
	}
	if st := b.Stats(); st.Disabled != 1 || st.Failures != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSlowSubscriberTimesOut(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{HandlerTimeout: 20 * time.Millisecond, FailureThreshold: 2})
	release := make(chan struct{})
	defer close(release)

	slow := b.Subscribe(Custom("slow"), func(ctx context.Context, e Event) error {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		return nil
	})
	var fast recorder
	b.Subscribe(Custom("slow"), fast.handle)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_ = b.Publish(context.Background(), NewEvent(Custom("slow"), "test", nil))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish was not bounded by handler timeout: %v", elapsed)
	}
	if !b.Disabled(slow.ID) {
		t.Fatalf("slow subscriber should be disabled after repeated timeouts")
	}
	if len(fast.snapshot()) != 2 {
		t.Fatalf("fast subscriber should still receive both events")
	}
	if b.Stats().Timeouts != 2 {
		t.Fatalf("expected 2 timeouts, got %+v", b.Stats())
	}
}

func TestExceptionPropagation(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	boom := errors.New("boom")
	var after atomic.Int32
	b.Subscribe(Custom("x"), func(context.Context, Event) error { return boom }, WithSource("first"))
	b.Subscribe(Custom("x"), func(context.Context, Event) error { after.Add(1); return nil })

	if err := b.Publish(context.Background(), NewEvent(Custom("x"), "t", nil)); err != nil {
		t.Fatalf("error should be contained by default: %v", err)
	}
	if after.Load() != 1 {
		t.Fatalf("second subscriber should run when propagation is off")
	}

	b.SetExceptionPropagation(true)
	err := b.Publish(context.Background(), NewEvent(Custom("x"), "t", nil))
	var serr *SubscriberError
	if !errors.As(err, &serr) || !errors.Is(err, boom) {
		t.Fatalf("expected SubscriberError wrapping boom, got %v", err)
	}
	if serr.Source != "first" {
		t.Fatalf("unexpected source %q", serr.Source)
	}
	if after.Load() != 1 {
		t.Fatalf("propagation should stop delivery to remaining subscribers")
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	var ok recorder
	b.Subscribe(Custom("p"), func(context.Context, Event) error { panic("nil map") })
	b.Subscribe(Custom("p"), ok.handle)

	b.SetExceptionPropagation(true)
	err := b.Publish(context.Background(), NewEvent(Custom("p"), "t", nil))
	var serr *SubscriberError
	if !errors.As(err, &serr) || !serr.Panic || serr.Stack == "" {
		t.Fatalf("expected panic SubscriberError with stack, got %v", err)
	}
}

func TestHandlerMayPublishWithoutDeadlock(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	var echoes recorder
	b.Subscribe(Custom("ping"), func(ctx context.Context, e Event) error {
		return b.Publish(ctx, NewEvent(Custom("pong"), "echo", e.Payload()))
	})
	b.Subscribe(Custom("pong"), echoes.handle)

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), NewEvent(Custom("ping"), "t", map[string]any{"n": 1})) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nested publish deadlocked")
	}
	if got := echoes.snapshot(); len(got) != 1 || got[0].Source != "echo" {
		t.Fatalf("expected one pong from echo, got %+v", got)
	}
}

func TestUnsubscribeBySource(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	var kept recorder
	var gone atomic.Int32
	b.Subscribe("", func(context.Context, Event) error { gone.Add(1); return nil }, WithSource("plugin"))
	b.Subscribe(Custom("a"), func(context.Context, Event) error { gone.Add(1); return nil }, WithSource("plugin"))
	sub := b.Subscribe(Custom("a"), kept.handle, WithSource("core"))

	if n := b.UnsubscribeBySource("plugin"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	_ = b.Publish(context.Background(), NewEvent(Custom("a"), "t", nil))
	if gone.Load() != 0 || len(kept.snapshot()) != 1 {
		t.Fatalf("source removal leaked deliveries")
	}
	if b.UnsubscribeHandler(Custom("b"), sub.ID) {
		t.Fatalf("type mismatch must not unsubscribe")
	}
	if !b.UnsubscribeHandler(Custom("a"), sub.ID) {
		t.Fatalf("expected typed unsubscribe to succeed")
	}
	if len(b.Subscriptions()) != 0 {
		t.Fatalf("expected no subscriptions left")
	}
}

func TestHistoryBoundsAndFilters(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{HistorySize: 5, HistoryMaxAge: time.Hour})

	stale := NewEvent(Custom("old"), "t", nil)
	stale.Time = time.Now().Add(-2 * time.Hour)
	_ = b.Publish(context.Background(), stale)
	if got := b.History(HistoryFilter{}); len(got) != 0 {
		t.Fatalf("aged-out event should not be retained, got %d", len(got))
	}

	for i := 0; i < 8; i++ {
		typ := Custom("even")
		if i%2 == 1 {
			typ = Custom("odd")
		}
		_ = b.Publish(context.Background(), NewEvent(typ, "t", map[string]any{"i": i}))
	}

	all := b.History(HistoryFilter{})
	if len(all) != 5 {
		t.Fatalf("history should be capped at 5, got %d", len(all))
	}
	if v, _ := all[0].Value("i"); v != 3 {
		t.Fatalf("oldest retained should be i=3, got %v", v)
	}
	if v, _ := all[4].Value("i"); v != 7 {
		t.Fatalf("newest should be last, got %v", v)
	}

	odd := b.History(HistoryFilter{Type: Custom("odd"), Limit: 2})
	if len(odd) != 2 {
		t.Fatalf("expected 2 odd events, got %d", len(odd))
	}
	if v, _ := odd[1].Value("i"); v != 7 {
		t.Fatalf("limit should keep the newest, got %v", v)
	}

	// Snapshots are independent.
	all[0] = Event{}
	if again := b.History(HistoryFilter{}); again[0].Seq == 0 {
		t.Fatalf("history snapshot aliases internal storage")
	}
}

func TestEventPayloadIsImmutable(t *testing.T) {
	t.Parallel()

	data := map[string]any{"k": "v"}
	e := NewEvent(Custom("imm"), "t", data)
	data["k"] = "mutated"
	if e.String("k") != "v" {
		t.Fatalf("event aliased caller map")
	}
	p := e.Payload()
	p["k"] = "mutated"
	if e.String("k") != "v" {
		t.Fatalf("Payload leaked internal map")
	}
}

func TestPublishAsync(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{AsyncQueueSize: 1})
	if err := b.PublishAsync(NewEvent(Custom("a"), "t", nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	b.Start(context.Background())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var got recorder
	b.Subscribe(Custom("a"), func(ctx context.Context, e Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return got.handle(ctx, e)
	})

	if err := b.PublishAsync(NewEvent(Custom("a"), "t", map[string]any{"i": 0})); err != nil {
		t.Fatalf("first async publish: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher never picked up the event")
	}
	if err := b.PublishAsync(NewEvent(Custom("a"), "t", map[string]any{"i": 1})); err != nil {
		t.Fatalf("second async publish should queue: %v", err)
	}
	if err := b.PublishAsync(NewEvent(Custom("a"), "t", map[string]any{"i": 2})); !errors.Is(err, ErrAsyncQueueFull) {
		t.Fatalf("expected ErrAsyncQueueFull, got %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	evs := got.snapshot()
	if len(evs) != 2 {
		t.Fatalf("expected both queued events delivered before close returned, got %d", len(evs))
	}
	if err := b.Publish(context.Background(), NewEvent(Custom("a"), "t", nil)); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if b.Stats().AsyncRejected != 1 {
		t.Fatalf("rejected publish not counted")
	}
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := newTestBus(Config{})
	ch, unsub, dropped := b.SubscribeChan(Custom("c"), 1)
	_ = b.Publish(context.Background(), NewEvent(Custom("c"), "t", nil))
	_ = b.Publish(context.Background(), NewEvent(Custom("c"), "t", nil))
	if dropped.Load() != 1 {
		t.Fatalf("expected one drop, got %d", dropped.Load())
	}
	<-ch
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestEventTypeCategory(t *testing.T) {
	t.Parallel()

	cases := map[EventType]string{
		TaskCompleted:    CategoryTask,
		ResourceCritical: CategoryResource,
		SystemShutdown:   CategorySystem,
		Custom("x.y"):    CategoryCustom,
		"bare":           "bare",
	}
	for typ, want := range cases {
		if got := typ.Category(); got != want {
			t.Fatalf("%s: category %q want %q", typ, got, want)
		}
	}
}
