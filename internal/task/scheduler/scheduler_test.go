package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/internal/resource"
	"flowcore/internal/task/pool"
	"flowcore/pkg/logx"
)

type harness struct {
	bus  *eventbus.Bus
	pool *pool.Pool
	s    *Scheduler
}

func newHarness(t *testing.T, cfg Config, workers int) *harness {
	t.Helper()
	bus := eventbus.New(eventbus.Config{HistorySize: 10000}, logx.Nop())
	p := pool.New(pool.Config{MinWorkers: 1, MaxWorkers: workers}, bus, logx.Nop())
	p.Start(context.Background())
	s, err := New(cfg, bus, p, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = p.Shutdown(ctx, false)
	})
	return &harness{bus: bus, pool: p, s: s}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// lifecycle renders task events as "<task>:<suffix>" in history order.
func (h *harness) lifecycle(types ...eventbus.EventType) []string {
	var out []string
	for _, e := range h.bus.History(eventbus.HistoryFilter{}) {
		if e.Source != eventSource || (len(types) > 0 && !slices.Contains(types, e.Type)) {
			continue
		}
		name := string(e.Type)[len("task."):]
		out = append(out, e.String("task")+":"+name)
	}
	return out
}

func ok(v any) Func {
	return func(context.Context) (any, error) { return v, nil }
}

func TestDependencyRunsFirstAndHistoryIsOrdered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 4)
	if _, err := h.s.Register(Spec{ID: "A", Fn: ok("a"), Priority: Normal}); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if _, err := h.s.Register(Spec{ID: "B", Fn: ok("b"), Deps: []string{"A"}, Priority: High}); err != nil {
		t.Fatalf("register B: %v", err)
	}

	ctx := waitCtx(t)
	if _, err := h.s.Execute(ctx, "A", true); err != nil {
		t.Fatalf("execute A: %v", err)
	}
	if _, err := h.s.Execute(ctx, "B", true); err != nil {
		t.Fatalf("execute B: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if st, _ := h.s.Status(id); st != Completed {
			t.Fatalf("%s status %s", id, st)
		}
	}
	if v, err := h.s.Result("B"); err != nil || v != "b" {
		t.Fatalf("result B: %v %v", v, err)
	}

	got := h.lifecycle(eventbus.TaskRunning, eventbus.TaskCompleted)
	want := []string{"A:running", "A:completed", "B:running", "B:completed"}
	if !slices.Equal(got, want) {
		t.Fatalf("history %v want %v", got, want)
	}
}

func TestExecuteRequestsTransitiveDependencies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 4)
	var mu sync.Mutex
	var order []string
	step := func(name string) Func {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}
	_, err := h.s.RegisterAll(
		Spec{ID: "fetch", Fn: step("fetch")},
		Spec{ID: "parse", Fn: step("parse"), Deps: []string{"fetch"}},
		Spec{ID: "store", Fn: step("store"), Deps: []string{"parse", "fetch"}},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	v, err := h.s.Run(waitCtx(t), "store")
	if err != nil || v != "store" {
		t.Fatalf("run store: %v %v", v, err)
	}
	if !slices.Equal(order, []string{"fetch", "parse", "store"}) {
		t.Fatalf("order %v", order)
	}

	got := h.lifecycle(eventbus.TaskReady, eventbus.TaskRunning, eventbus.TaskCompleted)
	idx := func(s string) int { return slices.Index(got, s) }
	if !(idx("fetch:completed") < idx("parse:ready") && idx("parse:ready") < idx("parse:running")) {
		t.Fatalf("dependent became ready before its dependency completed: %v", got)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	var calls atomic.Int32
	id, err := h.s.Register(Spec{
		Name:       "flaky",
		MaxRetries: 2,
		Backoff:    Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("transient")
			}
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	v, err := h.s.Run(waitCtx(t), id)
	if err != nil || v != "done" {
		t.Fatalf("run: %v %v", v, err)
	}
	info, _ := h.s.Info(id)
	if info.Status != Completed || info.Attempts != 3 || info.Retries != 2 {
		t.Fatalf("unexpected info %+v", info)
	}

	var seq []string
	for _, e := range h.bus.History(eventbus.HistoryFilter{}) {
		switch e.Type {
		case eventbus.TaskFailed:
			r, _ := e.Value("retryable")
			seq = append(seq, fmt.Sprintf("failed(retryable=%v)", r))
		case eventbus.TaskCompleted:
			seq = append(seq, "completed")
		}
	}
	want := []string{"failed(retryable=true)", "failed(retryable=true)", "completed"}
	if !slices.Equal(seq, want) {
		t.Fatalf("event sequence %v want %v", seq, want)
	}
	m := h.s.Metrics()
	if m.Attempts != 3 || m.Retries != 2 || m.Completed != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.RetryRate < 0.66 || m.RetryRate > 0.67 {
		t.Fatalf("retry rate %v", m.RetryRate)
	}
}

func TestRetryWaitIsNotTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	var calls atomic.Int32
	id, _ := h.s.Register(Spec{
		MaxRetries: 1,
		Backoff:    Backoff{Base: 300 * time.Millisecond, Max: time.Second},
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("first attempt fails")
			}
			return 1, nil
		},
	})
	hd, err := h.s.Execute(context.Background(), id, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	eventually(t, "retry wait", func() bool {
		in, _ := h.s.Info(id)
		return in.Retrying
	})
	if st, _ := h.s.Status(id); st != Failed {
		t.Fatalf("retry wait should report failed, got %s", st)
	}
	if err := h.s.Error(id); err != nil {
		t.Fatalf("error must stay nil until terminal, got %v", err)
	}
	if _, err := h.s.Result(id); !errors.Is(err, ErrTaskNotTerminal) {
		t.Fatalf("expected ErrTaskNotTerminal, got %v", err)
	}
	if err := h.s.Purge(id); !errors.Is(err, ErrTaskNotTerminal) {
		t.Fatalf("retrying task must not be purgeable, got %v", err)
	}
	if _, err := hd.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCancelDuringRetryWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	var calls atomic.Int32
	id, _ := h.s.Register(Spec{
		ID:         "flaky",
		MaxRetries: 3,
		Backoff:    Backoff{Base: 2 * time.Second, Max: 5 * time.Second},
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errors.New("always fails")
		},
	})
	hd, err := h.s.Execute(context.Background(), id, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	eventually(t, "retry wait", func() bool {
		in, _ := h.s.Info(id)
		return in.Retrying
	})
	if in, _ := h.s.Info(id); in.Status != Failed || !in.Status.Terminal() {
		t.Fatalf("retry wait reports %s, want Failed with Retrying set", in.Status)
	}
	if _, err := h.s.Result(id); !errors.Is(err, ErrTaskNotTerminal) {
		t.Fatalf("result during retry wait: %v", err)
	}

	if err := h.s.Cancel(id); err != nil {
		t.Fatalf("cancel during retry wait: %v", err)
	}
	in, _ := h.s.Info(id)
	if in.Status != Cancelled || in.Retrying {
		t.Fatalf("after cancel: status=%s retrying=%v", in.Status, in.Retrying)
	}
	_, err = hd.Wait(waitCtx(t))
	var ce *TaskCancellationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected TaskCancellationError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("retry must not run after cancel, calls=%d", n)
	}
	if err := h.s.Cancel(id); err != nil {
		t.Fatalf("second cancel should be a no-op: %v", err)
	}
}

func TestDependentOfRetryingTaskWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	var calls atomic.Int32
	if _, err := h.s.Register(Spec{
		ID:         "A",
		MaxRetries: 1,
		Backoff:    Backoff{Base: 300 * time.Millisecond, Max: time.Second},
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("first attempt fails")
			}
			return "a", nil
		},
	}); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if _, err := h.s.Execute(context.Background(), "A", false); err != nil {
		t.Fatalf("execute A: %v", err)
	}
	eventually(t, "A retry wait", func() bool {
		in, _ := h.s.Info("A")
		return in.Retrying
	})

	if _, err := h.s.Register(Spec{ID: "B", Deps: []string{"A"}, Fn: ok("b")}); err != nil {
		t.Fatalf("register B: %v", err)
	}
	if st, _ := h.s.Status("B"); st != Pending {
		t.Fatalf("B must wait for A's retry, got %s (err %v)", st, h.s.Error("B"))
	}
	if v, err := h.s.Run(waitCtx(t), "B"); err != nil || v != "b" {
		t.Fatalf("run B: %v %v", v, err)
	}
	if st, _ := h.s.Status("A"); st != Completed {
		t.Fatalf("A status %s", st)
	}
}

func TestRetriesExhaustedAndNoRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	boom := errors.New("boom")
	var exhausted, permanent atomic.Int32
	ids, err := h.s.RegisterAll(
		Spec{ID: "exhausted", MaxRetries: 2, Backoff: Backoff{Base: time.Millisecond}, Fn: func(context.Context) (any, error) {
			exhausted.Add(1)
			return nil, boom
		}},
		Spec{ID: "permanent", MaxRetries: 3, Backoff: Backoff{Base: time.Millisecond}, Fn: func(context.Context) (any, error) {
			permanent.Add(1)
			return nil, NoRetry(boom)
		}},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, id := range ids {
		_, err := h.s.Run(waitCtx(t), id)
		var ee *TaskExecutionError
		if !errors.As(err, &ee) || !errors.Is(err, boom) {
			t.Fatalf("%s: expected execution error wrapping boom, got %v", id, err)
		}
		if !errors.Is(h.s.Error(id), boom) {
			t.Fatalf("%s: Error should return the terminal error", id)
		}
	}
	if got := exhausted.Load(); got != 3 {
		t.Fatalf("attempts must be maxRetries+1, got %d", got)
	}
	if got := permanent.Load(); got != 1 {
		t.Fatalf("NoRetry should stop after one attempt, got %d", got)
	}
}

func TestCycleRejectedWithoutPartialMutation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	_, err := h.s.RegisterAll(
		Spec{ID: "ok", Fn: ok(nil)},
		Spec{ID: "A", Fn: ok(nil), Deps: []string{"B"}},
		Spec{ID: "B", Fn: ok(nil), Deps: []string{"A"}},
	)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}
	var ce *CyclicDependencyError
	if !errors.As(err, &ce) || len(ce.Cycle) != 3 || ce.Cycle[0] != ce.Cycle[2] {
		t.Fatalf("cycle not reported: %v", err)
	}
	if n := len(h.s.Tasks()); n != 0 {
		t.Fatalf("no task should be registered, found %d", n)
	}
	if m := h.s.Metrics(); m.Registered != 0 {
		t.Fatalf("registered counter moved: %+v", m)
	}
	if got := h.lifecycle(); len(got) != 0 {
		t.Fatalf("no events expected, got %v", got)
	}

	if _, err := h.s.Register(Spec{ID: "self", Fn: ok(nil), Deps: []string{"self"}}); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("self dependency should be a cycle, got %v", err)
	}
}

func TestRegistrationValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	if _, err := h.s.Register(Spec{ID: "x", Fn: ok(nil)}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name string
		spec Spec
		want error
	}{
		{"duplicate", Spec{ID: "x", Fn: ok(nil)}, ErrDuplicateTask},
		{"unknown dep", Spec{ID: "y", Fn: ok(nil), Deps: []string{"missing"}}, ErrUnknownDependency},
		{"nil func", Spec{ID: "z"}, ErrInvalidSpec},
		{"negative retries", Spec{ID: "r", Fn: ok(nil), MaxRetries: -5}, ErrInvalidSpec},
		{"bad priority", Spec{ID: "p", Fn: ok(nil), Priority: Priority(9)}, ErrInvalidSpec},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.s.Register(tc.spec); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	var ranB, ranC atomic.Bool
	_, err := h.s.RegisterAll(
		Spec{ID: "A", Fn: func(context.Context) (any, error) { return nil, errors.New("upstream down") }},
		Spec{ID: "B", Deps: []string{"A"}, Fn: func(context.Context) (any, error) { ranB.Store(true); return nil, nil }},
		Spec{ID: "C", Deps: []string{"B"}, Fn: func(context.Context) (any, error) { ranC.Store(true); return nil, nil }},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = h.s.Execute(waitCtx(t), "C", true)
	var de *TaskDependencyError
	if !errors.As(err, &de) || de.Dependency != "B" || de.Root != "A" || de.RootStatus != Failed {
		t.Fatalf("expected dependency error naming B with root A, got %v", err)
	}
	if !errors.As(h.s.Error("B"), &de) || de.Dependency != "A" {
		t.Fatalf("B should fail on A, got %v", h.s.Error("B"))
	}
	if ranB.Load() || ranC.Load() {
		t.Fatalf("dependents of a failed task must never run")
	}
	for _, id := range []string{"A", "B", "C"} {
		if st, _ := h.s.Status(id); st != Failed {
			t.Fatalf("%s status %s", id, st)
		}
	}
	if got := h.lifecycle(eventbus.TaskRunning); !slices.Equal(got, []string{"A:running"}) {
		t.Fatalf("only A should have run, got %v", got)
	}

	// Registering against an already failed dependency fails immediately.
	_, err = h.s.Register(Spec{ID: "late", Deps: []string{"C"}, Fn: ok(nil)})
	if err != nil {
		t.Fatalf("register late: %v", err)
	}
	if !errors.As(h.s.Error("late"), &de) || de.Root != "A" {
		t.Fatalf("late dependent should fail with root A, got %v", h.s.Error("late"))
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	var calls atomic.Int32
	id, _ := h.s.Register(Spec{
		Timeout:    20 * time.Millisecond,
		MaxRetries: 1,
		Backoff:    Backoff{Base: time.Millisecond},
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			// Ignores cancellation on purpose.
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		},
	})
	start := time.Now()
	_, err := h.s.Run(waitCtx(t), id)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatalf("timeout was not enforced independently of the body")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("timeout should consume a retry; attempts=%d", got)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	release := make(chan struct{})
	entered := make(chan struct{})
	_, _ = h.s.RegisterAll(
		Spec{ID: "blocker", Fn: func(context.Context) (any, error) { close(entered); <-release; return nil, nil }},
		Spec{ID: "queued", Fn: ok(nil)},
		Spec{ID: "child", Fn: ok(nil), Deps: []string{"queued"}},
	)
	_, _ = h.s.Execute(context.Background(), "blocker", false)
	<-entered
	_, _ = h.s.Execute(context.Background(), "child", false)
	if st, _ := h.s.Status("queued"); st != Ready {
		t.Fatalf("queued should be ready, got %s", st)
	}

	if err := h.s.Cancel("queued"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st, _ := h.s.Status("queued"); st != Cancelled {
		t.Fatalf("queued cancel must be immediate, got %s", st)
	}
	if !errors.Is(h.s.Error("queued"), ErrTaskCancelled) {
		t.Fatalf("expected cancellation error, got %v", h.s.Error("queued"))
	}
	var de *TaskDependencyError
	if !errors.As(h.s.Error("child"), &de) || de.RootStatus != Cancelled {
		t.Fatalf("child should fail on cancelled dependency, got %v", h.s.Error("child"))
	}
	if err := h.s.Cancel("queued"); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	close(release)
	if _, err := h.s.Run(waitCtx(t), "blocker"); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	if err := h.s.Cancel("blocker"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("cancelling a completed task should fail, got %v", err)
	}
	if err := h.s.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	entered := make(chan struct{})
	id, _ := h.s.Register(Spec{
		MaxRetries: 3,
		Fn: func(ctx context.Context) (any, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	hd, _ := h.s.Execute(context.Background(), id, false)
	<-entered
	if err := h.s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := hd.Wait(waitCtx(t))
	var ce *TaskCancellationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if in, _ := h.s.Info(id); in.Status != Cancelled || in.Attempts != 1 {
		t.Fatalf("cancellation must not be retried: %+v", in)
	}
}

func TestReadyQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	release := make(chan struct{})
	entered := make(chan struct{})
	var mu sync.Mutex
	var order []string
	rec := func(name string) Func {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	_, _ = h.s.RegisterAll(
		Spec{ID: "gate", Fn: func(context.Context) (any, error) { close(entered); <-release; return nil, nil }},
		Spec{ID: "low", Fn: rec("low"), Priority: Low},
		Spec{ID: "normal-1", Fn: rec("normal-1"), Priority: Normal},
		Spec{ID: "critical", Fn: rec("critical"), Priority: Critical},
		Spec{ID: "normal-2", Fn: rec("normal-2"), Priority: Normal},
	)
	_, _ = h.s.Execute(context.Background(), "gate", false)
	<-entered
	for _, id := range []string{"low", "normal-1", "critical", "normal-2"} {
		_, _ = h.s.Execute(context.Background(), id, false)
	}
	close(release)
	if _, err := h.s.Run(waitCtx(t), "low"); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"critical", "normal-1", "normal-2", "low"}
	if !slices.Equal(order, want) {
		t.Fatalf("order %v want %v", order, want)
	}
}

func TestPanicBecomesExecutionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	id, _ := h.s.Register(Spec{Fn: func(context.Context) (any, error) { panic("nil map") }})
	_, err := h.s.Run(waitCtx(t), id)
	var pe *pool.PanicError
	if !errors.As(err, &pe) || pe.Value != "nil map" {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestAutoShutdownWhenEligibleTasksFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoShutdown: AutoShutdownConfig{Enabled: true}}, 2)
	var shutdowns atomic.Int32
	var reason atomic.Value
	h.bus.Subscribe(eventbus.SystemShutdown, func(ctx context.Context, e eventbus.Event) error {
		shutdowns.Add(1)
		reason.Store(e.String("reason"))
		return nil
	})

	ids, _ := h.s.RegisterAll(
		Spec{ID: "e1", Fn: ok(nil), AutoShutdown: true},
		Spec{ID: "e2", Fn: ok(nil), AutoShutdown: true},
		Spec{ID: "other", Fn: ok(nil)},
	)
	if _, err := h.s.Run(waitCtx(t), ids[0]); err != nil {
		t.Fatalf("run e1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if shutdowns.Load() != 0 {
		t.Fatalf("candidate emitted while an eligible task is unfinished")
	}
	if _, err := h.s.Run(waitCtx(t), ids[1]); err != nil {
		t.Fatalf("run e2: %v", err)
	}
	eventually(t, "shutdown candidate", func() bool { return shutdowns.Load() == 1 })
	if got := reason.Load(); got != "tasks_complete" {
		t.Fatalf("reason %v", got)
	}
	if _, err := h.s.Run(waitCtx(t), "other"); err != nil {
		t.Fatalf("run other: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if shutdowns.Load() != 1 {
		t.Fatalf("candidate must be emitted once, got %d", shutdowns.Load())
	}
}

func TestIdleShutdownCandidate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoShutdown: AutoShutdownConfig{Enabled: true, IdleTimeout: time.Hour}}, 1)
	var reasons []string
	var mu sync.Mutex
	h.bus.Subscribe(eventbus.SystemShutdown, func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		reasons = append(reasons, e.String("reason"))
		mu.Unlock()
		return nil
	})

	h.s.janitorTick(time.Now().Add(30 * time.Minute))
	h.s.janitorTick(time.Now().Add(2 * time.Hour))
	h.s.janitorTick(time.Now().Add(3 * time.Hour))

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(reasons, []string{"idle"}) {
		t.Fatalf("expected a single idle candidate, got %v", reasons)
	}
}

func TestRetentionPurge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Retention: time.Minute}, 1)
	id, _ := h.s.Register(Spec{ID: "old", Fn: ok(nil), Tags: []string{"report"}})
	pending, _ := h.s.Register(Spec{ID: "pending", Fn: ok(nil), Tags: []string{"report"}})
	if _, err := h.s.Run(waitCtx(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := h.s.Purge(pending); !errors.Is(err, ErrTaskNotTerminal) {
		t.Fatalf("expected ErrTaskNotTerminal, got %v", err)
	}

	h.s.janitorTick(time.Now())
	if _, err := h.s.Status(id); err != nil {
		t.Fatalf("fresh task purged too early")
	}
	h.s.janitorTick(time.Now().Add(2 * time.Minute))
	if _, err := h.s.Status(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expired task should be purged, got %v", err)
	}
	if got := h.s.ByTag("report"); !slices.Equal(got, []string{"pending"}) {
		t.Fatalf("tag index not cleaned: %v", got)
	}
	if got := h.lifecycle(eventbus.TaskPurged); !slices.Equal(got, []string{"old:purged"}) {
		t.Fatalf("purge events %v", got)
	}
	if m := h.s.Metrics(); m.Purged != 1 || m.Completed != 1 {
		t.Fatalf("metrics %+v", m)
	}
}

func TestIndexQueries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	_, _ = h.s.RegisterAll(
		Spec{ID: "a", Fn: ok(nil), Tags: []string{"ingest"}, Group: "feed-1"},
		Spec{ID: "b", Fn: ok(nil), Tags: []string{"ingest", "slow"}, Group: "feed-1"},
		Spec{ID: "c", Fn: ok(nil), Group: "feed-2"},
	)
	if _, err := h.s.Run(waitCtx(t), "b"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.s.ByTag("ingest"); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("by tag %v", got)
	}
	if got := h.s.ByGroup("feed-1"); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("by group %v", got)
	}
	if got := h.s.ByStatus(Completed); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("completed %v", got)
	}
	if got := h.s.ByStatus(Pending); !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("pending %v", got)
	}
}

func TestRecurringSkipsOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 2)
	release := make(chan struct{})
	var runs atomic.Int32
	err := h.s.AddRecurring("sync", "every:1h", Spec{Fn: func(context.Context) (any, error) {
		if runs.Add(1) == 1 {
			<-release
		}
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("add recurring: %v", err)
	}

	h.s.fireRecurring("sync")
	eventually(t, "first instance running", func() bool { return runs.Load() == 1 })
	h.s.fireRecurring("sync")
	close(release)

	first := h.s.Recurring()[0].LastTask
	if _, err := h.s.Run(waitCtx(t), first); err != nil {
		t.Fatalf("first instance: %v", err)
	}
	h.s.fireRecurring("sync")
	eventually(t, "second instance", func() bool { return runs.Load() == 2 })

	info := h.s.Recurring()[0]
	if info.Fired != 2 || info.Skipped != 1 || info.Kind != "interval" {
		t.Fatalf("unexpected recurring info %+v", info)
	}
	if got := h.s.ByGroup("recurring:sync"); len(got) != 2 {
		t.Fatalf("expected two instances, got %v", got)
	}
	if !h.s.RemoveRecurring("sync") || h.s.RemoveRecurring("sync") {
		t.Fatalf("remove should succeed once")
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := h.s.Register(Spec{Fn: ok(nil)}); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestAutoscaleGrowsPoolFromSchedulerBacklog(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	p := pool.New(pool.Config{MinWorkers: 1, MaxWorkers: 8, InitialWorkers: 1}, bus, logx.Nop())
	p.Start(context.Background())
	s, err := New(Config{}, bus, p, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	mon, err := resource.New(resource.Config{}, bus, logx.Nop(), resource.WithSampler(
		resource.SamplerFunc(func(context.Context) (float64, float64, float64, error) { return 1, 1, 1, nil }),
	))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("start monitor: %v", err)
	}

	release := make(chan struct{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mon.Stop(ctx)
		_ = s.Stop(ctx)
		_ = p.Shutdown(ctx, false)
	})

	for i := 0; i < 20; i++ {
		id, err := s.Register(Spec{
			ID: fmt.Sprintf("job-%d", i),
			Fn: func(ctx context.Context) (any, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := s.Execute(context.Background(), id, false); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	eventually(t, "backlog", func() bool { return s.Backlog() > 0 })

	p.StartAutoscale(pool.WithBacklog(mon, s.Backlog), 10*time.Millisecond)
	eventually(t, "pool growth", func() bool { return p.Size() == 8 })
	if busy := p.BusyCount(); busy > 8 {
		t.Fatalf("busy %d above max", busy)
	}
	close(release)
	eventually(t, "drain", func() bool { return s.Metrics().Completed == 20 })
}
