package eventbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed      = errors.New("eventbus: closed")
	ErrNotStarted     = errors.New("eventbus: async dispatcher not started")
	ErrAsyncQueueFull = errors.New("eventbus: async queue full")
	ErrHandlerTimeout = errors.New("eventbus: handler timed out")
)

// SubscriberError reports a callback that failed, panicked or timed out
// while an event was being delivered to it.
type SubscriberError struct {
	Subscription SubscriptionID
	Source       string
	Event        EventType
	Err          error
	Panic        bool
	Stack        string
}

func (e *SubscriberError) Error() string {
	what := "failed"
	if e.Panic {
		what = "panicked"
	} else if errors.Is(e.Err, ErrHandlerTimeout) {
		what = "timed out"
	}
	src := e.Source
	if src == "" {
		src = "-"
	}
	return fmt.Sprintf("subscriber %d (source %s) %s on %s: %v", e.Subscription, src, what, e.Event, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// Timeout reports whether the callback exceeded its delivery budget.
func (e *SubscriberError) Timeout() bool { return errors.Is(e.Err, ErrHandlerTimeout) }
