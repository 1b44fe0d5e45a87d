package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscribeChan adapts a subscription onto a buffered channel. Delivery into
// the channel never blocks: when the buffer is full the event is dropped and
// counted. The returned func unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(t EventType, buffer int, opts ...SubscribeOption) (<-chan Event, func(), *atomic.Uint64) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	dropped := new(atomic.Uint64)

	var mu sync.Mutex
	closed := false
	sub := b.Subscribe(t, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- e:
		default:
			dropped.Add(1)
		}
		return nil
	}, opts...)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.Unsubscribe(sub.ID)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, unsub, dropped
}
