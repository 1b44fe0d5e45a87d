package eventbus

import "time"

// history keeps published events oldest-first, pruned by count and by age.
type history struct {
	max    int
	maxAge time.Duration
	items  []Event
}

func newHistory(max int, maxAge time.Duration) *history {
	return &history{max: max, maxAge: maxAge, items: make([]Event, 0, min(max, 256))}
}

func (h *history) add(e Event) {
	h.items = append(h.items, e)
	if over := len(h.items) - h.max; over > 0 {
		h.items = h.items[over:]
	}
	h.prune(e.Time)
}

func (h *history) prune(now time.Time) {
	if h.maxAge < 0 {
		return
	}
	cut := now.Add(-h.maxAge)
	i := 0
	for i < len(h.items) && h.items[i].Time.Before(cut) {
		i++
	}
	if i > 0 {
		h.items = h.items[i:]
	}
}

func (h *history) len(now time.Time) int {
	h.prune(now)
	return len(h.items)
}

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	Type  EventType
	Since time.Time
	Limit int
}

// History returns an independent snapshot of retained events matching f,
// most recent last. With a Limit, only the newest Limit events are kept.
func (b *Bus) History(f HistoryFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.prune(time.Now())
	out := make([]Event, 0, len(b.history.items))
	for _, e := range b.history.items {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = append([]Event(nil), out[len(out)-f.Limit:]...)
	}
	return out
}
