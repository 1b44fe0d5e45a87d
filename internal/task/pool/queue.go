package pool

import "container/heap"

// itemHeap orders by priority (desc), then submission sequence (asc) so that
// work within one priority band runs FIFO.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h *itemHeap) push(it *item) { heap.Push(h, it) }

func (h *itemHeap) pop() *item {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*item)
}

func (h *itemHeap) remove(it *item) bool {
	if it.index < 0 || it.index >= h.Len() || (*h)[it.index] != it {
		return false
	}
	heap.Remove(h, it.index)
	return true
}

func (h *itemHeap) drain() []*item {
	out := make([]*item, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, h.pop())
	}
	return out
}
