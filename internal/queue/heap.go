package queue

import "container/heap"

type entry struct {
	id       string
	priority int
	seq      uint64
	index    int
}

// pendingHeap orders entries by priority (highest first), then by insertion
// sequence so equal priorities stay FIFO.
type pendingHeap struct {
	items []*entry
	byID  map[string]*entry
}

func newPendingHeap() *pendingHeap {
	return &pendingHeap{byID: make(map[string]*entry)}
}

func (h *pendingHeap) Len() int { return len(h.items) }

func (h *pendingHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (h *pendingHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	h.items = append(h.items, e)
	h.byID[e.id] = e
}

func (h *pendingHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.byID, e.id)
	e.index = -1
	return e
}

func (h *pendingHeap) push(e *entry) bool {
	if _, dup := h.byID[e.id]; dup {
		return false
	}
	heap.Push(h, e)
	return true
}

func (h *pendingHeap) pop() (*entry, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*entry), true
}

func (h *pendingHeap) remove(id string) (*entry, bool) {
	e, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(h, e.index)
	return e, true
}

func (h *pendingHeap) contains(id string) bool {
	_, ok := h.byID[id]
	return ok
}
