package webhook

import (
	"container/heap"
	"sync"
	"time"
)

// retryEntry is a heap slot: the due time plus the key of the item in the
// scheduler's arena.
type retryEntry struct {
	due time.Time
	seq uint64
	id  string
}

type retryHeap []retryEntry

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) { *h = append(*h, x.(retryEntry)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// retryScheduler holds items waiting for their next attempt. Items live in a
// flat map; the heap only orders their keys by due time, so there is no
// timer per item.
type retryScheduler struct {
	mu    sync.Mutex
	heap  retryHeap
	items map[string]*Item
	seq   uint64
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{items: make(map[string]*Item)}
}

func (s *retryScheduler) Add(item *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.items[item.ID] = item
	heap.Push(&s.heap, retryEntry{due: item.NextAttemptAt, seq: s.seq, id: item.ID})
}

// Due removes and returns every item whose next attempt time has passed,
// earliest first.
func (s *retryScheduler) Due(now time.Time) []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Item
	for s.heap.Len() > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(retryEntry)
		item, ok := s.items[e.id]
		if !ok {
			continue
		}
		delete(s.items, e.id)
		due = append(due, item)
	}
	return due
}

func (s *retryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// CountByDestination returns the number of waiting items per destination URL.
func (s *retryScheduler) CountByDestination() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, item := range s.items {
		out[item.DestinationURL]++
	}
	return out
}

// Drain empties the scheduler.
func (s *retryScheduler) Drain() []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Item, 0, len(s.items))
	for s.heap.Len() > 0 {
		e := heap.Pop(&s.heap).(retryEntry)
		if item, ok := s.items[e.id]; ok {
			out = append(out, item)
			delete(s.items, e.id)
		}
	}
	return out
}
