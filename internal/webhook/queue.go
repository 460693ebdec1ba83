package webhook

// DefaultMaxQueueSize caps each destination's backlog.
const DefaultMaxQueueSize = 1000

// Queue is a bounded FIFO of delivery items for one destination. When full,
// Push evicts the oldest item to admit the newest. Queue is not safe for
// concurrent use; the owning destination guards it.
type Queue struct {
	items []*Item
	head  int
	max   int
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultMaxQueueSize
	}
	return &Queue{max: max}
}

// Push appends item. If the queue was full, the evicted oldest item is
// returned and ok is false.
func (q *Queue) Push(item *Item) (evicted *Item, ok bool) {
	if q.Len() >= q.max {
		evicted, _ = q.Pop()
	}
	q.items = append(q.items, item)
	return evicted, evicted == nil
}

// Pop removes and returns the oldest item.
func (q *Queue) Pop() (*Item, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	item := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// compact once the dead prefix dominates the backing array
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

func (q *Queue) Len() int {
	return len(q.items) - q.head
}

func (q *Queue) Cap() int {
	return q.max
}

// Drain empties the queue and returns its items oldest first.
func (q *Queue) Drain() []*Item {
	out := make([]*Item, 0, q.Len())
	for {
		item, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}
