package pipeline

import (
	"container/heap"
	"sync"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// entry is one queued write.
type entry struct {
	seq      uint64
	priority types.Priority
	data     []byte
	enqueued time.Time
}

// entryHeap orders entries by priority first, sequence second, so a
// drain under pressure services urgent writes before older routine ones
// while staying FIFO within a priority.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// classQueue is the bounded queue for one storage class. Each class has
// its own queue so backlog in one class never starves another.
type classQueue struct {
	mu sync.Mutex

	class     types.StorageClass
	capacity  int
	entries   entryHeap
	suspended bool

	// wake nudges the class worker; capacity 1, lossy.
	wake chan struct{}

	enqueued int64
	rejected int64
}

func newClassQueue(class types.StorageClass, capacity int) *classQueue {
	return &classQueue{
		class:    class,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// push adds an entry. Fail-fast: a full or suspended queue rejects with
// ErrQueueFull and the caller applies its drop policy.
func (q *classQueue) push(e entry) error {
	q.mu.Lock()

	if q.suspended {
		q.rejected++
		q.mu.Unlock()
		return errors.Wrapf(errors.ErrQueueFull, "class %s suspended", q.class)
	}
	if len(q.entries) >= q.capacity {
		q.rejected++
		q.mu.Unlock()
		return errors.Wrapf(errors.ErrQueueFull, "class %s", q.class)
	}

	heap.Push(&q.entries, e)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// popN removes up to n entries in drain order.
func (q *classQueue) popN(n int) []entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&q.entries).(entry))
	}
	return out
}

// oldest returns the enqueue time of the oldest entry, or zero when empty.
func (q *classQueue) oldest() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t time.Time
	for _, e := range q.entries {
		if t.IsZero() || e.enqueued.Before(t) {
			t = e.enqueued
		}
	}
	return t
}

func (q *classQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *classQueue) occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.entries)) / float64(q.capacity)
}

func (q *classQueue) setSuspended(s bool) {
	q.mu.Lock()
	q.suspended = s
	q.mu.Unlock()
}

func (q *classQueue) isSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}
