package broker

import (
	"container/heap"
	"sync"
	"time"
)

// pendingTask is a buffered task waiting for dispatch.
type pendingTask struct {
	msg     *Message
	readyAt time.Time // zero for immediate dispatch
	index   int       // index in the heap (used by container/heap)
}

// taskHeap implements heap.Interface. Ready tasks order by priority
// (higher first) then enqueue time; delayed tasks order by readiness.
type taskHeap []*pendingTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.EnqueuedAt.Before(h[j].msg.EnqueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*pendingTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// pendingQueue is the per-queue priority buffer feeding the dispatcher.
type pendingQueue struct {
	mu   sync.Mutex
	heap taskHeap
	wake chan struct{}
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{wake: make(chan struct{}, 1)}
	heap.Init(&q.heap)
	return q
}

func (q *pendingQueue) push(msg *Message, readyAt time.Time) {
	q.mu.Lock()
	heap.Push(&q.heap, &pendingTask{msg: msg, readyAt: readyAt})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popReady returns the next dispatchable task, or the wait until the
// earliest delayed task becomes ready (0 when the queue is empty).
func (q *pendingQueue) popReady(now time.Time) (*Message, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, 0
	}

	next := q.heap[0]
	if next.readyAt.After(now) {
		return nil, next.readyAt.Sub(now)
	}

	item := heap.Pop(&q.heap).(*pendingTask)
	return item.msg, 0
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
