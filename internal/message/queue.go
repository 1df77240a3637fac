package message

import (
	"container/heap"
	"context"
	"sync"
)

// queueItem wraps a message with the sequence number that breaks priority
// ties. Sequence numbers are assigned at push, so a requeued message
// yields its original FIFO slot to anything submitted since.
type queueItem struct {
	msg *Message
	seq uint64
}

// messageHeap orders items by priority descending, then sequence
// ascending. Implements container/heap.
type messageHeap []*queueItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a concurrent blocking priority queue. Multiple producers push
// from submission and the requeue path; multiple dispatch workers pop.
// Higher priority always dequeues first; within a priority band, strict
// FIFO by push order.
type Queue struct {
	mu     sync.Mutex
	heap   messageHeap
	seq    uint64
	closed bool

	// signal carries wakeups from Push to blocked Pop calls. Capacity 1:
	// a consumer that drains an item re-signals if work remains, so a
	// dropped send never strands a waiter.
	signal chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues a message. Returns ErrQueueClosed after Close.
func (q *Queue) Push(msg *Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.heap, &queueItem{msg: msg, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return nil
}

// Pop blocks until a message is available, the context is cancelled, or
// the queue is closed. The highest-priority message is returned; among
// equal priorities, the earliest pushed.
func (q *Queue) Pop(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			item := heap.Pop(&q.heap).(*queueItem)
			remaining := q.heap.Len()
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return item.msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.signal:
		}
	}
}

// Close marks the queue closed and wakes all blocked Pop calls. Messages
// still queued are discarded; durable state is the source of truth for
// recovery.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.heap = nil
	q.mu.Unlock()

	close(q.done)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// DepthByPriority returns the queued message count per priority band.
func (q *Queue) DepthByPriority() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := make(map[int]int)
	for _, item := range q.heap {
		depth[item.msg.Priority]++
	}
	return depth
}

func (q *Queue) wake() {
	// Non-blocking: a pending signal already guarantees a wakeup.
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
