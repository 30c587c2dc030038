package bridge

import (
	"sync"
)

// item is a published batch, or a barrier closed when the consumer reaches it.
type item struct {
	data    []byte
	barrier chan struct{}
}

// batchQueue is an unbounded FIFO of published batches. Push never blocks,
// so the runtime executor is never held up by a busy bridge goroutine.
type batchQueue struct {
	queue  []item
	notify chan struct{}
	closed bool
	mu     sync.Mutex
}

func newBatchQueue() *batchQueue {
	return &batchQueue{notify: make(chan struct{}, 1)}
}

// push appends an item. It reports false once the queue is closed.
func (q *batchQueue) push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.queue = append(q.queue, it)
	select {
	case q.notify <- struct{}{}:
	default:
		// already signalled
	}
	return true
}

// drain returns all queued items and clears the queue.
func (q *batchQueue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	items := q.queue
	q.queue = nil
	return items
}

func (q *batchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// close rejects further pushes and wakes the consumer.
func (q *batchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
