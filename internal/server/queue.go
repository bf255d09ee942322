package server

import "sync"

// connQueue is the bounded hand-off between the listener goroutines and
// the worker pool: a FIFO of accepted connections with blocking pops.
// push never blocks; popBlocking suspends the worker until an item is
// available or shutdown has been signaled. After shutdown the queue
// keeps delivering already-queued connections until it is empty, so no
// accepted connection is silently dropped.
type connQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*ClientConn
	done  bool
}

// newConnQueue creates an empty queue.
func newConnQueue() *connQueue {
	q := &connQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends c and wakes one waiting worker. It returns false when the
// queue has been shut down, in which case the caller keeps ownership of
// the connection and must close it.
func (q *connQueue) push(c *ClientConn) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return false
	}
	q.items = append(q.items, c)
	q.cond.Signal()
	return true
}

// popBlocking removes and returns the oldest queued connection, blocking
// while the queue is empty. It returns (nil, false) once the queue has
// been shut down and drained, which tells the worker to exit.
func (q *connQueue) popBlocking() (*ClientConn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.done {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return nil, false
	}

	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c, true
}

// shutdown marks the queue closed and wakes every blocked worker. Items
// already queued remain poppable.
func (q *connQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = true
	q.cond.Broadcast()
}

// len returns the current number of queued connections.
func (q *connQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
