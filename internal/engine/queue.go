package engine

import "sync"

// taskQueue is the in-memory FIFO of queued task ids. Rows in the
// database are the durable truth; the queue only decides dispatch
// order between restarts.
type taskQueue struct {
	mu    sync.Mutex
	items []string
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Push appends an id unless it is already queued.
func (q *taskQueue) Push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item == id {
			return
		}
	}
	q.items = append(q.items, id)
}

// Pop removes and returns the oldest id; ok is false when empty.
func (q *taskQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// Remove drops a specific id; reports whether it was queued.
func (q *taskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
