// Package matching holds the waiting room: a FIFO of connections asking for
// a partner.
package matching

import (
	"container/list"
	"errors"
	"sync"
)

// ErrSelfMatch is returned by TryPair when the oldest waiter turned out to be
// the caller itself. The caller stays queued.
var ErrSelfMatch = errors.New("matching: connection matched with itself")

// Queue is a FIFO of connection IDs. Each ID appears at most once.
// Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	order *list.List               // front = oldest
	index map[string]*list.Element // conn ID -> element in order
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue appends connID at the back. Already queued IDs keep their place.
func (q *Queue) Enqueue(connID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(connID)
}

// Requeue puts connID back at the front, ahead of every other waiter. Used
// when a popped entry could not be paired. Already queued IDs keep their
// place.
func (q *Queue) Requeue(connID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[connID]; ok {
		return
	}
	q.index[connID] = q.order.PushFront(connID)
}

// Remove drops connID from the queue. Returns false if it was not queued.
func (q *Queue) Remove(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(connID)
}

// TryPair attempts to match connID with the longest waiting connection.
//
// connID is first taken out of the queue if it was already waiting. If anyone
// else is waiting, the oldest entry is popped and returned with ok=true.
// Otherwise connID is appended and ok is false.
func (q *Queue) TryPair(connID string) (partner string, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(connID)

	front := q.order.Front()
	if front == nil {
		q.enqueueLocked(connID)
		return "", false, nil
	}

	partner = q.order.Remove(front).(string)
	delete(q.index, partner)

	if partner == connID {
		q.enqueueLocked(connID)
		return "", false, ErrSelfMatch
	}
	return partner, true, nil
}

// Contains reports whether connID is waiting.
func (q *Queue) Contains(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[connID]
	return ok
}

// Len returns the number of waiting connections.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Snapshot returns the waiting IDs, oldest first.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (q *Queue) enqueueLocked(connID string) {
	if _, ok := q.index[connID]; ok {
		return
	}
	q.index[connID] = q.order.PushBack(connID)
}

func (q *Queue) removeLocked(connID string) bool {
	e, ok := q.index[connID]
	if !ok {
		return false
	}
	q.order.Remove(e)
	delete(q.index, connID)
	return true
}
