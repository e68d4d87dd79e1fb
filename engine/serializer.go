package engine

import (
	"context"
	"sync"

	"github.com/loomworks/loom/ident"
)

// serializer runs tasks for the same key one at a time, in arrival order.
// Each key gets a FIFO and a single consumer goroutine, spawned when the
// first task arrives and retired once the queue drains, so idle executions
// hold no goroutines.
type serializer struct {
	mu   sync.Mutex
	keys map[ident.ID]*taskQueue
}

type taskQueue struct {
	tasks []*task
}

type task struct {
	fn   func()
	done chan struct{}
}

func newSerializer() *serializer {
	return &serializer{keys: make(map[ident.ID]*taskQueue)}
}

// Do enqueues fn under key and waits for it to run. Tasks for one key never
// overlap; tasks for different keys proceed independently. When ctx expires
// before fn's turn, Do returns ctx.Err() but fn still runs when dequeued,
// so a caller timeout cannot drop a half-delivered event.
func (s *serializer) Do(ctx context.Context, key ident.ID, fn func()) error {
	t := &task{fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	q := s.keys[key]
	if q == nil {
		q = &taskQueue{}
		s.keys[key] = q
		q.tasks = append(q.tasks, t)
		s.mu.Unlock()
		go s.drain(key, q)
	} else {
		q.tasks = append(q.tasks, t)
		s.mu.Unlock()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain consumes the key's queue until it is empty, then unregisters it.
// The map entry is removed under the same lock that checks emptiness, so a
// concurrent Do either lands in this queue before removal or creates a
// fresh one after.
func (s *serializer) drain(key ident.ID, q *taskQueue) {
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			delete(s.keys, key)
			s.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		t.fn()
		close(t.done)
	}
}
