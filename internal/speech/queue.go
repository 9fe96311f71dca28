package speech

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when speech is requested after [Scheduler.Stop].
var ErrStopped = errors.New("speech: scheduler stopped")

// item is one clip waiting for playback.
type item struct {
	pcm      []byte
	priority int
	seq      uint64
	text     string
}

// queue is a bounded FIFO guarded by a mutex and condition variable. Push
// blocks while the queue is full; drain blocks while it is empty.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	cap    int
	seq    uint64
	closed bool
}

func newQueue(capacity int) *queue {
	q := &queue{cap: capacity, items: make([]item, 0, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends it, waiting for a free slot. It returns [ErrStopped] once the
// queue is closed and ctx.Err() if ctx ends first.
func (q *queue) push(ctx context.Context, it item) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.cap && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.seq++
	it.seq = q.seq
	q.items = append(q.items, it)
	q.cond.Broadcast()
	return nil
}

// drain waits until at least one item is queued and removes all of them. It
// returns nil once the queue is closed.
func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}
	batch := q.items
	q.items = make([]item, 0, q.cap)
	q.cond.Broadcast()
	return batch
}

// close wakes every waiter. Pending items are discarded.
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return dropped
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
