// Package eventbus provides a priority-ordered publish/subscribe broker.
//
// Publishers enqueue [Event] values without blocking. A single dispatch
// goroutine pops the highest-priority pending event (FIFO within a priority
// level) and invokes the handlers subscribed to its type, highest subscriber
// priority first, synchronously and one after another. A slow handler
// therefore delays every later handler and event; handlers that need to do
// real work must hand it off to their own goroutines.
//
// A handler that returns an error or panics is logged and skipped. It never
// stops the dispatch loop or the delivery to the remaining handlers.
package eventbus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/visionvoice/internal/observe"
)

// DefaultPriority is used by [Bus.Publish] and recommended for ordinary subscribers.
const DefaultPriority = 5

// Handler processes one event. It runs on the dispatch goroutine.
type Handler func(ctx context.Context, e Event) error

// SubscriptionID identifies a subscription for [Bus.Unsubscribe].
type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	handler  Handler
	priority int
}

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is the event broker. All exported methods are safe for concurrent use.
type Bus struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	subs    map[Type][]subscription
	nextSub SubscriptionID
	queue   eventHeap
	seq     uint64
	closed  bool

	notify  chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// New creates an idle bus. Call [Bus.Run] to start dispatching.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Type][]subscription),
		queue:  make(eventHeap, 0, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "eventbus")
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	heap.Init(&b.queue)
	return b
}

// Subscribe registers h for events of type t. Handlers of one type are called
// in descending priority; equal priorities keep registration order.
func (b *Bus) Subscribe(t Type, h Handler, priority int) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	// Never sort in place: the dispatcher may be iterating the old slice.
	list := append(slices.Clone(b.subs[t]), subscription{id: id, handler: h, priority: priority})
	slices.SortStableFunc(list, func(x, y subscription) int {
		return y.priority - x.priority
	})
	b.subs[t] = list
	return id
}

// Unsubscribe removes a subscription. It reports whether id was registered.
// An event already being dispatched still reaches the removed handler.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, list := range b.subs {
		i := slices.IndexFunc(list, func(s subscription) bool { return s.id == id })
		if i < 0 {
			continue
		}
		b.subs[t] = slices.Delete(slices.Clone(list), i, i+1)
		return true
	}
	return false
}

// Publish enqueues e at [DefaultPriority].
func (b *Bus) Publish(e Event) bool {
	return b.PublishWithPriority(e, DefaultPriority)
}

// PublishWithPriority enqueues e without running any handler. It returns false
// if the bus has been closed. Missing IDs and timestamps are filled in and
// Event.Priority is set to priority.
func (b *Bus) PublishWithPriority(e Event, priority int) bool {
	e.Priority = priority
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.metrics.RecordEvent(context.Background(), "dropped", string(e.Type))
		return false
	}
	b.seq++
	heap.Push(&b.queue, queued{event: e, priority: priority, seq: b.seq})
	b.mu.Unlock()

	b.metrics.RecordEvent(context.Background(), "published", string(e.Type))

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued, undispatched events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// Running reports whether the dispatch loop is active.
func (b *Bus) Running() bool { return b.running.Load() }

// Run dispatches events until ctx is cancelled or [Bus.Close] is called.
// It must be called at most once.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("eventbus: already running")
	}
	defer b.running.Store(false)

	b.log.Debug("dispatch loop started")
	for {
		for {
			e, subs, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(ctx, e, subs)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-b.notify:
		}
	}
}

// Close stops the dispatch loop after the event in progress. Events still
// queued are discarded. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dropped := b.queue.Len()
	for b.queue.Len() > 0 {
		q := heap.Pop(&b.queue).(queued)
		b.metrics.RecordEvent(context.Background(), "dropped", string(q.event.Type))
	}
	b.mu.Unlock()

	close(b.done)
	if dropped > 0 {
		b.log.Debug("closed with pending events", "dropped", dropped)
	}
}

// next pops the highest-priority event and snapshots its subscriber list.
// The lock is released before any handler runs.
func (b *Bus) next() (Event, []subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.queue.Len() == 0 {
		return Event{}, nil, false
	}
	q := heap.Pop(&b.queue).(queued)
	return q.event, b.subs[q.event.Type], true
}

func (b *Bus) dispatch(ctx context.Context, e Event, subs []subscription) {
	for _, s := range subs {
		if err := b.invoke(ctx, s, e); err != nil {
			b.metrics.RecordHandlerFailure(ctx, string(e.Type))
			b.log.Error("event handler failed",
				"event_type", e.Type,
				"event_id", e.ID,
				"subscription", s.id,
				"err", err,
			)
		}
	}
	b.metrics.RecordEvent(ctx, "dispatched", string(e.Type))
}

// invoke calls one handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}
