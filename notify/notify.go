/*
Package notify delivers domain events to downstream consumers.

PURPOSE:
  The engine publishes events (contribution settled, cycle completed,
  payout failed, ...) for notification and scoring services. Those
  consumers are optional and slow; the settlement path must never wait on
  them. Queue is a bounded buffer with one dispatcher goroutine.

DELIVERY:
  - Publish never blocks. A full or closed queue drops the event, logs a
    warning and counts it in tontine_events_dropped_total.
  - Events are delivered in publish order, to each sink in turn.
  - A sink error is logged and does not stop delivery to the others.
  - At-most-once: nothing is persisted or retried.

USAGE:
  q := notify.NewQueue(256, logger, notify.NewLogSink(logger), notify.NewHTTPSink(url, 5*time.Second))
  q.Start()
  defer q.Close(ctx)
  eng, _ := tontine.NewEngine(store, rail, tontine.Options{Events: q})

SEE ALSO:
  - tontine/events.go: event types and EventPublisher
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunusav/tontine-engine/metrics"
	"github.com/sunusav/tontine-engine/tontine"
)

// DefaultQueueSize is used when NewQueue is given a size <= 0.
const DefaultQueueSize = 256

// deliverTimeout bounds one sink call.
const deliverTimeout = 10 * time.Second

// Sink receives events from the queue's dispatcher.
type Sink interface {
	Deliver(ctx context.Context, e tontine.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e tontine.Event) error

func (f SinkFunc) Deliver(ctx context.Context, e tontine.Event) error { return f(ctx, e) }

// =============================================================================
// QUEUE
// =============================================================================

// Queue is a bounded, non-blocking tontine.EventPublisher.
type Queue struct {
	events chan tontine.Event
	sinks  []Sink
	log    *slog.Logger

	mu      sync.RWMutex // guards closed against sends on a closed channel
	closed  bool
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Int64
}

var _ tontine.EventPublisher = (*Queue)(nil)

func NewQueue(size int, logger *slog.Logger, sinks ...Sink) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		events: make(chan tontine.Event, size),
		sinks:  sinks,
		log:    logger.With("component", "notify"),
		done:   make(chan struct{}),
	}
}

// Publish enqueues e, or drops it if the queue is full or closed.
func (q *Queue) Publish(_ context.Context, e tontine.Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(e, "queue closed")
		return
	}
	select {
	case q.events <- e:
	default:
		q.drop(e, "queue full")
	}
}

func (q *Queue) drop(e tontine.Event, reason string) {
	q.dropped.Add(1)
	metrics.EventsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
	q.log.Warn("event dropped", "reason", reason, "event_type", e.Type, "event_id", e.ID, "group_id", e.GroupID)
}

// Start launches the dispatcher. Calling it more than once has no effect.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.run()
}

func (q *Queue) run() {
	defer close(q.done)
	for e := range q.events {
		q.dispatch(e)
	}
}

func (q *Queue) dispatch(e tontine.Event) {
	for _, s := range q.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := s.Deliver(ctx, e); err != nil {
			q.log.Warn("event delivery failed", "event_type", e.Type, "event_id", e.ID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the dispatcher has drained
// what was already queued, or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	if !q.started.Load() {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued, undelivered events.
func (q *Queue) Len() int { return len(q.events) }

// Dropped returns the number of events dropped since creation.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
