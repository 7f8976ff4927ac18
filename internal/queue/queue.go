// Package queue implements a debounced batching queue: items accumulate until
// the queue has been idle for FlushDelay (or Flush is called) and are then
// handed to a flush callback as one ordered batch.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultFlushDelay = 200 * time.Millisecond

// FailurePolicy decides what happens to a batch whose flush callback failed.
type FailurePolicy int

const (
	// DropOnFailure logs and discards the batch (at-most-once delivery).
	DropOnFailure FailurePolicy = iota
	// RequeueOnFailure puts the batch back at the head of the queue and
	// re-arms the debounce timer, so it is retried one FlushDelay later.
	RequeueOnFailure
)

func (p FailurePolicy) String() string {
	if p == RequeueOnFailure {
		return "requeue"
	}
	return "drop"
}

// Item is a queued value stamped with its enqueue sequence number.
type Item[T any] struct {
	Seq   uint64
	Value T
}

type FlushFunc[T any] func(ctx context.Context, batch []Item[T]) error

type Options[T any] struct {
	FlushDelay time.Duration
	OnFlush    FlushFunc[T]
	Policy     FailurePolicy
	Logger     *slog.Logger
}

type Queue[T any] struct {
	mu    sync.Mutex
	items []Item[T]
	seq   uint64
	timer *time.Timer

	// flushMu keeps batches leaving in enqueue order when a timer flush and
	// an explicit flush overlap.
	flushMu sync.Mutex

	delay   time.Duration
	onFlush FlushFunc[T]
	policy  FailurePolicy
	logger  *slog.Logger
}

func New[T any](opts Options[T]) *Queue[T] {
	delay := opts.FlushDelay
	if delay <= 0 {
		delay = DefaultFlushDelay
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onFlush := opts.OnFlush
	if onFlush == nil {
		onFlush = func(context.Context, []Item[T]) error { return nil }
	}

	return &Queue[T]{
		delay:   delay,
		onFlush: onFlush,
		policy:  opts.Policy,
		logger:  logger,
	}
}

// Enqueue appends v, stamps it with the next sequence number and restarts the
// debounce timer.
func (q *Queue[T]) Enqueue(v T) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.items = append(q.items, Item[T]{Seq: q.seq, Value: v})

	q.stopTimerLocked()
	q.armTimerLocked()

	return q.seq
}

// Flush hands everything queued so far to the flush callback. It is a no-op
// on an empty queue. Callback errors are logged, never returned.
func (q *Queue[T]) Flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.take()
	if len(batch) == 0 {
		return
	}

	err := q.onFlush(ctx, batch)
	if err == nil {
		return
	}

	if q.policy == RequeueOnFailure {
		q.requeue(batch)
		q.logger.Warn("flush failed, batch requeued",
			"items", len(batch),
			"first_seq", batch[0].Seq,
			"error", err,
		)
		return
	}

	q.logger.Error("flush failed, batch dropped",
		"items", len(batch),
		"first_seq", batch[0].Seq,
		"last_seq", batch[len(batch)-1].Seq,
		"error", err,
	)
}

// Clear discards queued items without flushing them.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.stopTimerLocked()
}

// Drain removes and returns everything queued without invoking the flush
// callback. It waits for an in-flight flush to settle first.
func (q *Queue[T]) Drain() []Item[T] {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	return q.take()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) take() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.items
	q.items = nil
	q.stopTimerLocked()
	return batch
}

func (q *Queue[T]) requeue(batch []Item[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]Item[T], 0, len(batch)+len(q.items))
	merged = append(merged, batch...)
	q.items = append(merged, q.items...)

	// Retry after one delay even if nothing else is enqueued.
	if q.timer == nil {
		q.armTimerLocked()
	}
}

func (q *Queue[T]) armTimerLocked() {
	q.timer = time.AfterFunc(q.delay, func() {
		q.Flush(context.Background())
	})
}

func (q *Queue[T]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
