// Package retry processes work items on a fixed pool of workers,
// re-enqueuing failed items until they succeed or run out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Add once the queue is stopped.
var ErrStopped = errors.New("retry: queue stopped")

// Action processes one item.
type Action[T any] func(ctx context.Context, item T) error

// WaitProvider returns the delay before the given retry (1 for the first).
type WaitProvider func(attempt int) time.Duration

func ConstantWait(d time.Duration) WaitProvider {
	return func(int) time.Duration { return d }
}

func LinearBackoff(d time.Duration) WaitProvider {
	return func(attempt int) time.Duration { return time.Duration(attempt) * d }
}

type Option[T any] func(*Queue[T])

func WithParallelism[T any](n int) Option[T] {
	return func(q *Queue[T]) { q.parallelism = max(1, n) }
}

// WithMaxAttempts bounds the total number of attempts per item.
func WithMaxAttempts[T any](n int) Option[T] {
	return func(q *Queue[T]) { q.maxAttempts = max(1, n) }
}

func WithWait[T any](w WaitProvider) Option[T] {
	return func(q *Queue[T]) { q.wait = w }
}

func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = l }
}

// WithGiveUp registers a callback for items that exhausted their attempts.
func WithGiveUp[T any](fn func(item T, err error)) Option[T] {
	return func(q *Queue[T]) { q.giveUp = fn }
}

type envelope[T any] struct {
	item    T
	attempt int
}

// Queue is a retrying work queue. Items still waiting when Stop is called
// are dropped.
type Queue[T any] struct {
	action      Action[T]
	parallelism int
	maxAttempts int
	wait        WaitProvider
	logger      *slog.Logger
	giveUp      func(item T, err error)

	work chan envelope[T]
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New[T any](action Action[T], opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		action:      action,
		parallelism: 1,
		maxAttempts: 1,
		wait:        ConstantWait(time.Second),
		logger:      slog.Default(),
		work:        make(chan envelope[T], 256),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue[T]) Start(ctx context.Context) {
	for i := 0; i < q.parallelism; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *Queue[T]) Stop() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Add enqueues item, blocking while the queue is full.
func (q *Queue[T]) Add(ctx context.Context, item T) error {
	return q.enqueue(ctx, envelope[T]{item: item, attempt: 1})
}

func (q *Queue[T]) enqueue(ctx context.Context, e envelope[T]) error {
	select {
	case <-q.stop:
		return ErrStopped
	default:
	}
	select {
	case q.work <- e:
		return nil
	case <-q.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case e := <-q.work:
			q.process(ctx, e)
		}
	}
}

func (q *Queue[T]) process(ctx context.Context, e envelope[T]) {
	err := q.safeAction(ctx, e.item)
	if err == nil {
		return
	}
	if e.attempt >= q.maxAttempts {
		q.logger.Warn("retry: giving up", "attempts", e.attempt, "err", err)
		if q.giveUp != nil {
			q.giveUp(e.item, err)
		}
		return
	}
	delay := q.wait(e.attempt)
	q.logger.Debug("retry: attempt failed", "attempt", e.attempt, "retry_in", delay, "err", err)
	next := envelope[T]{item: e.item, attempt: e.attempt + 1}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
		if err := q.enqueue(ctx, next); err != nil {
			q.logger.Debug("retry: dropped", "err", err)
		}
	}()
}

func (q *Queue[T]) safeAction(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.action(ctx, item)
}
