package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded in-memory queue. Push blocks while the queue is full,
// TryPush never blocks. After Close, consumers drain what is left and then
// receive ErrQueueClosed.
type Queue[T any] struct {
	name      string
	items     chan T
	done      chan struct{}
	closeOnce sync.Once
	maxSize   int
	closed    bool
	mu        sync.RWMutex
	logger    *logrus.Logger
	handlers  []func(context.Context, T) error
	workers   sync.WaitGroup
}

// New creates a queue holding at most bufferSize items
func New[T any](name string, bufferSize int, logger *logrus.Logger) *Queue[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue[T]{
		name:    name,
		items:   make(chan T, bufferSize),
		done:    make(chan struct{}),
		maxSize: bufferSize,
		logger:  logger,
	}
}

// Push adds an item, waiting for room until ctx is done or the queue closes
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush adds an item only if there is room right now
func (q *Queue[T]) TryPush(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
		q.logger.WithFields(logrus.Fields{
			"queue":    q.name,
			"capacity": q.maxSize,
		}).Debug("Queue full, item rejected")
		return ErrQueueFull
	}
}

// Pop removes the next item, waiting until one is available
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.items:
		if !ok {
			return zero, ErrQueueClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Subscribe adds a handler that Start's workers call for every item
func (q *Queue[T]) Subscribe(handler func(context.Context, T) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start launches n workers that hand items to the subscribed handlers
// until the queue is closed and drained or ctx is done.
func (q *Queue[T]) Start(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.workers.Add(1)
		go q.process(ctx)
	}
}

// Wait blocks until the workers started by Start have returned
func (q *Queue[T]) Wait() {
	q.workers.Wait()
}

func (q *Queue[T]) process(ctx context.Context) {
	defer q.workers.Done()
	for {
		item, err := q.Pop(ctx)
		if err != nil {
			return
		}
		q.dispatch(ctx, item)
	}
}

func (q *Queue[T]) dispatch(ctx context.Context, item T) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, item); err != nil {
			q.logger.WithError(err).WithField("queue", q.name).Error("Handler failed to process item")
		}
	}
}

// Close stops the queue accepting items. Blocked producers are released
// with ErrQueueClosed.
func (q *Queue[T]) Close() error {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.items)
	return nil
}

// Len returns the current number of items in the queue
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity
func (q *Queue[T]) Cap() int {
	return q.maxSize
}

// IsClosed returns whether the queue has been closed
func (q *Queue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
