// Package queue serializes local store writes through one worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when submitting to a stopped queue.
	ErrClosed = errors.New("write queue closed")

	// ErrFull is returned by Submit when the mailbox has no room.
	ErrFull = errors.New("write queue full")
)

// Job is one unit of serialized work. ctx is detached from the submitter.
type Job func(ctx context.Context) error

type envelope struct {
	fn       Job
	name     string
	result   chan error
	enqueued time.Time
}

// Queue is a bounded single-writer mailbox. Accepted jobs always run to
// completion, in order, one at a time.
type Queue struct {
	jobs   chan envelope
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// New creates a queue with the given mailbox size.
func New(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		jobs:   make(chan envelope, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker. It is safe to call more than once.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.closed {
		return
	}
	q.started = true
	go q.worker()
}

// Close stops accepting jobs, drains accepted ones, and waits for the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		// Nothing will drain the mailbox; run what was accepted here.
		for env := range q.jobs {
			q.run(env)
		}
		close(q.done)
		return
	}
	<-q.done
}

// Len returns the number of jobs waiting in the mailbox.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Submit enqueues fn without blocking. The returned channel receives the
// job's result exactly once.
func (q *Queue) Submit(name string, fn Job) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrClosed
	}
	env := newEnvelope(name, fn)
	select {
	case q.jobs <- env:
		queueDepth.Set(float64(len(q.jobs)))
		return env.result, nil
	default:
		rejectedJobs.Inc()
		return nil, ErrFull
	}
}

// Do enqueues fn and waits for its result. If ctx ends while waiting for
// room, the job is not enqueued. If ctx ends after the job was accepted,
// the job still runs and only its result is lost.
func (q *Queue) Do(ctx context.Context, name string, fn Job) error {
	result, err := q.enqueue(ctx, name, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) enqueue(ctx context.Context, name string, fn Job) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := newEnvelope(name, fn)
	select {
	case q.jobs <- env:
		queueDepth.Set(float64(len(q.jobs)))
		return env.result, nil
	case <-ctx.Done():
		rejectedJobs.Inc()
		return nil, ctx.Err()
	}
}

func newEnvelope(name string, fn Job) envelope {
	return envelope{
		fn:       fn,
		name:     name,
		result:   make(chan error, 1),
		enqueued: time.Now(),
	}
}

func (q *Queue) worker() {
	defer close(q.done)

	for env := range q.jobs {
		queueDepth.Set(float64(len(q.jobs)))
		q.run(env)
	}
	q.logger.Debug("write queue stopped")
}

func (q *Queue) run(env envelope) {
	start := time.Now()
	queueWait.Observe(start.Sub(env.enqueued).Seconds())

	err := q.safeRun(env.fn)

	jobDuration.WithLabelValues(env.name).Observe(time.Since(start).Seconds())
	if err != nil {
		q.logger.Debug("write job failed", "job", env.name, "error", err)
	}
	env.result <- err
}

func (q *Queue) safeRun(fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("write job panicked", "panic", r)
			err = fmt.Errorf("write job panicked: %v", r)
		}
	}()
	return fn(context.Background())
}
