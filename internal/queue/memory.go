package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const memoryBuffer = 1024

var ErrQueueClosed = errors.New("queue is closed")

// InMemoryQueue is a process-local queue with delayed delivery and retries.
// Tasks do not survive a restart; pending jobs are re-published on boot.
type InMemoryQueue struct {
	ready       chan *Task
	closed      chan struct{}
	closeOnce   sync.Once
	outstanding atomic.Int64
	log         *logrus.Entry
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		ready:  make(chan *Task, memoryBuffer),
		closed: make(chan struct{}),
		log:    logrus.WithField("component", "queue"),
	}
}

// Publish schedules task for delivery after delay.
func (q *InMemoryQueue) Publish(ctx context.Context, task *Task, delay time.Duration) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	normalize(task)
	q.outstanding.Add(1)
	q.schedule(task, delay)
	return nil
}

func (q *InMemoryQueue) schedule(task *Task, delay time.Duration) {
	if delay <= 0 {
		go q.push(task)
		return
	}
	time.AfterFunc(delay, func() { q.push(task) })
}

func (q *InMemoryQueue) push(task *Task) {
	select {
	case q.ready <- task:
	case <-q.closed:
		q.outstanding.Add(-1)
	}
}

// Subscribe runs concurrency workers until ctx is cancelled or the queue closes.
func (q *InMemoryQueue) Subscribe(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.closed:
					return
				case task := <-q.ready:
					q.process(ctx, handler, task)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// process runs one attempt and either finishes the task or schedules a retry.
func (q *InMemoryQueue) process(ctx context.Context, handler Handler, task *Task) {
	logger := q.log.WithFields(logrus.Fields{"job_id": task.JobID, "attempt": task.Attempt, "max_attempts": task.MaxAttempts})

	err := safeHandle(ctx, handler, task)
	if err == nil {
		q.outstanding.Add(-1)
		logger.Debug("job processed")
		return
	}

	if IsPermanent(err) || task.Final() {
		q.outstanding.Add(-1)
		logger.WithError(err).Warn("⚠️ job permanently failed")
		return
	}

	delay := task.Backoff.Delay(task.Attempt)
	logger.WithError(err).WithField("retry_in", delay).Info("🔁 job failed, retrying")
	task.Attempt++
	q.schedule(task, delay)
}

// Outstanding is the number of published tasks that have not finished.
func (q *InMemoryQueue) Outstanding() int64 {
	return q.outstanding.Load()
}

func (q *InMemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

// safeHandle turns a handler panic into a permanent error.
func safeHandle(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, task)
}

var _ Queue = (*InMemoryQueue)(nil)
