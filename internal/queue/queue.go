package queue

import (
	"context"
	"errors"
	"time"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
)

// Task carries everything a worker needs to deliver one campaign job.
type Task struct {
	JobID       string  `json:"job_id"`
	CampaignID  string  `json:"campaign_id"`
	OwnerID     string  `json:"owner_id"`
	Recipient   string  `json:"recipient"`
	Message     string  `json:"message"`
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`
}

// Final reports whether a failure of this attempt exhausts the retry budget.
func (t *Task) Final() bool {
	return t.Attempt >= t.MaxAttempts
}

// Backoff is a capped exponential retry policy.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay is the wait before the next attempt after the given number of failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Handler processes one task. Returning a Permanent error, or failing on the
// final attempt, ends the task without a retry.
type Handler func(ctx context.Context, task *Task) error

// Queue delivers tasks after a delay to a bounded pool of handlers.
type Queue interface {
	Publish(ctx context.Context, task *Task, delay time.Duration) error
	Subscribe(ctx context.Context, concurrency int, handler Handler) error
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || appErrors.IsPermanent(err)
}

func normalize(task *Task) {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if task.MaxAttempts < 1 {
		task.MaxAttempts = 1
	}
}
