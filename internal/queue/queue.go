// Package queue is the thin enqueue/consume contract against the external
// job-queue infrastructure. Retry counts and backoff are supplied per job
// type by the caller; the queue engine's own mechanics stay out of scope.
package queue

import (
	"context"
	"time"
)

// Job statuses mirrored into the job status record.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one queued unit of work.
type Job struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Payload      []byte    `json:"payload"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Priority     int       `json:"priority"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Options for enqueueing.
type Options struct {
	Priority  int
	Retention time.Duration
}

type Option func(*Options)

func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

func WithRetention(d time.Duration) Option {
	return func(o *Options) { o.Retention = d }
}

// RetryPolicy is external configuration per job type.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the delay before re-delivery of the given attempt
	// (1-based). Nil means immediate.
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff doubles the base delay per attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// Enqueuer is the producer side handed to the API layer and the cron jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...Option) (string, error)
}

// Delivery wraps one claimed job. The consumer must call Done exactly once;
// Done acks, requeues with backoff, or fails the job according to the job
// type's retry policy.
type Delivery struct {
	Job  Job
	done func(ctx context.Context, jobErr error)
}

func (d *Delivery) Done(ctx context.Context, jobErr error) {
	if d.done != nil {
		d.done(ctx, jobErr)
	}
}
