// Package worker hosts the job handlers behind each queue: pairing and
// authentication, message dispatch, and pool maintenance. A Worker binds one
// queue to a handler set with bounded concurrency and a rolling-window rate
// limit.
package worker

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/queue"
	"go.uber.org/zap"
)

// Result is the uniform handler outcome mirrored onto the job status record.
type Result struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// HandlerFunc processes one job. A returned error trips the queue's retry
// policy; a Result with Success=false and no error is a terminal business
// failure that is not retried.
type HandlerFunc func(ctx context.Context, job *queue.Job) (*Result, error)

type Config struct {
	Concurrency     int
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Worker consumes one queue with an ants goroutine pool. Submission blocks
// when the pool is saturated, so the queue loop naturally backpressures.
type Worker struct {
	q        *queue.RedisQueue
	handlers map[string]HandlerFunc
	pool     *ants.Pool
	limiter  *slidingLimiter
	log      *zap.Logger

	cancel context.CancelFunc
}

func New(q *queue.RedisQueue, handlers map[string]HandlerFunc, cfg Config) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "worker: create pool")
	}
	return &Worker{
		q:        q,
		handlers: handlers,
		pool:     pool,
		limiter:  newSlidingLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		log:      zap.L().Named("worker").With(zap.String("queue", q.Name())),
	}, nil
}

// Start begins consuming. Each delivery is rate-limited, then run on the
// goroutine pool; Delivery.Done is always called exactly once.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.q.Start(ctx, func(ctx context.Context, d *queue.Delivery) {
		if err := w.limiter.Wait(ctx); err != nil {
			d.Done(ctx, err)
			return
		}
		if err := w.pool.Submit(func() { w.run(ctx, d) }); err != nil {
			d.Done(ctx, errors.Wrap(err, "worker: submit"))
		}
	})
	w.log.Info("worker started", zap.Int("concurrency", w.pool.Cap()))
}

func (w *Worker) run(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	log := w.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r))
			err := errors.Errorf("panic: %v", r)
			w.q.SetResult(ctx, job.ID, false, nil, err.Error())
			d.Done(ctx, err)
		}
	}()

	handler, ok := w.handlers[job.Type]
	if !ok {
		log.Warn("no handler registered")
		w.q.SetResult(ctx, job.ID, false, nil, "unknown job type")
		d.Done(ctx, nil)
		return
	}

	res, err := handler(ctx, &job)
	if err != nil {
		log.Warn("job failed", zap.Int("attempt", job.Attempts), zap.Error(err))
		w.q.SetResult(ctx, job.ID, false, nil, err.Error())
		d.Done(ctx, err)
		return
	}
	if res == nil {
		res = &Result{Success: true}
	}
	w.q.SetProgress(ctx, job.ID, 100)
	w.q.SetResult(ctx, job.ID, res.Success, res.Data, res.Error)
	d.Done(ctx, nil)
	log.Debug("job done", zap.Bool("success", res.Success))
}

// Stop cancels consumption and releases the goroutine pool after in-flight
// jobs drain.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.pool.Release()
	w.log.Info("worker stopped")
}
