package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T, policies map[string]RetryPolicy) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(client, RedisQueueConfig{
		Name:     "test",
		Policies: policies,
		Block:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, client
}

func waitForQueue(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testPayload struct {
	SessionID int64 `json:"session_id,string"`
}

func TestEnqueueWritesStatusRecord(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test_job", testPayload{SessionID: 42}, WithPriority(5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, ok, err := q.GetJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get job = %v, %v", ok, err)
	}
	if job.Status != StatusQueued || job.Type != "test_job" || job.Priority != 5 {
		t.Fatalf("job = %+v", job)
	}
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d before first delivery", job.Attempts)
	}
}

func TestConsumeMarksDone(t *testing.T) {
	q, _ := testQueue(t, map[string]RetryPolicy{"test_job": {MaxAttempts: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled int64
	q.Start(ctx, func(ctx context.Context, d *Delivery) {
		atomic.AddInt64(&handled, 1)
		d.Done(ctx, nil)
	})

	id, err := q.Enqueue(ctx, "test_job", testPayload{SessionID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForQueue(t, "job done", func() bool {
		job, ok, _ := q.GetJob(ctx, id)
		return ok && job.Status == StatusDone
	})
	if n := atomic.LoadInt64(&handled); n != 1 {
		t.Fatalf("handled = %d, want 1", n)
	}
}

func TestRetryUntilPolicyExhausted(t *testing.T) {
	q, _ := testQueue(t, map[string]RetryPolicy{
		"flaky": {MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Millisecond }},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int64
	q.Start(ctx, func(ctx context.Context, d *Delivery) {
		atomic.AddInt64(&attempts, 1)
		d.Done(ctx, errors.New("still broken"))
	})

	id, err := q.Enqueue(ctx, "flaky", testPayload{SessionID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForQueue(t, "job failed", func() bool {
		job, ok, _ := q.GetJob(ctx, id)
		return ok && job.Status == StatusFailed
	})
	if n := atomic.LoadInt64(&attempts); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}

	job, _, _ := q.GetJob(ctx, id)
	if job.ErrorMessage != "still broken" {
		t.Fatalf("error = %q", job.ErrorMessage)
	}
}

func TestRecoverySucceedsMidRetry(t *testing.T) {
	q, _ := testQueue(t, map[string]RetryPolicy{
		"flaky": {MaxAttempts: 5, Backoff: func(int) time.Duration { return time.Millisecond }},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, func(ctx context.Context, d *Delivery) {
		if d.Job.Attempts < 3 {
			d.Done(ctx, errors.New("transient"))
			return
		}
		d.Done(ctx, nil)
	})

	id, err := q.Enqueue(ctx, "flaky", testPayload{SessionID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForQueue(t, "job done after retries", func() bool {
		job, ok, _ := q.GetJob(ctx, id)
		return ok && job.Status == StatusDone
	})
	job, _, _ := q.GetJob(ctx, id)
	if job.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", job.Attempts)
	}
}

func TestDoneIsIdempotent(t *testing.T) {
	q, _ := testQueue(t, map[string]RetryPolicy{"test_job": {MaxAttempts: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, func(ctx context.Context, d *Delivery) {
		d.Done(ctx, nil)
		// A second Done must be a no-op, not a requeue.
		d.Done(ctx, errors.New("ignored"))
	})

	id, err := q.Enqueue(ctx, "test_job", testPayload{SessionID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForQueue(t, "job done", func() bool {
		job, ok, _ := q.GetJob(ctx, id)
		return ok && job.Status == StatusDone
	})
	time.Sleep(100 * time.Millisecond)
	job, _, _ := q.GetJob(ctx, id)
	if job.Status != StatusDone || job.Attempts != 1 {
		t.Fatalf("job after double done = %+v", job)
	}
}
