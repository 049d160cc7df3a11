package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/wagate/wagate/pkg/common"
	"go.uber.org/zap"
)

// RedisQueue is one named queue backed by a Redis stream with a consumer
// group. Stalled deliveries are reclaimed via XAUTOCLAIM; the per-job-type
// retry policy decides re-delivery.
type RedisQueue struct {
	client       *redis.Client
	name         string
	stream       string
	group        string
	consumerBase string
	policies     map[string]RetryPolicy
	defaultTTL   time.Duration
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	once         sync.Once
	log          *zap.Logger
}

type RedisQueueConfig struct {
	Name      string
	Policies  map[string]RetryPolicy
	JobTTL    time.Duration
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
}

func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("queue name required")
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	return &RedisQueue{
		client:       client,
		name:         name,
		stream:       "wagate:queue:" + name,
		group:        "workers",
		consumerBase: common.NewIDString(),
		policies:     cfg.Policies,
		defaultTTL:   cfg.JobTTL,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		maxLen:       cfg.MaxLen,
		log:          zap.L().Named("queue").With(zap.String("queue", name)),
	}, nil
}

func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) policy(jobType string) RetryPolicy {
	if p, ok := q.policies[jobType]; ok && p.MaxAttempts > 0 {
		return p
	}
	return RetryPolicy{MaxAttempts: 1}
}

// Enqueue adds a job to the stream and records its status hash.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...Option) (string, error) {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "queue: marshal payload")
	}
	job := Job{
		ID:        common.NewIDString(),
		Type:      jobType,
		Payload:   data,
		Status:    StatusQueued,
		Priority:  o.Priority,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	retention := o.Retention
	if retention <= 0 {
		retention = q.defaultTTL
	}
	if err := q.writeStatus(ctx, job, retention); err != nil {
		return "", err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   job.ID,
			"job_type": jobType,
			"payload":  string(data),
			"priority": o.Priority,
		},
	}).Err()
	if err != nil {
		return "", errors.Wrap(err, "queue: xadd")
	}
	return job.ID, nil
}

// GetJob returns the job status record, reporting absence without error.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, errors.Wrap(err, "queue: get job")
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// SetProgress updates the job's progress percentage (best-effort).
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_ = q.client.HSet(ctx, q.jobKey(jobID), map[string]any{
		"progress":  strconv.Itoa(percent),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

// SetResult records the uniform success/error result shape on the job hash.
func (q *RedisQueue) SetResult(ctx context.Context, jobID string, success bool, data map[string]interface{}, errMsg string) {
	fields := map[string]any{
		"success":   strconv.FormatBool(success),
		"error":     errMsg,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			fields["result"] = string(b)
		}
	}
	_ = q.client.HSet(ctx, q.jobKey(jobID), fields).Err()
}

// Start launches the consume loop. Each claimed message is handed to
// dispatch, which must call Delivery.Done when the job finishes; the
// dispatcher is expected to bound its own concurrency.
func (q *RedisQueue) Start(ctx context.Context, dispatch func(context.Context, *Delivery)) {
	q.ensureGroup(ctx)
	go q.consumeLoop(ctx, dispatch)
}

func (q *RedisQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.log.Warn("failed to create consumer group", zap.Error(err))
		}
	})
}

func (q *RedisQueue) consumeLoop(ctx context.Context, dispatch func(context.Context, *Delivery)) {
	consumer := q.consumerBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, dispatch)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || errors.Is(err, context.Canceled) {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, dispatch)
			}
		}
	}
}

func (q *RedisQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (q *RedisQueue) handleMessage(ctx context.Context, msg redis.XMessage, dispatch func(context.Context, *Delivery)) {
	jobID, _ := msg.Values["job_id"].(string)
	jobType, _ := msg.Values["job_type"].(string)
	payload, _ := msg.Values["payload"].(string)
	if jobID == "" || jobType == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	job, err := q.markProcessing(ctx, jobID, jobType, payload)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	msgID := msg.ID
	var once sync.Once
	d := &Delivery{
		Job: job,
		done: func(ctx context.Context, jobErr error) {
			once.Do(func() { q.finish(ctx, msgID, job, jobErr) })
		},
	}
	dispatch(ctx, d)
}

// finish applies the job type's retry policy to a completed execution.
func (q *RedisQueue) finish(ctx context.Context, msgID string, job Job, jobErr error) {
	if jobErr == nil {
		_ = q.markStatus(ctx, job.ID, StatusDone, "")
		q.ackAndDel(ctx, msgID)
		return
	}
	pol := q.policy(job.Type)
	if job.Attempts >= pol.MaxAttempts {
		q.log.Warn("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(jobErr))
		_ = q.markStatus(ctx, job.ID, StatusFailed, jobErr.Error())
		q.ackAndDel(ctx, msgID)
		return
	}
	_ = q.markStatus(ctx, job.ID, StatusQueued, jobErr.Error())
	if pol.Backoff != nil {
		delay := pol.Backoff(job.Attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	_ = q.requeueAndAck(ctx, msgID, job)
}

func (q *RedisQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"payload":  string(job.Payload),
			"priority": job.Priority,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) markProcessing(ctx context.Context, jobID, jobType, payload string) (Job, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		job = Job{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	job.Type = jobType
	job.Payload = []byte(payload)
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job, q.defaultTTL); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisQueue) markStatus(ctx context.Context, jobID, status, errMsg string) error {
	return q.client.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status":    status,
		"error":     errMsg,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (q *RedisQueue) writeStatus(ctx context.Context, job Job, ttl time.Duration) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"type":      job.Type,
		"payload":   string(job.Payload),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"progress":  strconv.Itoa(job.Progress),
		"priority":  strconv.Itoa(job.Priority),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return errors.Wrap(err, "queue: write status")
	}
	_ = q.client.Expire(ctx, key, ttl).Err()
	return nil
}

func (q *RedisQueue) jobKey(jobID string) string {
	return "wagate:job:" + q.name + ":" + jobID
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	job.Type = data["type"]
	job.Payload = []byte(data["payload"])
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["progress"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Progress = n
		}
	}
	if v := data["priority"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Priority = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
