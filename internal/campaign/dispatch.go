package campaign

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Settings supplies the operator defaults for jobs created without explicit
// batching values; the application's config manager satisfies it. Optional.
type Settings interface {
	GetSettingsInt64Value(category, name string) int64
}

// Engine drives one bulk job through its batches: a chunk of batch-size
// recipients is sent concurrently, the chunk settles in full, the job's
// counters are updated, then the inter-batch delay runs before the next
// chunk. Cancellation is honored at chunk boundaries only.
type Engine struct {
	store    *Store
	pool     *conn.Pool
	settings Settings
	log      *zap.Logger
}

func NewEngine(store *Store, pool *conn.Pool, settings Settings) *Engine {
	return &Engine{
		store:    store,
		pool:     pool,
		settings: settings,
		log:      zap.L().Named("dispatch"),
	}
}

func (e *Engine) settingInt(category, name string, fallback int) int {
	if e.settings != nil {
		if v := e.settings.GetSettingsInt64Value(category, name); v > 0 {
			return int(v)
		}
	}
	return fallback
}

// Run executes the job to a terminal status. The returned error reports
// infrastructure trouble only; per-recipient send failures are recorded on
// their rows and in the job counters, and still end in status completed.
func (e *Engine) Run(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	log := e.log.With(zap.Int64("job_id", jobID), zap.Int64("session_id", job.SessionID))

	started, err := e.store.MarkProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	if !started {
		// Cancelled before the worker picked it up, or already running.
		log.Info("job not startable", zap.String("status", job.Status))
		if job.Status == domain.BulkJobCancelled {
			return e.store.CompleteJob(ctx, jobID, domain.BulkJobCancelled, "")
		}
		return nil
	}

	var tmpl Template
	if err := json.Unmarshal(job.Template, &tmpl); err != nil {
		return e.store.FailJob(ctx, jobID, errors.Wrap(err, "invalid template").Error(),
			job.TotalMessages-job.ProcessedMessages)
	}

	pending, err := e.store.PendingMessages(ctx, jobID)
	if err != nil {
		return err
	}

	connection, err := e.resolveConnection(ctx, job)
	if err != nil {
		log.Error("no usable connection for job", zap.Error(err))
		return e.store.FailJob(ctx, jobID, err.Error(), len(pending))
	}

	// Jobs created without explicit batching values fall back to the
	// operator defaults: batch size when non-positive, delay when negative
	// (zero is an explicit "no delay").
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = e.settingInt("bulk", "default_batch_size", 10)
	}
	delayMs := job.BatchDelayMs
	if delayMs < 0 {
		delayMs = e.settingInt("bulk", "default_batch_delay_ms", 1000)
	}
	delay := time.Duration(delayMs) * time.Millisecond

	for start := 0; start < len(pending); start += batchSize {
		status, err := e.store.GetJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if status == domain.BulkJobCancelled {
			log.Info("job cancelled, stopping at batch boundary",
				zap.Int("dispatched", start), zap.Int("total", len(pending)))
			return e.store.CompleteJob(ctx, jobID, domain.BulkJobCancelled, "")
		}

		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		sent, failed, unrecoverable := e.dispatchChunk(ctx, connection, tmpl, chunk)

		if err := e.store.AddProgress(ctx, jobID, len(chunk), sent, failed); err != nil {
			return err
		}
		metrics.IncrCounter("bulk_sent", int64(sent))
		metrics.IncrCounter("bulk_failed", int64(failed))

		if unrecoverable != nil {
			remaining := len(pending) - end
			log.Error("unrecoverable send error, failing job",
				zap.Error(unrecoverable), zap.Int("remaining", remaining))
			return e.store.FailJob(ctx, jobID, unrecoverable.Error(), remaining)
		}

		if end < len(pending) && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	log.Info("job completed", zap.Int("recipients", len(pending)))
	return e.store.CompleteJob(ctx, jobID, domain.BulkJobCompleted, "")
}

// resolveConnection returns an authenticated connection for the job's
// session, creating one if none is live.
func (e *Engine) resolveConnection(ctx context.Context, job *domain.BulkJob) (*conn.Connection, error) {
	if c, ok := e.pool.GetConnection(ctx, job.SessionID); ok {
		if c.State() == conn.StateAuthenticated {
			return c, nil
		}
		return nil, &domain.NotReadyError{State: string(c.State())}
	}
	c, err := e.pool.CreateConnection(ctx, job.SessionID, job.OwnerID)
	if err != nil {
		return nil, err
	}
	if c.State() != conn.StateAuthenticated {
		return nil, &domain.NotReadyError{State: string(c.State())}
	}
	return c, nil
}

// dispatchChunk sends every recipient of the chunk concurrently and waits for
// all of them to settle. Each outcome is persisted on its message row
// immediately. A not-ready connection is reported as unrecoverable; ordinary
// send failures only mark their own row.
func (e *Engine) dispatchChunk(ctx context.Context, connection *conn.Connection,
	tmpl Template, chunk []domain.BulkMessage) (sent, failed int, unrecoverable error) {

	var sentN, failedN int64
	var fatal atomic.Value

	g, gctx := errgroup.WithContext(ctx)
	for i := range chunk {
		msg := chunk[i]
		g.Go(func() error {
			var params []string
			if len(msg.Params) > 0 {
				if err := json.Unmarshal(msg.Params, &params); err != nil {
					e.log.Warn("bad recipient params", zap.Int64("message_id", msg.ID), zap.Error(err))
				}
			}
			rendered := tmpl.Render(params)

			_, err := connection.SendMessage(gctx, msg.Recipient, rendered)
			if err != nil {
				atomic.AddInt64(&failedN, 1)
				var notReady *domain.NotReadyError
				if errors.As(err, &notReady) {
					fatal.Store(err)
				}
				if derr := e.store.MarkMessageFailed(context.Background(), msg.ID, rendered, err.Error()); derr != nil {
					e.log.Error("failed to record message failure",
						zap.Int64("message_id", msg.ID), zap.Error(derr))
				}
				return nil
			}
			atomic.AddInt64(&sentN, 1)
			if derr := e.store.MarkMessageSent(context.Background(), msg.ID, rendered); derr != nil {
				e.log.Error("failed to record message delivery",
					zap.Int64("message_id", msg.ID), zap.Error(derr))
			}
			return nil
		})
	}
	_ = g.Wait()

	if v := fatal.Load(); v != nil {
		unrecoverable = v.(error)
	}
	return int(sentN), int(failedN), unrecoverable
}
