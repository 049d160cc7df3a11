package campaign

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/common"
	"gorm.io/gorm"
)

// Recipient is one target of a new bulk job with its substitution data.
type Recipient struct {
	Recipient string
	Params    []string
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateJob persists the job and all its message rows in one transaction.
func (s *Store) CreateJob(ctx context.Context, ownerID, sessionID int64, name string,
	tmpl Template, batchSize, batchDelayMs int, recipients []Recipient) (*domain.BulkJob, error) {

	tmplJSON, err := json.Marshal(tmpl)
	if err != nil {
		return nil, errors.Wrap(err, "campaign: marshal template")
	}
	job := &domain.BulkJob{
		ID:            common.NewID(),
		OwnerID:       ownerID,
		SessionID:     sessionID,
		Name:          name,
		Status:        domain.BulkJobPending,
		Template:      tmplJSON,
		BatchSize:     batchSize,
		BatchDelayMs:  batchDelayMs,
		TotalMessages: len(recipients),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		now := time.Now()
		msgs := make([]domain.BulkMessage, 0, len(recipients))
		for _, r := range recipients {
			params, err := json.Marshal(r.Params)
			if err != nil {
				return err
			}
			msgs = append(msgs, domain.BulkMessage{
				ID:        common.NewID(),
				JobID:     job.ID,
				Recipient: r.Recipient,
				Params:    params,
				Status:    domain.BulkMessagePending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if len(msgs) == 0 {
			return nil
		}
		return tx.CreateInBatches(msgs, 500).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "campaign: create job")
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.BulkJob, error) {
	var job domain.BulkJob
	err := s.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "campaign: get job")
	}
	return &job, nil
}

// GetJobStatus re-reads only the persisted status; the dispatch engine calls
// this at every chunk boundary for its cancellation check.
func (s *Store) GetJobStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ?", id).
		Pluck("status", &status).Error
	if err != nil {
		return "", errors.Wrap(err, "campaign: get job status")
	}
	if status == "" {
		return "", domain.ErrNotFound
	}
	return status, nil
}

// MarkProcessing flips a pending job to processing with a start timestamp.
// It reports whether the transition happened, so a job cancelled in the
// meantime is never restarted.
func (s *Store) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ? AND status = ?", id, domain.BulkJobPending).
		Updates(map[string]interface{}{
			"status":     domain.BulkJobProcessing,
			"started_at": time.Now(),
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "campaign: mark processing")
	}
	return res.RowsAffected > 0, nil
}

// CancelJob requests cooperative cancellation. Terminal jobs are untouched.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ? AND status IN ?", id, []string{domain.BulkJobPending, domain.BulkJobProcessing}).
		Update("status", domain.BulkJobCancelled).Error
	return errors.Wrap(err, "campaign: cancel job")
}

// AddProgress increments the job's aggregate counters after a settled chunk.
func (s *Store) AddProgress(ctx context.Context, id int64, processed, successful, failed int) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_messages":  gorm.Expr("processed_messages + ?", processed),
			"successful_messages": gorm.Expr("successful_messages + ?", successful),
			"failed_messages":     gorm.Expr("failed_messages + ?", failed),
		}).Error
	return errors.Wrap(err, "campaign: add progress")
}

// CompleteJob sets a terminal status with a completion timestamp.
func (s *Store) CompleteJob(ctx context.Context, id int64, status, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"completed_at":  time.Now(),
			"error_message": errMsg,
		}).Error
	return errors.Wrap(err, "campaign: complete job")
}

// FailJob marks the job failed after an unrecoverable error, counting the
// never-dispatched remainder as failed.
func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, remaining int) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             domain.BulkJobFailed,
			"completed_at":       time.Now(),
			"error_message":      errMsg,
			"processed_messages": gorm.Expr("processed_messages + ?", remaining),
			"failed_messages":    gorm.Expr("failed_messages + ?", remaining),
		}).Error
	return errors.Wrap(err, "campaign: fail job")
}

// PendingMessages returns the job's not-yet-dispatched recipients in
// original order.
func (s *Store) PendingMessages(ctx context.Context, jobID int64) ([]domain.BulkMessage, error) {
	var out []domain.BulkMessage
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, domain.BulkMessagePending).
		Order("created_at, id").
		Find(&out).Error
	return out, errors.Wrap(err, "campaign: pending messages")
}

// MarkMessageSent records one successful delivery immediately, so a crash
// mid-job still leaves an accurate partial record.
func (s *Store) MarkMessageSent(ctx context.Context, msgID int64, rendered string) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkMessage{}).
		Where("id = ?", msgID).
		Updates(map[string]interface{}{
			"status":  domain.BulkMessageSent,
			"message": rendered,
			"sent_at": time.Now(),
		}).Error
	return errors.Wrap(err, "campaign: mark sent")
}

// MarkMessageFailed records one failed delivery immediately.
func (s *Store) MarkMessageFailed(ctx context.Context, msgID int64, rendered, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkMessage{}).
		Where("id = ?", msgID).
		Updates(map[string]interface{}{
			"status":        domain.BulkMessageFailed,
			"message":       rendered,
			"error_message": errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		}).Error
	return errors.Wrap(err, "campaign: mark failed")
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*domain.BulkMessage, error) {
	var msg domain.BulkMessage
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "campaign: get message")
	}
	return &msg, nil
}

// UpdateMessageStatus sets a message's delivery status directly (used by the
// message_status job type).
func (s *Store) UpdateMessageStatus(ctx context.Context, id int64, status string) error {
	err := s.db.WithContext(ctx).Model(&domain.BulkMessage{}).
		Where("id = ?", id).
		Update("status", status).Error
	return errors.Wrap(err, "campaign: update message status")
}

// Cursor is a keyset pagination position over (created_at, id).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id,string"`
}

// ListMessages pages a job's messages by (created_at, id). A zero cursor
// starts from the beginning; the returned cursor is nil on the last page.
func (s *Store) ListMessages(ctx context.Context, jobID int64, cursor *Cursor, limit int) ([]domain.BulkMessage, *Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at, id").
		Limit(limit + 1)
	if cursor != nil {
		q = q.Where("(created_at, id) > (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	var out []domain.BulkMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, nil, errors.Wrap(err, "campaign: list messages")
	}
	var next *Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// DeleteJobsBefore removes terminal jobs (and their messages) completed
// before the cutoff. Used by the daily cleanup task.
func (s *Store) DeleteJobsBefore(ctx context.Context, cutoff time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		err := tx.Model(&domain.BulkJob{}).
			Where("status IN ? AND completed_at < ?",
				[]string{domain.BulkJobCompleted, domain.BulkJobFailed, domain.BulkJobCancelled}, cutoff).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&domain.BulkMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&domain.BulkJob{}).Error
	})
}
