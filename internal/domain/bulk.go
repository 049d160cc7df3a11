package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Bulk job statuses. Completed, failed and cancelled are terminal.
const (
	BulkJobPending    = "pending"
	BulkJobProcessing = "processing"
	BulkJobCompleted  = "completed"
	BulkJobFailed     = "failed"
	BulkJobCancelled  = "cancelled"
)

// Per-recipient message statuses.
const (
	BulkMessagePending = "pending"
	BulkMessageSent    = "sent"
	BulkMessageFailed  = "failed"
)

// BulkJob is one send campaign against a session. Counts are updated by the
// dispatch engine after every settled batch.
type BulkJob struct {
	ID                 int64          `json:"id,string" gorm:"primaryKey"`
	OwnerID            int64          `json:"owner_id,string" gorm:"index"`
	SessionID          int64          `json:"session_id,string" gorm:"index"`
	Name               string         `json:"name"`
	Status             string         `json:"status" gorm:"index"`
	Template           datatypes.JSON `json:"template"`
	BatchSize          int            `json:"batch_size"`
	BatchDelayMs       int            `json:"batch_delay_ms"`
	TotalMessages      int            `json:"total_messages"`
	ProcessedMessages  int            `json:"processed_messages"`
	SuccessfulMessages int            `json:"successful_messages"`
	FailedMessages     int            `json:"failed_messages"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (BulkJob) TableName() string {
	return "wa_bulk_job"
}

// BulkMessage is one recipient of a bulk job. Params carries the recipient's
// substitution data as a JSON string array; Message holds the rendered text
// once the recipient has been dispatched.
type BulkMessage struct {
	ID           int64          `json:"id,string" gorm:"primaryKey"`
	JobID        int64          `json:"job_id,string" gorm:"index:idx_wa_bulk_message_job"`
	Recipient    string         `json:"recipient"`
	Message      string         `json:"message" gorm:"type:text"`
	Params       datatypes.JSON `json:"params,omitempty"`
	Status       string         `json:"status" gorm:"index"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at" gorm:"index:idx_wa_bulk_message_cursor"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (BulkMessage) TableName() string {
	return "wa_bulk_message"
}
