package worker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/queue"
	"github.com/wagate/wagate/pkg/metrics"
)

// MessageHandlers returns the handler set for the message queue.
func (h *Handlers) MessageHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		TypeSingleMessage: h.SingleMessage,
		TypeMessageStatus: h.MessageStatus,
		TypeBulkMessage:   h.BulkMessage,
	}
}

// connectionFor returns an authenticated connection for the session, opening
// one if the pool has none.
func (h *Handlers) connectionFor(ctx context.Context, sessionID, ownerID int64) (*conn.Connection, error) {
	if c, ok := h.pool.GetConnection(ctx, sessionID); ok {
		if c.State() != conn.StateAuthenticated {
			return nil, &domain.NotReadyError{State: string(c.State())}
		}
		return c, nil
	}
	return h.pool.CreateConnection(ctx, sessionID, ownerID)
}

// SingleMessage sends one ad-hoc text message.
func (h *Handlers) SingleMessage(ctx context.Context, job *queue.Job) (*Result, error) {
	var p SingleMessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "single_message: payload")
	}
	if p.Recipient == "" || p.Text == "" {
		return &Result{Success: false, Error: "recipient and text required"}, nil
	}

	c, err := h.connectionFor(ctx, p.SessionID, p.OwnerID)
	if err != nil {
		return nil, err
	}
	id, err := c.SendMessage(ctx, p.Recipient, p.Text)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter("messages_sent", 1)
	return &Result{Success: true, Data: map[string]interface{}{"message_id": id}}, nil
}

// MessageStatus records a delivery-status update for a bulk message row. The
// session's connection must be live, since status callbacks only arrive over
// an open socket.
func (h *Handlers) MessageStatus(ctx context.Context, job *queue.Job) (*Result, error) {
	var p MessageStatusPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "message_status: payload")
	}

	if _, err := h.registry.GetForOwner(ctx, p.SessionID, p.OwnerID); err != nil {
		return nil, err
	}
	c, ok := h.pool.GetConnection(ctx, p.SessionID)
	if !ok || c.State() != conn.StateAuthenticated {
		return &Result{Success: false, Error: "session has no live connection"}, nil
	}

	if _, err := h.campaigns.GetMessage(ctx, p.MessageID); err != nil {
		return nil, err
	}
	if err := h.campaigns.UpdateMessageStatus(ctx, p.MessageID, p.Status); err != nil {
		return nil, err
	}
	return &Result{Success: true}, nil
}

// BulkMessage runs the dispatch engine for one bulk job. Partial recipient
// failures are recorded by the engine and still count as a successful run;
// only infrastructure trouble surfaces as a retryable error.
func (h *Handlers) BulkMessage(ctx context.Context, job *queue.Job) (*Result, error) {
	var p BulkMessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "bulk_message: payload")
	}
	if err := h.engine.Run(ctx, p.JobID); err != nil {
		return nil, err
	}

	done, err := h.campaigns.GetJob(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	return &Result{Success: done.Status != domain.BulkJobFailed, Data: map[string]interface{}{
		"status":     done.Status,
		"processed":  done.ProcessedMessages,
		"successful": done.SuccessfulMessages,
		"failed":     done.FailedMessages,
	}}, nil
}
