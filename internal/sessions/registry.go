// Package sessions provides session metadata CRUD and status transitions.
// The Connection lifecycle and the job workers are its only writers.
package sessions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Create registers a new unauthenticated session for an owner.
func (r *Registry) Create(ctx context.Context, ownerID int64, name string) (*domain.Session, error) {
	sess := &domain.Session{
		ID:         common.NewID(),
		OwnerID:    ownerID,
		Name:       name,
		Status:     domain.SessionUnauthenticated,
		LastUsedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, errors.Wrap(err, "sessions: create")
	}
	return sess, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*domain.Session, error) {
	var sess domain.Session
	err := r.db.WithContext(ctx).First(&sess, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessions: get")
	}
	return &sess, nil
}

// GetForOwner loads a session and enforces ownership.
func (r *Registry) GetForOwner(ctx context.Context, id, ownerID int64) (*domain.Session, error) {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return sess, nil
}

func (r *Registry) List(ctx context.Context, ownerID int64) ([]domain.Session, error) {
	var out []domain.Session
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at").
		Find(&out).Error
	return out, errors.Wrap(err, "sessions: list")
}

func (r *Registry) ListPaired(ctx context.Context) ([]domain.Session, error) {
	var out []domain.Session
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.SessionPaired).
		Find(&out).Error
	return out, errors.Wrap(err, "sessions: list paired")
}

// ListInactiveSince returns paired sessions whose last use predates cutoff.
func (r *Registry) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	var out []domain.Session
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_used_at < ?", domain.SessionPaired, cutoff).
		Find(&out).Error
	return out, errors.Wrap(err, "sessions: list inactive")
}

// SetQR stores a freshly rendered pairing code and moves the session into
// qr_pairing.
func (r *Registry) SetQR(ctx context.Context, id int64, dataURL string, expiresAt time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.SessionQRPairing,
			"qr_code":       dataURL,
			"qr_expires_at": expiresAt,
		}).Error
	return errors.Wrap(err, "sessions: set qr")
}

// MarkPaired records a successful authentication: identity fields are set
// and any pending QR is cleared so the status invariant holds.
func (r *Registry) MarkPaired(ctx context.Context, id int64, phone, displayName string) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.SessionPaired,
			"phone":         phone,
			"display_name":  displayName,
			"qr_code":       "",
			"qr_expires_at": nil,
			"last_used_at":  time.Now(),
		}).Error
	return errors.Wrap(err, "sessions: mark paired")
}

// ResetUnauthenticated drops the session back to unauthenticated and clears
// everything tied to the previous pairing. Idempotent.
func (r *Registry) ResetUnauthenticated(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.SessionUnauthenticated,
			"phone":         "",
			"display_name":  "",
			"qr_code":       "",
			"qr_expires_at": nil,
		}).Error
	return errors.Wrap(err, "sessions: reset")
}

func (r *Registry) TouchLastUsed(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", id).
		Update("last_used_at", time.Now()).Error
	return errors.Wrap(err, "sessions: touch")
}

// Delete removes the session and cascades to its credential rows in one
// transaction.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&domain.Credential{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Session{}, id).Error
	})
	return errors.Wrap(err, "sessions: delete")
}

// PurgeExpiredQR clears expired pairing codes across all qr_pairing sessions
// and drops them back to unauthenticated. Returns the number of sessions
// purged.
func (r *Registry) PurgeExpiredQR(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("status = ? AND qr_expires_at IS NOT NULL AND qr_expires_at < ?", domain.SessionQRPairing, now).
		Updates(map[string]interface{}{
			"status":        domain.SessionUnauthenticated,
			"qr_code":       "",
			"qr_expires_at": nil,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "sessions: purge qr")
	}
	if res.RowsAffected > 0 {
		zap.L().Info("purged expired pairing codes", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
