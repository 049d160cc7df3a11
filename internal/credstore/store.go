// Package credstore persists opaque per-session protocol key material.
package credstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StaticCredentialKey is the literal key under which the session's static
// credential blob is stored. Rotating key material uses "<category>-<id>".
const StaticCredentialKey = "creds"

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func rowKey(category, id string) string {
	if id == "" {
		return category
	}
	return category + "-" + id
}

// Get returns the stored values for the given ids within a category. Ids
// with no stored row are simply absent from the result. An empty id list
// addresses the literal category key (used for the static credential blob).
func (s *Store) Get(ctx context.Context, sessionID int64, category string, ids []string) (map[string][]byte, error) {
	keys := make([]string, 0, len(ids))
	if len(ids) == 0 {
		keys = append(keys, category)
	}
	for _, id := range ids {
		keys = append(keys, rowKey(category, id))
	}

	var rows []domain.Credential
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key IN ?", sessionID, keys).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "credstore: get")
	}

	out := make(map[string][]byte, len(rows))
	prefix := category + "-"
	for _, row := range rows {
		switch {
		case row.Key == category:
			out[""] = row.Value
		case strings.HasPrefix(row.Key, prefix):
			out[strings.TrimPrefix(row.Key, prefix)] = row.Value
		}
	}
	return out, nil
}

// Set applies a batch of upserts and deletes as one transaction. The batch
// maps category -> id -> value; a nil value deletes the row. A concurrent
// reader never observes the batch partially applied.
func (s *Store) Set(ctx context.Context, sessionID int64, batch map[string]map[string][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for category, entries := range batch {
			for id, value := range entries {
				key := rowKey(category, id)
				if value == nil {
					if err := tx.Where("session_id = ? AND key = ?", sessionID, key).
						Delete(&domain.Credential{}).Error; err != nil {
						return err
					}
					continue
				}
				row := domain.Credential{
					ID:        common.NewID(),
					SessionID: sessionID,
					Key:       key,
					Value:     value,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "session_id"}, {Name: "key"}},
					DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
				}).Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	return errors.Wrap(err, "credstore: set")
}

// Clear deletes every credential row for the session. Idempotent.
func (s *Store) Clear(ctx context.Context, sessionID int64) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.Credential{}).Error
	return errors.Wrap(err, "credstore: clear")
}
