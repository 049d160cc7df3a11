package domain

import "time"

// Credential holds one opaque protocol secret for a session. Key is either
// the literal static-credentials key or "<category>-<id>" for rotating key
// material. Rows are destroyed together with the session.
type Credential struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	SessionID int64     `json:"session_id,string" gorm:"uniqueIndex:idx_wa_credential_session_key"`
	Key       string    `json:"key" gorm:"uniqueIndex:idx_wa_credential_session_key;size:128"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Credential) TableName() string {
	return "wa_credential"
}
