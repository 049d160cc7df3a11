package domain

import "time"

// Session lifecycle statuses.
const (
	SessionUnauthenticated = "unauthenticated"
	SessionQRPairing       = "qr_pairing"
	SessionPaired          = "paired"
)

// Session is a user's registered messaging identity. QrCode/QrExpiresAt are
// populated only while status is qr_pairing; Phone/DisplayName only while
// status is paired.
type Session struct {
	ID          int64      `json:"id,string" gorm:"primaryKey"`
	OwnerID     int64      `json:"owner_id,string" gorm:"index"`
	Name        string     `json:"name"`
	Status      string     `json:"status" gorm:"index"`
	Phone       string     `json:"phone,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	QrCode      string     `json:"qr_code,omitempty" gorm:"type:text"`
	QrExpiresAt *time.Time `json:"qr_expires_at,omitempty"`
	LastUsedAt  time.Time  `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Session) TableName() string {
	return "wa_session"
}
