package worker

// Job types routed per queue.
const (
	// auth queue
	TypeQRGeneration        = "qr_generation"
	TypePairingVerification = "pairing_verification"
	TypeAuthValidation      = "auth_validation"
	TypeLogout              = "logout"

	// message queue
	TypeSingleMessage = "single_message"
	TypeMessageStatus = "message_status"
	TypeBulkMessage   = "bulk_message"

	// maintenance queue
	TypeHealthCheck = "connection_health_check"
)

// Queue names.
const (
	QueueAuth        = "auth"
	QueueMessage     = "message"
	QueueMaintenance = "maintenance"
)

// Health-check scopes.
const (
	ScopeSession   = "session"
	ScopeAllPaired = "all_paired"
	ScopeInactive  = "inactive"
)

type QRGenerationPayload struct {
	SessionID int64 `json:"session_id,string"`
	OwnerID   int64 `json:"owner_id,string"`
}

type PairingVerificationPayload struct {
	SessionID int64 `json:"session_id,string"`
	OwnerID   int64 `json:"owner_id,string"`
}

type AuthValidationPayload struct {
	SessionID int64 `json:"session_id,string"`
	OwnerID   int64 `json:"owner_id,string"`
}

type LogoutPayload struct {
	SessionID int64 `json:"session_id,string"`
	OwnerID   int64 `json:"owner_id,string"`
}

type SingleMessagePayload struct {
	SessionID int64  `json:"session_id,string"`
	OwnerID   int64  `json:"owner_id,string"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type MessageStatusPayload struct {
	SessionID int64  `json:"session_id,string"`
	OwnerID   int64  `json:"owner_id,string"`
	MessageID int64  `json:"message_id,string"`
	Status    string `json:"status"`
}

type BulkMessagePayload struct {
	JobID int64 `json:"job_id,string"`
}

type HealthCheckPayload struct {
	Scope     string `json:"scope"`
	SessionID int64  `json:"session_id,string,omitempty"`
}
