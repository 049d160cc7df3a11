package conn

import (
	"github.com/wagate/wagate/internal/protocol"
)

// EventType identifies a connection lifecycle notification.
type EventType string

const (
	EventQR             EventType = "qr"
	EventConnecting     EventType = "connecting"
	EventReconnecting   EventType = "reconnecting"
	EventAuthenticated  EventType = "authenticated"
	EventDisconnected   EventType = "disconnected"
	EventPairingTimeout EventType = "pairing_timeout"
	EventLoggedOut      EventType = "logged_out"
	EventFailed         EventType = "failed"
	EventDestroyed      EventType = "destroyed"
	EventMessage        EventType = "message_received"
)

// Event is published on a connection's private bus and rebroadcast by the
// pool so external listeners can subscribe once.
type Event struct {
	SessionID int64
	Type      EventType
	State     State
	Reason    protocol.DisconnectReason
	Attempt   int
	QRCode    string
	Message   *protocol.MessageReceived
}

// Bus topics.
const (
	topicConnection = "connection.events"
	topicPool       = "pool.events"
)
