// Package protocol declares the contract with the external messaging
// protocol client library. The wire protocol and its cryptography live
// entirely behind these interfaces; this repo owns none of it.
package protocol

import (
	"context"
	"time"
)

// ConnState mirrors the protocol client's connection-update states.
type ConnState string

const (
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
	ConnConnecting ConnState = "connecting"
)

// DisconnectReason codes carried on close updates.
type DisconnectReason int

const (
	ReasonNone             DisconnectReason = 0
	ReasonLoggedOut        DisconnectReason = 401
	ReasonTimedOut         DisconnectReason = 408
	ReasonConnectionClosed DisconnectReason = 428
	ReasonBadSession       DisconnectReason = 500
	ReasonRestartRequired  DisconnectReason = 515
)

// Event is one protocol-level notification. Concrete types: QREvent,
// ConnectionUpdate, CredentialsUpdate, MessageReceived.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing code to be rendered and scanned.
type QREvent struct {
	Code string
}

// ConnectionUpdate reports a socket state change. Phone and DisplayName are
// populated on open updates once the account identity is known.
type ConnectionUpdate struct {
	State       ConnState
	Reason      DisconnectReason
	Phone       string
	DisplayName string
}

// CredentialsUpdate signals that the client already persisted rotated key
// material through its CredentialAdapter.
type CredentialsUpdate struct{}

// MessageReceived is an inbound message notification.
type MessageReceived struct {
	From      string
	ID        string
	Text      string
	Timestamp time.Time
}

func (QREvent) isEvent()           {}
func (ConnectionUpdate) isEvent()  {}
func (CredentialsUpdate) isEvent() {}
func (MessageReceived) isEvent()   {}

// CredentialAdapter is handed to the protocol client so it can load and
// persist per-session key material. A nil value inside a SetKeys batch
// deletes that entry.
type CredentialAdapter interface {
	LoadCreds(ctx context.Context) ([]byte, error)
	StoreCreds(ctx context.Context, blob []byte) error
	GetKeys(ctx context.Context, category string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, batch map[string]map[string][]byte) error
	Clear(ctx context.Context) error
}

// Client is one live protocol socket. Events must be drained by the caller;
// the channel is closed when the socket is released.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	SendMessage(ctx context.Context, recipient, text string) (string, error)
	Events() <-chan Event
}

// ClientFactory builds clients bound to one session's credential adapter.
type ClientFactory interface {
	NewClient(adapter CredentialAdapter) (Client, error)
}
