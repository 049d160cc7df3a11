// Package conn owns the per-session protocol connection lifecycle: the
// connection state machine with its timed pairing/reconnect waits, and the
// pool that manages live connections.
package conn

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/protocol"
	"github.com/wagate/wagate/internal/sessions"
	"go.uber.org/zap"
)

// State of a connection. Destroyed is terminal.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateWaitingQR     State = "waiting_qr"
	StateAuthenticated State = "authenticated"
	StateFailed        State = "failed"
	StateDestroyed     State = "destroyed"
)

// Config holds the connection timing knobs.
type Config struct {
	PairingTimeout       time.Duration
	ReconnectTimeout     time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	QRExpiry             time.Duration
}

func (c Config) withDefaults() Config {
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 5 * time.Minute
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = time.Minute
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.QRExpiry <= 0 {
		c.QRExpiry = time.Minute
	}
	return c
}

type waitRegime int

const (
	waitPairing waitRegime = iota
	waitReconnect
)

// WaitResult reports how a connect wait finished. GaveUp marks the graceful
// pairing-timeout completion, which is not a failure.
type WaitResult struct {
	Authenticated bool
	GaveUp        bool
}

type waitOutcome struct {
	res WaitResult
	err error
}

// connectWait is the one-shot wait registered per connect attempt.
type connectWait struct {
	regime waitRegime
	done   chan waitOutcome
	timer  *time.Timer
}

// Connection wraps one session's protocol socket. Socket callbacks arrive
// serialized through a single event loop; the mutex guards against the job
// workers calling in concurrently.
type Connection struct {
	sessionID int64
	registry  *sessions.Registry
	creds     *credstore.Adapter
	factory   protocol.ClientFactory
	cfg       Config
	bus       EventBus.Bus
	log       *zap.Logger

	mu             sync.Mutex
	state          State
	client         protocol.Client
	wait           *connectWait
	regime         waitRegime
	reconnects     int
	reconnectTimer *time.Timer
}

func New(sessionID int64, registry *sessions.Registry, creds *credstore.Adapter,
	factory protocol.ClientFactory, cfg Config) *Connection {
	return &Connection{
		sessionID: sessionID,
		registry:  registry,
		creds:     creds,
		factory:   factory,
		cfg:       cfg.withDefaults(),
		bus:       EventBus.New(),
		log:       zap.L().With(zap.Int64("session_id", sessionID)),
		state:     StateDisconnected,
	}
}

func (c *Connection) SessionID() int64 {
	return c.sessionID
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener on the connection's private event bus.
func (c *Connection) Subscribe(fn func(Event)) error {
	return c.bus.Subscribe(topicConnection, fn)
}

func (c *Connection) publish(evt Event) {
	evt.SessionID = c.sessionID
	c.bus.Publish(topicConnection, evt)
}

// Connect opens the protocol socket and registers the one-shot wait for this
// attempt. The wait regime is selected by whether the session is already
// paired: pairing waits time out gracefully after PairingTimeout, reconnect
// waits reject after ReconnectTimeout. A second Connect while one is
// outstanding is rejected, as is Connect on a live or destroyed connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateDestroyed:
		c.mu.Unlock()
		return domain.ErrConnectionClosed
	case c.wait != nil:
		c.mu.Unlock()
		return domain.ErrConnectInProgress
	case c.client != nil:
		c.mu.Unlock()
		return domain.ErrConnectionExists
	}
	c.mu.Unlock()

	sess, err := c.registry.Get(ctx, c.sessionID)
	if err != nil {
		return err
	}
	regime := waitPairing
	timeout := c.cfg.PairingTimeout
	if sess.Status == domain.SessionPaired {
		regime = waitReconnect
		timeout = c.cfg.ReconnectTimeout
	}

	client, err := c.factory.NewClient(c.creds)
	if err != nil {
		return errors.Wrap(err, "conn: new client")
	}

	c.mu.Lock()
	if c.state == StateDestroyed || c.wait != nil || c.client != nil {
		c.mu.Unlock()
		client.Disconnect()
		return domain.ErrConnectInProgress
	}
	c.client = client
	c.regime = regime
	c.state = StateConnecting
	w := &connectWait{regime: regime, done: make(chan waitOutcome, 1)}
	w.timer = time.AfterFunc(timeout, func() { c.waitTimedOut(w) })
	c.wait = w
	c.mu.Unlock()

	c.publish(Event{Type: EventConnecting, State: StateConnecting})
	go c.eventLoop(client.Events())

	if err := client.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.wait == w {
			c.wait = nil
			w.timer.Stop()
		}
		if c.state != StateDestroyed {
			c.state = StateFailed
		}
		c.client = nil
		c.mu.Unlock()
		client.Disconnect()
		c.publish(Event{Type: EventFailed, State: StateFailed})
		return errors.Wrap(err, "conn: connect")
	}
	return nil
}

// WaitReady blocks until the outstanding connect wait settles. With no wait
// outstanding it reports the current state instead.
func (c *Connection) WaitReady(ctx context.Context) (WaitResult, error) {
	c.mu.Lock()
	w := c.wait
	st := c.state
	c.mu.Unlock()

	if w == nil {
		if st == StateAuthenticated {
			return WaitResult{Authenticated: true}, nil
		}
		return WaitResult{}, &domain.NotReadyError{State: string(st)}
	}
	select {
	case out := <-w.done:
		return out.res, out.err
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (c *Connection) eventLoop(events <-chan protocol.Event) {
	for evt := range events {
		c.handleProtocolEvent(evt)
	}
}

// handleProtocolEvent is the single entry point for all protocol callbacks.
func (c *Connection) handleProtocolEvent(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.QREvent:
		c.handleQR(e)
	case protocol.ConnectionUpdate:
		switch e.State {
		case protocol.ConnOpen:
			c.handleOpen(e)
		case protocol.ConnClose:
			c.handleClose(e)
		case protocol.ConnConnecting:
			c.log.Debug("protocol connecting")
		}
	case protocol.CredentialsUpdate:
		c.log.Debug("credentials rotated")
	case protocol.MessageReceived:
		msg := e
		c.publish(Event{Type: EventMessage, State: c.State(), Message: &msg})
	}
}

func (c *Connection) handleQR(e protocol.QREvent) {
	c.mu.Lock()
	if c.state == StateDestroyed || c.regime != waitPairing {
		c.mu.Unlock()
		return
	}
	c.state = StateWaitingQR
	c.mu.Unlock()

	dataURL, err := renderQR(e.Code)
	if err != nil {
		c.log.Error("failed to render pairing code", zap.Error(err))
		return
	}
	expires := time.Now().Add(c.cfg.QRExpiry)
	if err := c.registry.SetQR(context.Background(), c.sessionID, dataURL, expires); err != nil {
		c.log.Error("failed to persist pairing code", zap.Error(err))
	}
	c.publish(Event{Type: EventQR, State: StateWaitingQR, QRCode: dataURL})
}

func (c *Connection) handleOpen(e protocol.ConnectionUpdate) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.reconnects = 0
	w := c.wait
	c.wait = nil
	if w != nil {
		w.timer.Stop()
	}
	c.mu.Unlock()

	if err := c.registry.MarkPaired(context.Background(), c.sessionID, e.Phone, e.DisplayName); err != nil {
		c.log.Error("failed to persist paired identity", zap.Error(err))
	}
	if w != nil {
		w.done <- waitOutcome{res: WaitResult{Authenticated: true}}
	}
	c.log.Info("connection authenticated", zap.String("phone", e.Phone))
	c.publish(Event{Type: EventAuthenticated, State: StateAuthenticated})
}

func (c *Connection) handleClose(e protocol.ConnectionUpdate) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	if c.regime == waitPairing && c.wait != nil {
		// Normal socket churn while waiting for a scan; the pairing wait
		// keeps running until authentication or its timeout.
		c.mu.Unlock()
		c.log.Debug("socket closed during pairing wait", zap.Int("reason", int(e.Reason)))
		return
	}

	w := c.wait
	c.wait = nil
	if w != nil {
		w.timer.Stop()
	}
	cli := c.client
	c.client = nil

	var out Event
	loggedOut := false
	switch {
	case e.Reason == protocol.ReasonRestartRequired:
		if c.reconnects < c.cfg.MaxReconnectAttempts {
			c.reconnects++
			c.state = StateConnecting
			out = Event{Type: EventReconnecting, State: StateConnecting, Reason: e.Reason, Attempt: c.reconnects}
			c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
		} else {
			c.state = StateFailed
			out = Event{Type: EventFailed, State: StateFailed, Reason: e.Reason, Attempt: c.reconnects}
		}
	case e.Reason == protocol.ReasonLoggedOut:
		c.state = StateDisconnected
		loggedOut = true
		out = Event{Type: EventLoggedOut, State: StateDisconnected, Reason: e.Reason}
	default:
		c.state = StateDisconnected
		out = Event{Type: EventDisconnected, State: StateDisconnected, Reason: e.Reason}
	}
	c.mu.Unlock()

	if cli != nil {
		// Release the dead socket so its event channel closes and the event
		// loop exits.
		cli.Disconnect()
	}
	if w != nil {
		w.done <- waitOutcome{err: fmt.Errorf("connection closed: reason=%d", e.Reason)}
	}
	if loggedOut {
		// The remote end invalidated the pairing: wipe re-auth material and
		// reset the session. Wipe failures are surfaced loudly, never dropped.
		if err := c.creds.Clear(context.Background()); err != nil {
			c.log.Error("failed to wipe credentials after logout", zap.Error(err))
		}
		if err := c.registry.ResetUnauthenticated(context.Background(), c.sessionID); err != nil {
			c.log.Error("failed to reset session after logout", zap.Error(err))
		}
	}
	c.log.Info("connection closed", zap.Int("reason", int(e.Reason)), zap.String("state", string(out.State)))
	c.publish(out)
}

// reconnect runs after the fixed reconnect delay.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.state == StateDestroyed || c.client != nil {
		c.mu.Unlock()
		return
	}
	client, err := c.factory.NewClient(c.creds)
	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		c.log.Error("reconnect failed to build client", zap.Error(err))
		c.publish(Event{Type: EventFailed, State: StateFailed})
		return
	}
	c.client = client
	c.state = StateConnecting
	w := &connectWait{regime: waitReconnect, done: make(chan waitOutcome, 1)}
	w.timer = time.AfterFunc(c.cfg.ReconnectTimeout, func() { c.waitTimedOut(w) })
	c.wait = w
	attempt := c.reconnects
	c.mu.Unlock()

	c.log.Info("reconnecting", zap.Int("attempt", attempt))
	go c.eventLoop(client.Events())
	if err := client.Connect(context.Background()); err != nil {
		c.log.Warn("reconnect dial failed", zap.Error(err))
		// Treat a failed dial like a restart-required close so the bounded
		// attempt counter still applies.
		c.mu.Lock()
		if c.wait == w {
			c.wait = nil
			w.timer.Stop()
		}
		c.client = nil
		c.mu.Unlock()
		client.Disconnect()
		c.handleClose(protocol.ConnectionUpdate{State: protocol.ConnClose, Reason: protocol.ReasonRestartRequired})
	}
}

// waitTimedOut fires when a connect wait's timer elapses. Pairing waits
// resolve as a graceful give-up: any key material from the unfinished attempt
// is wiped and the session goes back to unauthenticated. Reconnect waits
// reject.
func (c *Connection) waitTimedOut(w *connectWait) {
	c.mu.Lock()
	if c.wait != w {
		c.mu.Unlock()
		return
	}
	c.wait = nil
	if w.regime == waitPairing {
		cli := c.client
		c.client = nil
		if c.state != StateDestroyed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		if err := c.creds.Clear(context.Background()); err != nil {
			c.log.Error("failed to wipe credentials after pairing timeout", zap.Error(err))
		}
		if err := c.registry.ResetUnauthenticated(context.Background(), c.sessionID); err != nil {
			c.log.Error("failed to reset session after pairing timeout", zap.Error(err))
		}
		if cli != nil {
			cli.Disconnect()
		}
		w.done <- waitOutcome{res: WaitResult{GaveUp: true}}
		c.log.Info("pairing wait timed out, giving up gracefully")
		c.publish(Event{Type: EventPairingTimeout, State: StateDisconnected})
		return
	}

	if c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	w.done <- waitOutcome{err: errors.New("reconnect wait timed out")}
	c.log.Warn("reconnect wait timed out")
	c.publish(Event{Type: EventFailed, State: StateDisconnected, Reason: protocol.ReasonTimedOut})
}

// SendMessage sends one text message. The connection must be authenticated;
// success refreshes the session's last-used timestamp.
func (c *Connection) SendMessage(ctx context.Context, recipient, text string) (string, error) {
	c.mu.Lock()
	st := c.state
	cli := c.client
	c.mu.Unlock()

	if st != StateAuthenticated || cli == nil {
		return "", &domain.NotReadyError{State: string(st)}
	}
	id, err := cli.SendMessage(ctx, recipient, text)
	if err != nil {
		return "", errors.Wrap(err, "conn: send message")
	}
	if err := c.registry.TouchLastUsed(ctx, c.sessionID); err != nil {
		c.log.Warn("failed to refresh last-used timestamp", zap.Error(err))
	}
	return id, nil
}

// Disconnect tears the connection down. Idempotent; cancels any pending wait
// and timers and releases the socket. The connection is unusable afterwards.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	w := c.wait
	c.wait = nil
	if w != nil {
		w.timer.Stop()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	cli := c.client
	c.client = nil
	c.mu.Unlock()

	if w != nil {
		w.done <- waitOutcome{err: domain.ErrConnectionClosed}
	}
	if cli != nil {
		cli.Disconnect()
	}
	c.log.Info("connection destroyed")
	c.publish(Event{Type: EventDestroyed, State: StateDestroyed})
}

// ForceClose is an alias for Disconnect kept for call sites that tear down
// without grace.
func (c *Connection) ForceClose() {
	c.Disconnect()
}

// Logout invokes the protocol-level logout and wipes the session's
// credential rows before destroying the connection. Unlike Disconnect it
// intentionally destroys re-authentication material.
func (c *Connection) Logout(ctx context.Context) error {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()

	if cli != nil {
		if err := cli.Logout(ctx); err != nil {
			c.log.Warn("protocol logout failed", zap.Error(err))
		}
	}
	if err := c.creds.Clear(ctx); err != nil {
		return errors.Wrap(err, "conn: wipe credentials")
	}
	c.Disconnect()
	return nil
}

func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", errors.Wrap(err, "conn: encode qr")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
