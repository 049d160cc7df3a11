package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/campaign"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/queue"
	"github.com/wagate/wagate/internal/sessions"
	"go.uber.org/zap"
)

// Settings supplies runtime-tunable values; the application's config manager
// satisfies it. Optional.
type Settings interface {
	GetSettingsInt64Value(category, name string) int64
}

// Handlers bundles the dependencies shared by every job handler.
type Handlers struct {
	registry  *sessions.Registry
	creds     *credstore.Store
	pool      *conn.Pool
	campaigns *campaign.Store
	engine    *campaign.Engine
	settings  Settings
	log       *zap.Logger

	pollAttempts int
	pollInterval time.Duration
}

func NewHandlers(registry *sessions.Registry, creds *credstore.Store, pool *conn.Pool,
	campaigns *campaign.Store, engine *campaign.Engine, settings Settings) *Handlers {
	return &Handlers{
		registry:     registry,
		creds:        creds,
		pool:         pool,
		campaigns:    campaigns,
		engine:       engine,
		settings:     settings,
		log:          zap.L().Named("handlers"),
		pollAttempts: 20,
		pollInterval: 500 * time.Millisecond,
	}
}

// AuthHandlers returns the handler set for the auth queue.
func (h *Handlers) AuthHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		TypeQRGeneration:        h.QRGeneration,
		TypePairingVerification: h.PairingVerification,
		TypeAuthValidation:      h.AuthValidation,
		TypeLogout:              h.Logout,
	}
}

// QRGeneration opens a pairing connection and returns the rendered code.
// A session that already carries a live unexpired code returns it unchanged,
// so repeated requests are idempotent.
func (h *Handlers) QRGeneration(ctx context.Context, job *queue.Job) (*Result, error) {
	var p QRGenerationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "qr_generation: payload")
	}

	sess, err := h.registry.GetForOwner(ctx, p.SessionID, p.OwnerID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionPaired {
		return &Result{Success: true, Data: map[string]interface{}{
			"status": sess.Status,
			"phone":  sess.Phone,
		}}, nil
	}
	if sess.QrCode != "" && sess.QrExpiresAt != nil && sess.QrExpiresAt.After(time.Now()) {
		return h.qrResult(sess), nil
	}

	if _, err := h.pool.CreateConnection(ctx, p.SessionID, p.OwnerID); err != nil &&
		!errors.Is(err, domain.ErrConnectionExists) {
		return nil, err
	}

	// The code is rendered asynchronously off the protocol event stream; wait
	// for it to land on the session row.
	for i := 0; i < h.pollAttempts; i++ {
		sess, err = h.registry.Get(ctx, p.SessionID)
		if err != nil {
			break
		}
		if sess.QrCode != "" {
			return h.qrResult(sess), nil
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(h.pollInterval):
			continue
		}
		break
	}

	h.pool.RemoveConnection(p.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "qr_generation")
	}
	return nil, errors.New("qr_generation: pairing code never arrived")
}

func (h *Handlers) qrResult(sess *domain.Session) *Result {
	data := map[string]interface{}{
		"status":  sess.Status,
		"qr_code": sess.QrCode,
	}
	if sess.QrExpiresAt != nil {
		data["qr_expires_at"] = sess.QrExpiresAt.Format(time.RFC3339)
	}
	return &Result{Success: true, Data: data}
}

// PairingVerification polls the live connection for the authentication
// outcome. Still-waiting and gave-up are business outcomes, not errors.
func (h *Handlers) PairingVerification(ctx context.Context, job *queue.Job) (*Result, error) {
	var p PairingVerificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "pairing_verification: payload")
	}

	sess, err := h.registry.GetForOwner(ctx, p.SessionID, p.OwnerID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionPaired {
		return &Result{Success: true, Data: map[string]interface{}{
			"status": sess.Status,
			"phone":  sess.Phone,
		}}, nil
	}

	c, ok := h.pool.GetConnection(ctx, p.SessionID)
	if !ok {
		return &Result{Success: false, Error: "no pairing in progress"}, nil
	}

	for i := 0; i < h.pollAttempts; i++ {
		switch c.State() {
		case conn.StateAuthenticated:
			sess, err = h.registry.Get(ctx, p.SessionID)
			if err != nil {
				return nil, err
			}
			return &Result{Success: true, Data: map[string]interface{}{
				"status": sess.Status,
				"phone":  sess.Phone,
			}}, nil
		case conn.StateFailed, conn.StateDestroyed, conn.StateDisconnected:
			return &Result{Success: false, Error: "pairing ended without authentication"}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
	return &Result{Success: false, Error: "pairing still in progress"}, nil
}

// AuthValidation checks the stored key material and the live connection
// health, opening a connection when none exists. A session whose key
// material is gone cannot re-authenticate and is wiped and reset; a session
// whose socket is merely flaky stays paired and is just reported unhealthy.
func (h *Handlers) AuthValidation(ctx context.Context, job *queue.Job) (*Result, error) {
	var p AuthValidationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "auth_validation: payload")
	}

	sess, err := h.registry.GetForOwner(ctx, p.SessionID, p.OwnerID)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{"status": sess.Status}
	if sess.Status != domain.SessionPaired {
		data["healthy"] = false
		return &Result{Success: true, Data: data}, nil
	}

	res := h.reconcileSession(ctx, sess)
	if res.err != nil && res.repaired == "" {
		return nil, res.err
	}
	data["healthy"] = res.healthy
	data["connection_state"] = res.state
	data["credentials_valid"] = res.repaired != "credentials_wiped"
	if res.repaired == "credentials_wiped" {
		data["status"] = domain.SessionUnauthenticated
	} else {
		data["phone"] = sess.Phone
	}
	if res.err != nil {
		data["error"] = res.err.Error()
	}
	return &Result{Success: true, Data: data}, nil
}

// Logout tears down the connection, wipes credential rows and resets the
// session. Every step is idempotent, so a logout with no live connection
// still succeeds.
func (h *Handlers) Logout(ctx context.Context, job *queue.Job) (*Result, error) {
	var p LogoutPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "logout: payload")
	}

	if _, err := h.registry.GetForOwner(ctx, p.SessionID, p.OwnerID); err != nil {
		return nil, err
	}
	if err := h.pool.LogoutConnection(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if err := h.creds.Clear(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if err := h.registry.ResetUnauthenticated(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return &Result{Success: true}, nil
}
