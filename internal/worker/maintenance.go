package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/queue"
	"github.com/wagate/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// MaintenanceHandlers returns the handler set for the maintenance queue.
func (h *Handlers) MaintenanceHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		TypeHealthCheck: h.HealthCheck,
	}
}

// HealthCheck runs one of the periodic reconciliation scopes. The cron jobs
// enqueue these so the checks share the workers' rate limiting and retry
// handling instead of running inline in the scheduler.
func (h *Handlers) HealthCheck(ctx context.Context, job *queue.Job) (*Result, error) {
	var p HealthCheckPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "connection_health_check: payload")
	}

	switch p.Scope {
	case ScopeSession:
		return h.checkSession(ctx, p.SessionID)
	case ScopeAllPaired:
		return h.checkAllPaired(ctx)
	case ScopeInactive:
		return h.checkInactive(ctx)
	default:
		return &Result{Success: false, Error: "unknown scope: " + p.Scope}, nil
	}
}

// sessionHealth is the per-session reconciliation outcome.
type sessionHealth struct {
	healthy  bool
	repaired string
	state    string
	err      error
}

// reconcileSession brings one paired session back toward a healthy live
// connection. A session whose stored credentials are gone cannot be resumed,
// so it is wiped and reset to unauthenticated. A dead connection is dropped
// and recreated; a missing one is created. Sessions mid-connect or
// mid-pairing are left alone.
func (h *Handlers) reconcileSession(ctx context.Context, sess *domain.Session) sessionHealth {
	blobs, err := h.creds.Get(ctx, sess.ID, credstore.StaticCredentialKey, nil)
	if err != nil {
		return sessionHealth{err: err}
	}
	if len(blobs) == 0 {
		h.pool.RemoveConnection(sess.ID)
		if err := h.creds.Clear(ctx, sess.ID); err != nil {
			return sessionHealth{err: err}
		}
		if err := h.registry.ResetUnauthenticated(ctx, sess.ID); err != nil {
			return sessionHealth{err: err}
		}
		h.log.Info("paired session had no stored credentials, reset",
			zap.Int64("session_id", sess.ID))
		return sessionHealth{repaired: "credentials_wiped", state: "none"}
	}

	if c, ok := h.pool.GetConnection(ctx, sess.ID); ok {
		switch c.State() {
		case conn.StateAuthenticated:
			return sessionHealth{healthy: true, state: string(c.State())}
		case conn.StateConnecting, conn.StateWaitingQR:
			return sessionHealth{state: string(c.State())}
		}
		// Dead socket still in the map; drop it and reconnect below.
		h.pool.RemoveConnection(sess.ID)
	}

	c, err := h.pool.CreateConnection(ctx, sess.ID, sess.OwnerID)
	if err != nil {
		h.log.Warn("failed to reconnect paired session",
			zap.Int64("session_id", sess.ID), zap.Error(err))
		return sessionHealth{repaired: "reconnect_failed", state: "none", err: err}
	}
	if terr := h.registry.TouchLastUsed(ctx, sess.ID); terr != nil {
		h.log.Warn("failed to refresh last-used timestamp",
			zap.Int64("session_id", sess.ID), zap.Error(terr))
	}
	return sessionHealth{healthy: true, repaired: "reconnected", state: string(c.State())}
}

func (h *Handlers) checkSession(ctx context.Context, sessionID int64) (*Result, error) {
	sess, err := h.registry.Get(ctx, sessionID)
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
	if res.repaired != "" {
		data["repaired"] = res.repaired
	}
	if res.err != nil {
		data["error"] = res.err.Error()
	}
	return &Result{Success: true, Data: data}, nil
}

// checkAllPaired reconciles every paired session, reconnecting dead
// connections and wiping sessions whose credentials are gone.
func (h *Handlers) checkAllPaired(ctx context.Context) (*Result, error) {
	paired, err := h.registry.ListPaired(ctx)
	if err != nil {
		return nil, err
	}
	healthy, repaired, degraded := 0, 0, 0
	for i := range paired {
		res := h.reconcileSession(ctx, &paired[i])
		switch {
		case res.healthy:
			healthy++
			if res.repaired != "" {
				repaired++
			}
		case res.repaired != "":
			repaired++
			degraded++
		default:
			degraded++
		}
	}
	metrics.SetGauge("paired_sessions", int64(len(paired)))
	metrics.SetGauge("healthy_connections", int64(healthy))
	return &Result{Success: true, Data: map[string]interface{}{
		"paired":   len(paired),
		"healthy":  healthy,
		"repaired": repaired,
		"degraded": degraded,
	}}, nil
}

// checkInactive purges expired pairing codes, reconciles paired sessions
// idle beyond the threshold, then runs one pool sweep pass. Reconciled
// sessions get their last-used refreshed, so the sweep only evicts what the
// reconciliation could not revive.
func (h *Handlers) checkInactive(ctx context.Context) (*Result, error) {
	purged, err := h.registry.PurgeExpiredQR(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	threshold := 30 * time.Minute
	if h.settings != nil {
		if v := h.settings.GetSettingsInt64Value("pool", "idle_timeout"); v > 0 {
			threshold = time.Duration(v) * time.Second
		}
	}
	stale, err := h.registry.ListInactiveSince(ctx, time.Now().Add(-threshold))
	if err != nil {
		return nil, err
	}
	healthy, repaired := 0, 0
	for i := range stale {
		res := h.reconcileSession(ctx, &stale[i])
		if res.healthy {
			healthy++
		}
		if res.repaired != "" {
			repaired++
		}
	}

	h.pool.Sweep()
	return &Result{Success: true, Data: map[string]interface{}{
		"purged_qr":   purged,
		"inactive":    len(stale),
		"healthy":     healthy,
		"repaired":    repaired,
		"connections": h.pool.Count(),
	}}, nil
}
