package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/wagate/wagate/internal/campaign"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/protocol"
	"github.com/wagate/wagate/internal/queue"
	"github.com/wagate/wagate/internal/sessions"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type scriptedClient struct {
	events    chan protocol.Event
	closeOnce sync.Once
}

func (c *scriptedClient) Connect(ctx context.Context) error { return nil }
func (c *scriptedClient) Disconnect()                       { c.closeOnce.Do(func() { close(c.events) }) }
func (c *scriptedClient) Logout(ctx context.Context) error  { return nil }
func (c *scriptedClient) Events() <-chan protocol.Event     { return c.events }
func (c *scriptedClient) SendMessage(ctx context.Context, recipient, text string) (string, error) {
	return "id-" + recipient, nil
}

// scriptedFactory pre-loads each new client with a fixed event sequence.
type scriptedFactory struct {
	script []protocol.Event
}

func (f *scriptedFactory) NewClient(adapter protocol.CredentialAdapter) (protocol.Client, error) {
	c := &scriptedClient{events: make(chan protocol.Event, 8)}
	for _, evt := range f.script {
		c.events <- evt
	}
	return c, nil
}

type handlerFixture struct {
	db       *gorm.DB
	registry *sessions.Registry
	creds    *credstore.Store
	pool     *conn.Pool
	handlers *Handlers
}

func newHandlerFixture(t *testing.T, script []protocol.Event) *handlerFixture {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	registry := sessions.NewRegistry(db)
	creds := credstore.NewStore(db)
	pool := conn.NewPool(registry, creds, &scriptedFactory{script: script}, nil, conn.PoolConfig{
		ReadyPollAttempts: 50,
		ReadyPollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(pool.Shutdown)

	campaigns := campaign.NewStore(db)
	handlers := NewHandlers(registry, creds, pool, campaigns, campaign.NewEngine(campaigns, pool, nil), nil)
	handlers.pollAttempts = 50
	handlers.pollInterval = 5 * time.Millisecond
	return &handlerFixture{db: db, registry: registry, creds: creds, pool: pool, handlers: handlers}
}

func jobFor(t *testing.T, payload interface{}) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: "job-1", Payload: data, Attempts: 1}
}

func TestQRGenerationReturnsRenderedCode(t *testing.T) {
	f := newHandlerFixture(t, []protocol.Event{protocol.QREvent{Code: "pair-me"}})
	sess, _ := f.registry.Create(context.Background(), 1, "qr")

	res, err := f.handlers.QRGeneration(context.Background(),
		jobFor(t, QRGenerationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("qr generation: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	qr, _ := res.Data["qr_code"].(string)
	if !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("qr_code = %.40s", qr)
	}

	// A repeat request returns the same unexpired code without a new client.
	again, err := f.handlers.QRGeneration(context.Background(),
		jobFor(t, QRGenerationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("second qr generation: %v", err)
	}
	if again.Data["qr_code"] != qr {
		t.Fatalf("repeat request rendered a different code")
	}
}

func TestQRGenerationEnforcesOwnership(t *testing.T) {
	f := newHandlerFixture(t, nil)
	sess, _ := f.registry.Create(context.Background(), 1, "qr")

	_, err := f.handlers.QRGeneration(context.Background(),
		jobFor(t, QRGenerationPayload{SessionID: sess.ID, OwnerID: 99}))
	if err != domain.ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestPairingVerificationReportsOutcome(t *testing.T) {
	f := newHandlerFixture(t, []protocol.Event{
		protocol.QREvent{Code: "pair-me"},
		protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111"},
	})
	sess, _ := f.registry.Create(context.Background(), 1, "verify")

	if _, err := f.pool.CreateConnection(context.Background(), sess.ID, 1); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	res, err := f.handlers.PairingVerification(context.Background(),
		jobFor(t, PairingVerificationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	if !res.Success || res.Data["phone"] != "628111" {
		t.Fatalf("result = %+v", res)
	}
}

func TestPairingVerificationWithoutConnection(t *testing.T) {
	f := newHandlerFixture(t, nil)
	sess, _ := f.registry.Create(context.Background(), 1, "verify")

	res, err := f.handlers.PairingVerification(context.Background(),
		jobFor(t, PairingVerificationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	if res.Success {
		t.Fatalf("result = %+v, want business failure", res)
	}
}

func TestAuthValidationReportsWithoutFlipping(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "validate")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
	err := f.creds.Set(ctx, sess.ID, map[string]map[string][]byte{
		"creds": {"": []byte("blob")},
	})
	if err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	// Valid credentials but the opened connection never authenticates: the
	// session is reported unhealthy and its status is kept.
	res, err := f.handlers.AuthValidation(ctx,
		jobFor(t, AuthValidationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if !res.Success || res.Data["healthy"] != false {
		t.Fatalf("result = %+v", res)
	}
	if res.Data["credentials_valid"] != true {
		t.Fatalf("credentials_valid = %v", res.Data["credentials_valid"])
	}

	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionPaired {
		t.Fatalf("status flipped to %s", got.Status)
	}
}

func TestAuthValidationWipesMissingCredentials(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "validate")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}

	res, err := f.handlers.AuthValidation(ctx,
		jobFor(t, AuthValidationPayload{SessionID: sess.ID, OwnerID: 1}))
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if !res.Success || res.Data["credentials_valid"] != false {
		t.Fatalf("result = %+v", res)
	}

	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", got.Status)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "logout")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
	err := f.creds.Set(ctx, sess.ID, map[string]map[string][]byte{
		"creds": {"": []byte("blob")},
	})
	if err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	payload := jobFor(t, LogoutPayload{SessionID: sess.ID, OwnerID: 1})
	for i := 0; i < 2; i++ {
		res, err := f.handlers.Logout(ctx, payload)
		if err != nil || !res.Success {
			t.Fatalf("logout round %d = %+v, %v", i, res, err)
		}
	}

	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionUnauthenticated || got.Phone != "" {
		t.Fatalf("session after logout = %+v", got)
	}
	var count int64
	f.db.Model(&domain.Credential{}).Where("session_id = ?", sess.ID).Count(&count)
	if count != 0 {
		t.Fatalf("credential rows left: %d", count)
	}
}

func TestHealthCheckWipesSessionWithoutCredentials(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "orphan")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}

	// Paired in the database but no stored key material: unresumable.
	res, err := f.handlers.HealthCheck(ctx,
		jobFor(t, HealthCheckPayload{Scope: ScopeSession, SessionID: sess.ID}))
	if err != nil || !res.Success {
		t.Fatalf("health check = %+v, %v", res, err)
	}
	if res.Data["repaired"] != "credentials_wiped" {
		t.Fatalf("repaired = %v", res.Data["repaired"])
	}

	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", got.Status)
	}
}

func TestHealthCheckAllPairedReconnects(t *testing.T) {
	f := newHandlerFixture(t, []protocol.Event{
		protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111"},
	})
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "stale")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
	err := f.creds.Set(ctx, sess.ID, map[string]map[string][]byte{
		"creds": {"": []byte("blob")},
	})
	if err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	res, err := f.handlers.HealthCheck(ctx, jobFor(t, HealthCheckPayload{Scope: ScopeAllPaired}))
	if err != nil || !res.Success {
		t.Fatalf("health check = %+v, %v", res, err)
	}
	if res.Data["healthy"] != 1 || res.Data["repaired"] != 1 {
		t.Fatalf("counts = %+v", res.Data)
	}

	c, ok := f.pool.GetConnection(ctx, sess.ID)
	if !ok || c.State() != conn.StateAuthenticated {
		t.Fatalf("connection not re-established")
	}
}

func TestHealthCheckInactiveReconcilesStaleSessions(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "stale")
	if err := f.registry.MarkPaired(ctx, sess.ID, "628111", ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
	// Idle past the threshold and without stored key material: unresumable.
	if err := f.db.Model(&domain.Session{}).Where("id = ?", sess.ID).
		Update("last_used_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age session: %v", err)
	}

	res, err := f.handlers.HealthCheck(ctx, jobFor(t, HealthCheckPayload{Scope: ScopeInactive}))
	if err != nil || !res.Success {
		t.Fatalf("health check = %+v, %v", res, err)
	}
	if res.Data["inactive"] != 1 || res.Data["repaired"] != 1 {
		t.Fatalf("counts = %+v", res.Data)
	}

	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", got.Status)
	}
}

func TestHealthCheckInactivePurgesExpiredQR(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Create(ctx, 1, "stale-qr")
	if err := f.registry.SetQR(ctx, sess.ID, "qr", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("set qr: %v", err)
	}

	res, err := f.handlers.HealthCheck(ctx, jobFor(t, HealthCheckPayload{Scope: ScopeInactive}))
	if err != nil || !res.Success {
		t.Fatalf("health check = %+v, %v", res, err)
	}
	if res.Data["purged_qr"] != int64(1) {
		t.Fatalf("purged_qr = %v", res.Data["purged_qr"])
	}
	got, _ := f.registry.Get(ctx, sess.ID)
	if got.Status != domain.SessionUnauthenticated {
		t.Fatalf("status = %s", got.Status)
	}
}
