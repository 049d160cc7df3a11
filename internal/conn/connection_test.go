package conn

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/protocol"
	"github.com/wagate/wagate/internal/sessions"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
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
	return db
}

type fakeClient struct {
	mu         sync.Mutex
	events     chan protocol.Event
	connectErr error
	sendFn     func(recipient, text string) (string, error)
	closed     bool
	closeOnce  sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan protocol.Event, 16)}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *fakeClient) Logout(ctx context.Context) error { return nil }

func (c *fakeClient) SendMessage(ctx context.Context, recipient, text string) (string, error) {
	if c.sendFn != nil {
		return c.sendFn(recipient, text)
	}
	return "msg-1", nil
}

func (c *fakeClient) Events() <-chan protocol.Event { return c.events }

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) emit(t *testing.T, evt protocol.Event) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		t.Fatalf("emit on closed client")
	}
	c.events <- evt
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	setup   func(*fakeClient)
}

func (f *fakeFactory) NewClient(adapter protocol.CredentialAdapter) (protocol.Client, error) {
	c := newFakeClient()
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.clients) {
		return nil
	}
	return f.clients[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestConn(t *testing.T, db *gorm.DB, factory *fakeFactory, status string, cfg Config) (*Connection, *domain.Session) {
	t.Helper()
	registry := sessions.NewRegistry(db)
	sess, err := registry.Create(context.Background(), 1, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if status != domain.SessionUnauthenticated {
		if err := db.Model(&domain.Session{}).Where("id = ?", sess.ID).
			Update("status", status).Error; err != nil {
			t.Fatalf("set status: %v", err)
		}
		sess.Status = status
	}
	creds := credstore.NewStore(db)
	return New(sess.ID, registry, credstore.NewAdapter(creds, sess.ID), factory, cfg), sess
}

func TestPairingFlow(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, sess := newTestConn(t, db, factory, domain.SessionUnauthenticated, Config{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	cli := factory.client(0)
	cli.emit(t, protocol.QREvent{Code: "pairing-code"})
	waitFor(t, "waiting_qr", func() bool { return c.State() == StateWaitingQR })

	var row domain.Session
	waitFor(t, "qr persisted", func() bool {
		db.First(&row, sess.ID)
		return row.QrCode != ""
	})
	if !strings.HasPrefix(row.QrCode, "data:image/png;base64,") {
		t.Fatalf("qr code not a data url: %.40s", row.QrCode)
	}
	if row.Status != domain.SessionQRPairing {
		t.Fatalf("status = %s, want qr_pairing", row.Status)
	}

	// A socket close while pairing must not resolve the wait or change state.
	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnClose, Reason: protocol.ReasonConnectionClosed})
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateWaitingQR {
		t.Fatalf("state after close during pairing = %s, want waiting_qr", got)
	}

	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111", DisplayName: "Tester"})

	res, err := c.WaitReady(context.Background())
	if err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if !res.Authenticated {
		t.Fatalf("wait result = %+v, want authenticated", res)
	}
	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", got)
	}

	db.First(&row, sess.ID)
	if row.Status != domain.SessionPaired || row.Phone != "628111" || row.QrCode != "" {
		t.Fatalf("session after pairing = %+v", row)
	}
}

func TestPairingTimeoutGivesUpGracefully(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, sess := newTestConn(t, db, factory, domain.SessionUnauthenticated, Config{
		PairingTimeout: 80 * time.Millisecond,
	})

	// Partial key material written during the attempt must not survive it.
	store := credstore.NewStore(db)
	err := store.Set(context.Background(), sess.ID, map[string]map[string][]byte{
		"pre-key": {"1": []byte("half-baked")},
	})
	if err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cli := factory.client(0)
	cli.emit(t, protocol.QREvent{Code: "pairing-code"})

	var row domain.Session
	waitFor(t, "qr persisted", func() bool {
		db.First(&row, sess.ID)
		return row.QrCode != ""
	})

	res, err := c.WaitReady(context.Background())
	if err != nil {
		t.Fatalf("pairing timeout must not be an error, got %v", err)
	}
	if !res.GaveUp || res.Authenticated {
		t.Fatalf("wait result = %+v, want gave-up", res)
	}

	db.First(&row, sess.ID)
	if row.QrCode != "" {
		t.Fatalf("qr code not cleared after timeout")
	}
	if row.Status != domain.SessionUnauthenticated {
		t.Fatalf("status after pairing timeout = %s, want unauthenticated", row.Status)
	}
	var count int64
	db.Model(&domain.Credential{}).Where("session_id = ?", sess.ID).Count(&count)
	if count != 0 {
		t.Fatalf("credential rows left after pairing timeout: %d", count)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestOverlappingConnectRejected(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, _ := newTestConn(t, db, factory, domain.SessionUnauthenticated, Config{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrConnectInProgress) {
		t.Fatalf("second connect = %v, want ErrConnectInProgress", err)
	}
}

func TestConnectAfterDestroyRejected(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, _ := newTestConn(t, db, factory, domain.SessionUnauthenticated, Config{})

	c.Disconnect()
	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("connect after destroy = %v, want ErrConnectionClosed", err)
	}
}

func TestSendMessageRequiresAuthenticated(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, _ := newTestConn(t, db, factory, domain.SessionUnauthenticated, Config{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := c.SendMessage(context.Background(), "628222", "hi")
	var notReady *domain.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("send = %v, want NotReadyError", err)
	}
	if notReady.State != string(StateConnecting) {
		t.Fatalf("not-ready state = %s, want connecting", notReady.State)
	}
}

func TestReconnectAttemptsAreBounded(t *testing.T) {
	db := testDB(t)
	dialFail := false
	var mu sync.Mutex
	factory := &fakeFactory{}
	factory.setup = func(c *fakeClient) {
		mu.Lock()
		if dialFail {
			c.connectErr = errors.New("dial refused")
		}
		mu.Unlock()
	}
	c, _ := newTestConn(t, db, factory, domain.SessionPaired, Config{
		ReconnectTimeout:     time.Second,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cli := factory.client(0)
	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111"})
	if res, err := c.WaitReady(context.Background()); err != nil || !res.Authenticated {
		t.Fatalf("wait ready = %+v, %v", res, err)
	}

	// Every later dial fails, so each reconnect attempt burns one slot.
	mu.Lock()
	dialFail = true
	mu.Unlock()
	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnClose, Reason: protocol.ReasonRestartRequired})

	waitFor(t, "failed state", func() bool { return c.State() == StateFailed })
	if n := factory.count(); n != 3 {
		t.Fatalf("clients built = %d, want 3 (initial + 2 reconnects)", n)
	}
}

func TestLoggedOutWipesCredentialsAndResetsSession(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, sess := newTestConn(t, db, factory, domain.SessionPaired, Config{})

	store := credstore.NewStore(db)
	err := store.Set(context.Background(), sess.ID, map[string]map[string][]byte{
		"creds": {"": []byte("blob")},
	})
	if err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cli := factory.client(0)
	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111"})
	if _, err := c.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnClose, Reason: protocol.ReasonLoggedOut})
	waitFor(t, "disconnected state", func() bool { return c.State() == StateDisconnected })

	var row domain.Session
	waitFor(t, "session reset", func() bool {
		db.First(&row, sess.ID)
		return row.Status == domain.SessionUnauthenticated
	})
	if row.Phone != "" {
		t.Fatalf("phone not cleared: %q", row.Phone)
	}

	var count int64
	db.Model(&domain.Credential{}).Where("session_id = ?", sess.ID).Count(&count)
	if count != 0 {
		t.Fatalf("credential rows left after logout: %d", count)
	}

	waitFor(t, "socket released", cli.isClosed)
}

func TestNonRestartCloseDoesNotReconnect(t *testing.T) {
	db := testDB(t)
	factory := &fakeFactory{}
	c, _ := newTestConn(t, db, factory, domain.SessionPaired, Config{
		ReconnectDelay: time.Millisecond,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cli := factory.client(0)
	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnOpen, Phone: "628111"})
	if _, err := c.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	cli.emit(t, protocol.ConnectionUpdate{State: protocol.ConnClose, Reason: protocol.ReasonConnectionClosed})
	waitFor(t, "disconnected state", func() bool { return c.State() == StateDisconnected })

	time.Sleep(30 * time.Millisecond)
	if n := factory.count(); n != 1 {
		t.Fatalf("clients built = %d, want 1 (no auto reconnect)", n)
	}
	// The dead socket must be released so its event loop exits.
	waitFor(t, "socket released", cli.isClosed)
}
