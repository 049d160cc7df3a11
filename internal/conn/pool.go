package conn

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/protocol"
	"github.com/wagate/wagate/internal/sessions"
	"github.com/wagate/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// PoolConfig controls pool-level behavior on top of the per-connection
// Config.
type PoolConfig struct {
	Conn              Config
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	ReadyPollAttempts int
	ReadyPollInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.ReadyPollAttempts <= 0 {
		c.ReadyPollAttempts = 20
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 500 * time.Millisecond
	}
	return c
}

// Settings supplies runtime-tunable values; the application's config manager
// satisfies it. Optional.
type Settings interface {
	GetSettingsInt64Value(category, name string) int64
}

// Pool owns the live-connection map. It is accessed concurrently by the job
// workers; creating a connection for a session that already has one is an
// error, never a silent reuse.
type Pool struct {
	cfg      PoolConfig
	registry *sessions.Registry
	creds    *credstore.Store
	factory  protocol.ClientFactory
	settings Settings
	bus      EventBus.Bus
	log      *zap.Logger

	mu    sync.RWMutex
	conns map[int64]*Connection

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(registry *sessions.Registry, creds *credstore.Store,
	factory protocol.ClientFactory, settings Settings, cfg PoolConfig) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		registry: registry,
		creds:    creds,
		factory:  factory,
		settings: settings,
		bus:      EventBus.New(),
		log:      zap.L().Named("pool"),
		conns:    make(map[int64]*Connection),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic inactivity sweep.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Subscribe registers a listener for rebroadcast connection events.
func (p *Pool) Subscribe(fn func(Event)) error {
	return p.bus.Subscribe(topicPool, fn)
}

func (p *Pool) rebroadcast(evt Event) {
	p.bus.Publish(topicPool, evt)
}

// CreateConnection builds and connects a new Connection for the session
// after validating ownership. For sessions that are already paired it polls
// until the connection reports authenticated, failing loudly if it never
// does.
func (p *Pool) CreateConnection(ctx context.Context, sessionID, ownerID int64) (*Connection, error) {
	sess, err := p.registry.GetForOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	c := New(sessionID, p.registry, credstore.NewAdapter(p.creds, sessionID), p.factory, p.connConfig())

	p.mu.Lock()
	if _, exists := p.conns[sessionID]; exists {
		p.mu.Unlock()
		return nil, domain.ErrConnectionExists
	}
	if max := p.maxConnections(); max > 0 && len(p.conns) >= max {
		p.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrPoolExhausted, "%d connections held", max)
	}
	p.conns[sessionID] = c
	p.mu.Unlock()

	_ = c.Subscribe(p.rebroadcast)

	if err := c.Connect(ctx); err != nil {
		p.drop(sessionID)
		c.Disconnect()
		return nil, err
	}

	if sess.Status == domain.SessionPaired {
		ready := false
		for i := 0; i < p.cfg.ReadyPollAttempts; i++ {
			if c.State() == StateAuthenticated {
				ready = true
				break
			}
			select {
			case <-ctx.Done():
				p.RemoveConnection(sessionID)
				return nil, ctx.Err()
			case <-time.After(p.cfg.ReadyPollInterval):
			}
		}
		if !ready {
			p.RemoveConnection(sessionID)
			return nil, errors.Wrapf(domain.ErrNotReady, "session %d never became ready", sessionID)
		}
	}

	p.log.Info("connection created", zap.Int64("session_id", sessionID), zap.String("state", string(c.State())))
	return c, nil
}

// GetConnection returns the live connection, refreshing the session's
// last-used timestamp as a best-effort side effect.
func (p *Pool) GetConnection(ctx context.Context, sessionID int64) (*Connection, bool) {
	p.mu.RLock()
	c, ok := p.conns[sessionID]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if err := p.registry.TouchLastUsed(ctx, sessionID); err != nil {
		p.log.Warn("failed to refresh last-used timestamp", zap.Int64("session_id", sessionID), zap.Error(err))
	}
	return c, true
}

func (p *Pool) drop(sessionID int64) {
	p.mu.Lock()
	delete(p.conns, sessionID)
	p.mu.Unlock()
}

// RemoveConnection gracefully disconnects and drops the connection.
// Idempotent.
func (p *Pool) RemoveConnection(sessionID int64) {
	p.mu.Lock()
	c, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()
	if ok {
		c.Disconnect()
		p.log.Info("connection removed", zap.Int64("session_id", sessionID))
	}
}

// LogoutConnection performs a protocol logout (destroying re-auth material)
// before dropping the connection. A missing connection is not an error.
func (p *Pool) LogoutConnection(ctx context.Context, sessionID int64) error {
	p.mu.Lock()
	c, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Logout(ctx)
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// connConfig applies the settings-driven overrides on top of the static
// per-connection config.
func (p *Pool) connConfig() Config {
	cfg := p.cfg.Conn
	if p.settings != nil {
		if v := p.settings.GetSettingsInt64Value("messaging", "qr_expiry"); v > 0 {
			cfg.QRExpiry = time.Duration(v) * time.Second
		}
	}
	return cfg
}

func (p *Pool) maxConnections() int {
	if p.settings != nil {
		if v := p.settings.GetSettingsInt64Value("pool", "max_connections"); v > 0 {
			return int(v)
		}
	}
	return 0
}

func (p *Pool) idleTimeout() time.Duration {
	if p.settings != nil {
		if v := p.settings.GetSettingsInt64Value("pool", "idle_timeout"); v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return p.cfg.IdleTimeout
}

// sweep removes connections idle beyond the threshold. Connections that are
// mid-connect or mid-pairing are never swept regardless of age.
func (p *Pool) sweep() {
	p.mu.RLock()
	snapshot := make(map[int64]*Connection, len(p.conns))
	for id, c := range p.conns {
		snapshot[id] = c
	}
	p.mu.RUnlock()

	metrics.SetGauge("pool_connections", int64(len(snapshot)))
	threshold := p.idleTimeout()

	for id, c := range snapshot {
		st := c.State()
		if st == StateConnecting || st == StateWaitingQR {
			continue
		}
		sess, err := p.registry.Get(context.Background(), id)
		if err != nil {
			p.log.Warn("sweep failed to load session", zap.Int64("session_id", id), zap.Error(err))
			continue
		}
		idle := time.Since(sess.LastUsedAt)
		if idle > threshold {
			p.log.Info("evicting idle connection",
				zap.Int64("session_id", id),
				zap.Duration("idle", idle))
			p.RemoveConnection(id)
		}
	}
}

// Sweep runs one sweep pass immediately (used by tests and the maintenance
// worker).
func (p *Pool) Sweep() {
	p.sweep()
}

// Shutdown stops the sweep and disconnects every connection. Failures are
// logged and collected, never thrown.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[int64]*Connection)
	p.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	p.log.Info("pool shut down", zap.Int("connections", len(conns)))
}
