package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errIdle marks a Down event caused by the idle reaper rather than a fault.
var errIdle = errors.New("gateway: connection idle")

// Manager defaults.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultIdleTimeout    = 30 * time.Minute

	eventBuffer     = 128
	idleSweepPeriod = time.Minute
)

// ManagerConfig tunes one route's connection manager.
type ManagerConfig struct {
	// InitialBackoff and MaxBackoff bound the exponential redial schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// IdleTimeout closes a connection that has not sent anything for this
	// long. Zero keeps the default; negative disables idle closing.
	IdleTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Manager holds one vendor route's live connection, redialing on demand.
// Acquire is safe from multiple goroutines; only one dial runs at a time and
// every waiter observes its result.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	logger *slog.Logger
	events chan Event

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	nextConnID atomic.Uint64

	mu      sync.Mutex
	conn    Transport
	connID  uint64
	lastUse time.Time
	dialing chan struct{}
	closed  bool
}

func NewManager(cfg ManagerConfig, dialer Dialer, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		logger:     logger.With("component", "gateway_manager", "vendor", string(dialer.Vendor())),
		events:     make(chan Event, eventBuffer),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// Events is the stream of connection observations. The channel is never
// closed; consumers stop reading when their own context ends.
func (m *Manager) Events() <-chan Event { return m.events }

// Start runs the idle reaper until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.IdleTimeout < 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(idleSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.lifeCtx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// Acquire returns the live transport, dialing one if needed. It blocks
// through the backoff schedule until a dial succeeds, ctx ends, or the
// manager closes.
func (m *Manager) Acquire(ctx context.Context) (Transport, uint64, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if m.conn != nil {
			conn, id := m.conn, m.connID
			m.lastUse = time.Now()
			m.mu.Unlock()
			return conn, id, nil
		}
		if m.dialing == nil {
			m.dialing = make(chan struct{})
			go m.dialLoop()
		}
		wait := m.dialing
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-m.lifeCtx.Done():
			return nil, 0, ErrClosed
		case <-wait:
		}
	}
}

// dialLoop tries until one dial lands or the manager closes, then wakes every
// Acquire waiter.
func (m *Manager) dialLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		connID := m.nextConnID.Add(1)
		conn, err := m.dialer.Dial(m.lifeCtx, m.events, connID)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				_ = conn.Close()
				m.finishDial()
				return
			}
			m.conn = conn
			m.connID = connID
			m.lastUse = time.Now()
			m.mu.Unlock()
			m.logger.Info("connected", "conn_id", connID)
			m.finishDial()
			return
		}

		wait := bo.NextBackOff()
		m.logger.Warn("dial failed, backing off", "error", err, "retry_in", wait)
		select {
		case <-m.lifeCtx.Done():
			m.finishDial()
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) finishDial() {
	m.mu.Lock()
	if m.dialing != nil {
		close(m.dialing)
		m.dialing = nil
	}
	m.mu.Unlock()
}

// Discard drops the connection identified by connID after a send failure and
// reports it on the event stream. Stale conn ids are ignored, so concurrent
// senders hitting the same broken connection retire it once.
func (m *Manager) Discard(connID uint64, err error) {
	m.mu.Lock()
	if m.conn == nil || m.connID != connID {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn("connection discarded", "conn_id", connID, "error", err)
	m.events <- Event{ConnID: connID, Err: err}
}

// Forget drops the connection identified by connID without emitting an
// event, for when the transport already reported its own failure. Stale ids
// are ignored.
func (m *Manager) Forget(connID uint64) {
	m.mu.Lock()
	if m.conn == nil || m.connID != connID {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Debug("connection forgotten", "conn_id", connID)
}

// Connected reports whether a live transport is held right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	if m.conn == nil || time.Since(m.lastUse) < m.cfg.IdleTimeout {
		m.mu.Unlock()
		return
	}
	conn, connID := m.conn, m.connID
	m.conn = nil
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Info("idle connection closed", "conn_id", connID)
	m.events <- Event{ConnID: connID, Err: errIdle}
}

// Close retires the connection and fails all future Acquires.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.lifeCancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
