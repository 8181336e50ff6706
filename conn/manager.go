// Package conn owns the process-wide Redis connection and replaces it when a
// sustained run of transport errors suggests it has silently died.
//
// The go-redis client already reconnects on its own, so a single socket error
// is not enough to act on. The Manager groups transport errors into episodes
// and only forces a reconnect once an episode has lasted at least the grace
// period without going quiet for longer than the episode timeout. Forced
// reconnects are additionally spaced by a minimum interval.
//
// Basic usage:
//
//	mgr, err := conn.Connect(ctx, conn.Config{URL: "redis://localhost:6379/0"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	client, err := mgr.Client()
//	if err != nil {
//		return err
//	}
//	if err := client.Get(ctx, "k").Err(); err != nil {
//		mgr.CheckError(err)
//		return err
//	}
package conn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Dialer opens a verified client for the given options.
type Dialer func(ctx context.Context, opts *redis.Options) (*redis.Client, error)

// Manager hands out the current Redis client and repairs it on demand.
// It is safe for concurrent use. Client never blocks on a reconnect.
type Manager struct {
	cfg    Config
	dial   Dialer
	now    func() time.Time
	logger *logrus.Entry

	client atomic.Pointer[redis.Client]

	ready     chan struct{}
	startOnce sync.Once
	startErr  error

	// reconnectLock is a single-slot token; holding it guards firstError and
	// previousError.
	reconnectLock chan struct{}
	firstError    time.Time
	previousError time.Time
	lastReconnect atomic.Int64

	closeMu sync.RWMutex
	closed  atomic.Bool
	wg      sync.WaitGroup

	reconnects      atomic.Int64
	episodes        atomic.Int64
	transportErrors atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for reconnect events.
func WithLogger(logger *logrus.Entry) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now for the reconnect heuristic.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDialer replaces the default dial-and-ping Dialer.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// New validates cfg and returns a Manager that has not connected yet.
// Call Start before handing it to dependents, or use Connect.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	m := &Manager{
		cfg:           cfg,
		dial:          dialAndPing,
		now:           time.Now,
		logger:        logrus.NewEntry(discard),
		ready:         make(chan struct{}),
		reconnectLock: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect creates a Manager and establishes the first connection.
// A store that is unreachable at startup is fatal: no Manager is returned.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Start dials the first connection. Only the first call does any work; later
// calls return the same result. Readiness is signalled either way.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		defer close(m.ready)

		client, err := m.open(ctx)
		if err != nil {
			m.startErr = fmt.Errorf("%w: %w", ErrConnect, err)
			return
		}
		m.client.Store(client)
		m.logger.Info("redis connection established")
	})
	return m.startErr
}

// Ready is closed once the initial connection attempt has completed.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the initial connection attempt has completed and
// returns its error, or until ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns the current connection. It returns ErrNotInitialized until
// Start has succeeded and ErrManagerClosed after Close.
func (m *Manager) Client() (*redis.Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	client := m.client.Load()
	if client == nil {
		return nil, ErrNotInitialized
	}
	return client, nil
}

// CheckError inspects an error returned by a Redis operation. Transport
// errors return true and start the reconnect heuristic in the background;
// anything else returns false and leaves the Manager untouched.
func (m *Manager) CheckError(err error) bool {
	if Classify(err) != KindTransport {
		return false
	}
	m.transportErrors.Add(1)

	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed.Load() {
		return true
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forceReconnect()
	}()
	return true
}

// Healthcheck pings the current connection. A failed ping is fed to
// CheckError so probes take part in the reconnect heuristic.
func (m *Manager) Healthcheck(ctx context.Context) error {
	client, err := m.Client()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		m.CheckError(err)
		return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
	}
	return nil
}

// Close waits for in-flight reconnects and closes the current connection.
// Errors from closing are logged, never returned.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	if !m.closed.CompareAndSwap(false, true) {
		m.closeMu.Unlock()
		return nil
	}
	m.closeMu.Unlock()

	m.wg.Wait()

	if client := m.client.Swap(nil); client != nil {
		if err := client.Close(); err != nil {
			m.logger.WithError(err).Warn("redis: error closing connection")
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of Manager counters.
type Stats struct {
	Connected       bool      `json:"connected"`
	Reconnects      int64     `json:"reconnects"`
	Episodes        int64     `json:"episodes"`
	TransportErrors int64     `json:"transport_errors"`
	LastReconnect   time.Time `json:"last_reconnect,omitzero"`
}

// Stats returns current counters. Safe to call at any time.
func (m *Manager) Stats() Stats {
	s := Stats{
		Connected:       m.client.Load() != nil && !m.closed.Load(),
		Reconnects:      m.reconnects.Load(),
		Episodes:        m.episodes.Load(),
		TransportErrors: m.transportErrors.Load(),
	}
	if last := m.lastReconnect.Load(); last != 0 {
		s.LastReconnect = time.Unix(0, last)
	}
	return s
}

func (m *Manager) open(ctx context.Context) (*redis.Client, error) {
	opts, err := m.cfg.redisOptions()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	return m.dial(ctx, opts)
}

func dialAndPing(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
