// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Options tune session lifetime handling
type Options struct {
	// RefreshMargin re-establishes sessions this long before they expire
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	// IdleTTL drops sessions that were not used for this long
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// MaxSessions bounds the number of identities kept at once
	MaxSessions int `yaml:"max_sessions"`
	// LoginTimeout bounds a single login or logout call
	LoginTimeout time.Duration `yaml:"login_timeout"`
}

// DefaultOptions returns the default session options
func DefaultOptions() Options {
	return Options{
		RefreshMargin: 30 * time.Second,
		IdleTTL:       30 * time.Minute,
		MaxSessions:   256,
		LoginTimeout:  15 * time.Second,
	}
}

// TransportFactory builds the transport used for one identity.
type TransportFactory func(cfg storagedef.VendorConfig) (storagedef.Transport, error)

// LoginObserver is told about every login attempt.
type LoginObserver func(vendor storagedef.VendorType, err error)

// Option configures a Manager
type Option func(*Manager)

// WithTransportFactory overrides how per-identity transports are built.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLoginObserver registers a callback invoked after each login attempt.
func WithLoginObserver(o LoginObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager keeps one session per identity.
type Manager struct {
	opts         Options
	log          *slog.Logger
	newTransport TransportFactory
	now          func() time.Time
	observer     LoginObserver

	mu      sync.Mutex
	entries *expirable.LRU[string, *entry]
	group   singleflight.Group
}

type entry struct {
	key       string
	cfg       storagedef.VendorConfig
	auth      Authenticator
	transport storagedef.Transport

	mu         sync.RWMutex
	session    *Session
	generation uint64
}

func (e *entry) current() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// NewManager creates a session manager
func NewManager(opts Options, log *slog.Logger, options ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultOptions()
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = def.RefreshMargin
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = def.IdleTTL
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = def.MaxSessions
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = def.LoginTimeout
	}

	m := &Manager{
		opts:         opts,
		log:          log.With("component", "session-manager"),
		newTransport: storagedef.TransportForConfig,
		now:          time.Now,
	}
	for _, o := range options {
		o(m)
	}
	m.entries = expirable.NewLRU[string, *entry](opts.MaxSessions, m.onEvict, opts.IdleTTL)
	return m
}

// Ensure returns a handle holding a valid session for cfg, logging in when
// no session exists or the current one is about to expire.
func (m *Manager) Ensure(ctx context.Context, cfg storagedef.VendorConfig, auth Authenticator) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := m.lookup(cfg, auth)
	if err != nil {
		return nil, err
	}

	s := e.current()
	if !s.Valid(m.now(), m.opts.RefreshMargin) {
		if _, err := m.refresh(ctx, e, s.Generation()); err != nil {
			return nil, err
		}
	}
	return &Handle{m: m, e: e}, nil
}

func (m *Manager) lookup(cfg storagedef.VendorConfig, auth Authenticator) (*entry, error) {
	key := cfg.Identity()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries.Get(key); ok {
		// re-adding restarts the idle timer
		m.entries.Add(key, e)
		return e, nil
	}

	t, err := m.newTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", cfg.Endpoint, err)
	}
	e := &entry{key: key, cfg: cfg, auth: auth, transport: t}
	m.entries.Add(key, e)
	return e, nil
}

// refresh logs in unless a session newer than staleGen is already in
// place. Concurrent callers for the same identity share one login, which
// runs detached from any single caller's cancellation.
func (m *Manager) refresh(ctx context.Context, e *entry, staleGen uint64) (*Session, error) {
	ch := m.group.DoChan(e.key, func() (any, error) {
		e.mu.Lock()
		cur := e.session
		if cur != nil && e.generation != staleGen && cur.Valid(m.now(), m.opts.RefreshMargin) {
			e.mu.Unlock()
			return cur, nil
		}
		if e.generation == staleGen {
			// a rejected or expired session is never handed out again
			e.session = nil
		}
		e.mu.Unlock()

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LoginTimeout)
		defer cancel()

		start := m.now()
		s, err := e.auth.Login(lctx, e.transport, e.cfg)
		if m.observer != nil {
			m.observer(e.cfg.Vendor, err)
		}
		if err != nil {
			var aerr *storagedef.AuthError
			if !errors.As(err, &aerr) {
				err = LoginFailed(e.cfg, 0, err)
			}
			m.log.Warn("login failed", "array", e.cfg.Name, "vendor", e.cfg.Vendor, "endpoint", e.cfg.Endpoint, "error", err)
			return nil, err
		}

		e.mu.Lock()
		e.generation++
		s.generation = e.generation
		e.session = s
		e.mu.Unlock()

		m.log.Debug("session established",
			"array", e.cfg.Name,
			"vendor", e.cfg.Vendor,
			"generation", s.generation,
			"expires_at", s.ExpiresAt,
			"duration", m.now().Sub(start),
		)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			m.log.Debug("joined in-flight login", "array", e.cfg.Name)
		}
		return r.Val.(*Session), nil
	}
}

// Len returns the number of identities currently tracked.
func (m *Manager) Len() int {
	return m.entries.Len()
}

// Close logs out every session whose vendor supports it and forgets all
// identities.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries.Values()
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := m.logout(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	// sessions are already released, so eviction callbacks are no-ops
	m.mu.Lock()
	m.entries.Purge()
	m.mu.Unlock()
	return errors.Join(errs...)
}

func (m *Manager) logout(ctx context.Context, e *entry) error {
	lo, ok := e.auth.(Logouter)
	if !ok {
		return nil
	}
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, m.opts.LoginTimeout)
	defer cancel()
	if err := lo.Logout(lctx, e.transport, e.cfg, s); err != nil {
		m.log.Debug("logout failed", "array", e.cfg.Name, "error", err)
		return fmt.Errorf("logout %s: %w", e.cfg.Name, err)
	}
	m.log.Debug("session closed", "array", e.cfg.Name)
	return nil
}

// onEvict runs under the LRU lock, so the logout happens elsewhere.
func (m *Manager) onEvict(_ string, e *entry) {
	if _, ok := e.auth.(Logouter); !ok || e.current() == nil {
		return
	}
	go func() {
		_ = m.logout(context.Background(), e)
	}()
}

// Handle binds a caller to the session of one identity.
type Handle struct {
	m *Manager
	e *entry
}

// Config returns the config the session was established for.
func (h *Handle) Config() storagedef.VendorConfig { return h.e.cfg }

// Transport returns the transport shared by requests of this identity.
func (h *Handle) Transport() storagedef.Transport { return h.e.transport }

// Current returns the session in place now.
func (h *Handle) Current() *Session { return h.e.current() }

// Apply decorates req with the current credentials and returns the session
// used, so that a rejection can be attributed to it.
func (h *Handle) Apply(req *storagedef.Request) *Session {
	s := h.e.current()
	if s != nil {
		s.Decorate(req)
	}
	return s
}

// Observe folds Set-Cookie updates from a response into cookie sessions.
func (h *Handle) Observe(resp *storagedef.RawResponse) {
	if resp == nil || len(resp.Header.Values("Set-Cookie")) == 0 {
		return
	}
	updates := resp.Cookies()
	if len(updates) == 0 {
		return
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.e.session == nil || len(h.e.session.Cookies) == 0 {
		return
	}
	h.e.session = h.e.session.withCookies(updates)
}

// Reauthenticate replaces the stale session. When another caller already
// replaced it, the newer session is returned without a second login.
func (h *Handle) Reauthenticate(ctx context.Context, stale *Session) (*Session, error) {
	return h.m.refresh(ctx, h.e, stale.Generation())
}
