package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager holds the current session and applies the startup and background policies.
// It never blocks its caller on the network.
type Manager struct {
	v   *Verifier
	cfg Config
	log *slog.Logger
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  Session
	active   bool
	onChange func(Session)
	onLogout func(error)
}

// NewManager returns a Manager driving v.
func NewManager(v *Verifier, cfg Config, opts ...Option) *Manager {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		v:      v,
		cfg:    cfg.withDefaults(),
		log:    o.log,
		now:    o.now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnChange registers h, called after a refresh replaced the token.
func (m *Manager) OnChange(h func(Session)) {
	m.mu.Lock()
	m.onChange = h
	m.mu.Unlock()
}

// OnLogout registers h, called when the session ends. err is nil for a host logout.
func (m *Manager) OnLogout(h func(error)) {
	m.mu.Lock()
	m.onLogout = h
	m.mu.Unlock()
}

// Verifier returns the underlying verifier.
func (m *Manager) Verifier() *Verifier { return m.v }

// Start decodes token and installs it as the current session at once. A token inside the
// expiry buffer is refreshed in the background, any other token is verified in the background.
func (m *Manager) Start(ctx context.Context, token string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s, err := DecodeToken(token)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.current = s
	m.active = true
	m.mu.Unlock()

	m.v.Reset()
	refresh := s.NeedsRefresh(m.now(), m.cfg.ExpiryBuffer)
	m.log.Info("session.start", "user_id", s.UserID, "refresh", refresh)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if refresh {
			m.refresh(m.ctx, s)
			return
		}
		m.verify(m.ctx, s)
	}()
	return s, nil
}

// Run re-checks the session every RecheckInterval until ctx ends or the Manager is closed.
// Failures are only logged.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.RecheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	s, ok := m.Current()
	if !ok {
		return
	}
	now := m.now()
	if s.NeedsRefresh(now, m.cfg.ExpiryBuffer) {
		m.refresh(ctx, s)
		return
	}
	if s.Expired(now) {
		return
	}
	if err := m.v.Recheck(ctx, s.Token); err != nil {
		m.log.Info("session.recheck.skip", "err", err)
	}
}

// Current returns the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.active
}

// Logout ends the session on behalf of the host.
func (m *Manager) Logout() { m.end(nil) }

// Close stops background work and waits for it.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) verify(ctx context.Context, s Session) {
	ok, err := m.v.Verify(ctx, s.Token)
	switch {
	case errors.Is(err, ErrRejected):
		m.endIfCurrent(s.Token, err)
	case err != nil:
		m.log.Info("session.verify.fail", "err", err)
	case !ok:
		m.log.Info("session.verify.invalid")
	}
}

func (m *Manager) refresh(ctx context.Context, s Session) {
	next, err := m.v.Refresh(ctx, s.Token)
	if err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			m.endIfCurrent(s.Token, err)
		case s.Expired(m.now()):
			m.endIfCurrent(s.Token, fmt.Errorf("%w: %v", ErrSessionExpired, err))
		default:
			m.log.Info("session.refresh.deferred", "err", err)
		}
		return
	}

	ns, err := DecodeToken(next)
	if err != nil {
		m.log.Warn("session.refresh.bad_token", "err", err)
		return
	}

	m.mu.Lock()
	if !m.active || m.current.Token != s.Token {
		m.mu.Unlock()
		return
	}
	m.current = ns
	h := m.onChange
	m.mu.Unlock()

	if h != nil {
		h(ns)
	}
}

func (m *Manager) endIfCurrent(token string, err error) {
	m.mu.Lock()
	current := m.active && m.current.Token == token
	m.mu.Unlock()
	if current {
		m.end(err)
	}
}

func (m *Manager) end(err error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.current = Session{}
	h := m.onLogout
	m.mu.Unlock()

	m.v.Reset()
	if err != nil {
		m.log.Warn("session.logout", "err", err)
	} else {
		m.log.Info("session.logout")
	}
	if h != nil {
		h(err)
	}
}
