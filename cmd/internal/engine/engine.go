// Package engine wires the session, presence and conversation components to their
// transports and routes inbound events between them.
//
// Session verification runs on its own transport. Messaging and presence share a second
// transport bound to the user identity; on every (re)connect the engine registers that
// identity again and re-requests presence for every known peer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/conversation"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/presence"
	"chatsync/cmd/internal/session"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// ErrNotStarted is returned by operations that need an active session.
var ErrNotStarted = errors.New("engine: no active session")

// Directory is the HTTP bootstrap source. *directory.Client implements it.
type Directory interface {
	Conversations(ctx context.Context, token string) ([]v1.ConversationSummary, error)
	History(ctx context.Context, token, peer string) ([]v1.MessagePayload, error)
	UnreadNotifications(ctx context.Context, token string) (int, error)
	MarkNotificationsRead(ctx context.Context, token string) (int, error)
}

// tokenSetter is implemented by transports that carry the session token in every frame.
type tokenSetter interface {
	SetToken(token string)
}

// Config groups the tunables of every component.
type Config struct {
	Session         session.Config
	ReconcileWindow time.Duration
	TypingTimeout   time.Duration
	TypingThrottle  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Session:         session.DefaultConfig(),
		ReconcileWindow: conversation.DefaultWindow,
		TypingTimeout:   conversation.DefaultTypingTimeout,
		TypingThrottle:  conversation.DefaultTypingThrottle,
	}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	metrics   *metrics.Sync
	now       func() time.Time
	dir       Directory
	onNotice  func(conversation.Notice)
	onChange  func(peerID string)
	onPeer    func(presence.Peer)
	onLogout  func(error)
	onNotify  func(count int)
	bootstrap time.Duration
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m *metrics.Sync) Option { return func(o *options) { o.metrics = m } }

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithDirectory enables the HTTP bootstrap.
func WithDirectory(d Directory) Option { return func(o *options) { o.dir = d } }

// WithNoticeHandler registers h for inbound messages from other users.
func WithNoticeHandler(h func(conversation.Notice)) Option {
	return func(o *options) { o.onNotice = h }
}

// WithConversationHandler registers h, called with the peer whose conversation changed.
func WithConversationHandler(h func(peerID string)) Option {
	return func(o *options) { o.onChange = h }
}

// WithPresenceHandler registers h, called for every presence change.
func WithPresenceHandler(h func(presence.Peer)) Option { return func(o *options) { o.onPeer = h } }

// WithLogoutHandler registers h, called when the session ends.
func WithLogoutHandler(h func(error)) Option { return func(o *options) { o.onLogout = h } }

// WithNotificationHandler registers h, called with the new unread notification count.
func WithNotificationHandler(h func(count int)) Option {
	return func(o *options) { o.onNotify = h }
}

// Engine is one signed-in client.
type Engine struct {
	cfg  Config
	log  *slog.Logger
	opts options

	sessT transport.Transport
	msgT  transport.Transport

	manager *session.Manager
	tracker *presence.Tracker
	conv    *conversation.Synchronizer

	unsubscribe func()

	mu            sync.Mutex
	token         string
	userID        string
	notifications int
	closed        bool
}

// New builds an Engine. sessionT carries verify-token/refresh-token; messagingT carries
// everything else. Both may be the same transport.
func New(cfg Config, log *slog.Logger, sessionT, messagingT transport.Transport, opts ...Option) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	o := options{now: time.Now, bootstrap: 10 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{
		cfg:   cfg,
		log:   log,
		opts:  o,
		sessT: sessionT,
		msgT:  messagingT,
	}

	sessOpts := []session.Option{
		session.WithLogger(log.With("component", "session")),
		session.WithMetrics(o.metrics),
		session.WithClock(o.now),
	}
	v := session.NewVerifier(sessionT, cfg.Session, sessOpts...)
	e.manager = session.NewManager(v, cfg.Session, sessOpts...)
	e.manager.OnChange(e.onSessionChange)
	e.manager.OnLogout(e.onSessionEnd)

	e.tracker = presence.New(messagingT,
		presence.WithLogger(log.With("component", "presence")),
		presence.WithClock(o.now),
		presence.WithChangeHandler(o.onPeer),
	)
	e.conv = conversation.New(messagingT, "",
		conversation.WithLogger(log.With("component", "conversation")),
		conversation.WithMetrics(o.metrics),
		conversation.WithClock(o.now),
		conversation.WithNoticeHandler(o.onNotice),
		conversation.WithChangeHandler(o.onChange),
		conversation.WithReconcileWindow(cfg.ReconcileWindow),
		conversation.WithTypingTimeout(cfg.TypingTimeout),
		conversation.WithTypingThrottle(cfg.TypingThrottle),
	)

	e.unsubscribe = messagingT.Subscribe(e.handle)
	return e
}

// Start installs token, connects the transports and bootstraps conversations and
// notifications. Verification runs in the background; Start only fails for a token that
// cannot be decoded.
func (e *Engine) Start(ctx context.Context, token string) (session.Session, error) {
	s, err := session.DecodeToken(token)
	if err != nil {
		return session.Session{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return session.Session{}, transport.ErrClosed
	}
	e.token = token
	e.userID = s.UserID
	e.notifications = 0
	e.mu.Unlock()

	e.setTransportToken(token)
	e.conv.SetUser(s.UserID)

	if e.sessT != e.msgT {
		e.connect(ctx, "session", e.sessT)
	}
	if e.connect(ctx, "messaging", e.msgT) {
		// Already open: no connect event will announce it.
		e.onConnect()
	}

	if _, err := e.manager.Start(ctx, token); err != nil {
		return session.Session{}, err
	}
	e.log.Info("engine.start", "user_id", s.UserID)

	e.bootstrap(ctx, token)
	return s, nil
}

// connect opens t unless it is already open, which it reports.
func (e *Engine) connect(ctx context.Context, name string, t transport.Transport) bool {
	if t.Connected() {
		return true
	}
	if err := t.Connect(ctx); err != nil {
		e.log.Info("engine.connect.fail", "transport", name, "err", err)
	}
	return false
}

// Run drives the background session re-check until ctx ends or the engine closes.
func (e *Engine) Run(ctx context.Context) { e.manager.Run(ctx) }

func (e *Engine) bootstrap(parent context.Context, token string) {
	if e.opts.dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, e.opts.bootstrap)
	defer cancel()

	if list, err := e.opts.dir.Conversations(ctx, token); err != nil {
		e.log.Info("engine.bootstrap.conversations.fail", "err", err)
	} else {
		e.conv.LoadSummaries(list)
		peers := make([]string, 0, len(list))
		for _, c := range list {
			peers = append(peers, c.PeerID)
		}
		if err := e.tracker.RequestBulkStatus(ctx, peers); err != nil {
			e.log.Info("engine.presence.request.fail", "err", err)
		}
	}

	if n, err := e.opts.dir.UnreadNotifications(ctx, token); err != nil {
		e.log.Info("engine.bootstrap.notifications.fail", "err", err)
	} else {
		e.setNotifications(func(int) int { return n })
	}
}

// handle runs on the messaging transport's read goroutine.
func (e *Engine) handle(ev transport.Event) {
	switch ev.Name {
	case v1.EventConnect:
		e.onConnect()
		return
	case v1.EventDisconnect:
		e.log.Info("engine.disconnect")
		return
	case v1.EventConnectError:
		e.log.Info("engine.connect_error", "payload", string(ev.Payload))
		return
	case v1.EventRegistered:
		e.log.Debug("engine.registered")
		return
	case v1.EventError:
		var p v1.ErrorPayload
		_ = ev.Decode(&p)
		e.log.Warn("engine.relay.error", "code", p.Code, "message", p.Message)
		return
	case v1.EventNewNotification:
		e.setNotifications(func(n int) int { return n + 1 })
		return
	}

	if e.tracker.HandleEvent(ev) {
		return
	}
	if e.conv.HandleEvent(ev) {
		return
	}
	e.log.Debug("engine.event.unhandled", "event", ev.Name)
}

// onConnect binds the connection to the user and refreshes presence of known peers.
func (e *Engine) onConnect() {
	e.mu.Lock()
	user, token := e.userID, e.token
	e.mu.Unlock()
	if user == "" {
		return
	}

	ctx := context.Background()
	if err := e.msgT.Emit(ctx, v1.EventRegister, v1.RegisterPayload{UserID: user, Token: token}); err != nil {
		e.log.Info("engine.register.fail", "err", err)
		return
	}
	if err := e.tracker.RequestBulkStatus(ctx, e.tracker.Known()); err != nil {
		e.log.Info("engine.presence.request.fail", "err", err)
	}
}

func (e *Engine) onSessionChange(s session.Session) {
	e.mu.Lock()
	e.token = s.Token
	e.mu.Unlock()
	e.setTransportToken(s.Token)
	e.log.Info("engine.token.refreshed", "user_id", s.UserID)
}

func (e *Engine) onSessionEnd(err error) {
	e.reset()
	if e.opts.onLogout != nil {
		e.opts.onLogout(err)
	}
}

func (e *Engine) reset() {
	e.mu.Lock()
	e.token = ""
	e.userID = ""
	e.notifications = 0
	e.mu.Unlock()

	e.setTransportToken("")
	e.conv.Reset()
	e.tracker.Reset()
}

func (e *Engine) setTransportToken(token string) {
	for _, t := range []transport.Transport{e.sessT, e.msgT} {
		if ts, ok := t.(tokenSetter); ok {
			ts.SetToken(token)
		}
	}
}

func (e *Engine) setNotifications(next func(int) int) {
	e.mu.Lock()
	e.notifications = next(e.notifications)
	n := e.notifications
	e.mu.Unlock()
	if e.opts.onNotify != nil {
		e.opts.onNotify(n)
	}
}

// Send sends content to peer. The message is visible as pending at once.
func (e *Engine) Send(ctx context.Context, peer, content string) (conversation.Message, error) {
	return e.conv.Send(ctx, peer, content)
}

// Open opens the conversation with peer, merging the history fetched over HTTP and asking
// for the peer's presence. A history failure is returned after the conversation is opened
// with what is already known.
func (e *Engine) Open(ctx context.Context, peer string) error {
	token := e.Token()
	if token == "" {
		return ErrNotStarted
	}

	var history []v1.MessagePayload
	var herr error
	if e.opts.dir != nil {
		history, herr = e.opts.dir.History(ctx, token, peer)
		if herr != nil {
			e.log.Info("engine.history.fail", "peer", peer, "err", herr)
			herr = fmt.Errorf("engine: history: %w", herr)
		}
	}

	if err := e.conv.Open(ctx, peer, history); err != nil {
		return err
	}
	if err := e.tracker.RequestStatus(ctx, peer); err != nil {
		e.log.Info("engine.presence.request.fail", "peer", peer, "err", err)
	}
	return herr
}

// Leave closes the open conversation.
func (e *Engine) Leave() { e.conv.Leave() }

// Typing tells peer the local user is composing.
func (e *Engine) Typing(ctx context.Context, peer string) error { return e.conv.Typing(ctx, peer) }

// Presence returns the presence tracker.
func (e *Engine) Presence() *presence.Tracker { return e.tracker }

// Conversation returns the conversation synchronizer.
func (e *Engine) Conversation() *conversation.Synchronizer { return e.conv }

// Session returns the active session.
func (e *Engine) Session() (session.Session, bool) { return e.manager.Current() }

// State returns the verification state of the active token.
func (e *Engine) State() session.State { return e.manager.Verifier().State() }

// Token returns the active token, or "".
func (e *Engine) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Summaries returns the conversation list, most recent first.
func (e *Engine) Summaries() []conversation.Summary { return e.conv.Summaries() }

// UnreadMessages returns the number of conversations whose last message is unread.
func (e *Engine) UnreadMessages() int { return e.conv.UnreadCount() }

// UnreadNotifications returns the unread notification count.
func (e *Engine) UnreadNotifications() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifications
}

// ClearNotifications marks every notification read on the relay (when a directory is
// configured) and resets the local count. The local count is reset even when the relay
// call fails.
func (e *Engine) ClearNotifications(ctx context.Context) error {
	var err error
	if token := e.Token(); token != "" && e.opts.dir != nil {
		if _, err = e.opts.dir.MarkNotificationsRead(ctx, token); err != nil {
			e.log.Info("engine.notifications.clear.fail", "err", err)
			err = fmt.Errorf("engine: clear notifications: %w", err)
		}
	}
	e.setNotifications(func(int) int { return 0 })
	return err
}

// Logout ends the session and drops every conversation and presence entry.
func (e *Engine) Logout() {
	e.manager.Logout()
	e.reset()
}

// Close stops background work and closes both transports.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	e.manager.Close()
	e.conv.Reset()

	err := e.sessT.Close()
	if e.msgT != e.sessT {
		err = errors.Join(err, e.msgT.Close())
	}
	return err
}
