// Package conversation keeps per-peer message lists consistent with the relay.
//
// Sends are applied optimistically as pending messages and reconciled when the relay
// confirms them. Delivery and read receipts only ever move a message forward, so duplicate
// or reordered events are harmless.
package conversation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/ratelimit"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

var (
	// ErrNoUser is returned when the synchronizer has no local user.
	ErrNoUser = errors.New("conversation: no local user")

	// ErrEmptyMessage is returned for a blank message or a missing peer.
	ErrEmptyMessage = errors.New("conversation: empty message")
)

const (
	// DefaultTypingTimeout is how long a typing indicator lasts without a new event.
	DefaultTypingTimeout = 1500 * time.Millisecond

	// DefaultTypingThrottle is the minimum spacing of outgoing typing events per peer.
	DefaultTypingThrottle = 300 * time.Millisecond
)

type typingState struct {
	active bool
	gen    uint64
	timer  *time.Timer
}

// Synchronizer owns the conversations of one local user.
type Synchronizer struct {
	t        transport.Transport
	log      *slog.Logger
	metrics  *metrics.Sync
	now      func() time.Time
	window   time.Duration
	typingTO time.Duration
	throttle *ratelimit.Keyed

	onNotice func(Notice)
	onChange func(peerID string)

	mu        sync.Mutex
	self      string
	convs     map[string][]Message
	summaries map[string]Summary
	open      string
	typing    map[string]*typingState
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Sync) Option { return func(s *Synchronizer) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Synchronizer) { s.now = now } }

// WithNoticeHandler registers h for inbound messages from other users.
func WithNoticeHandler(h func(Notice)) Option { return func(s *Synchronizer) { s.onNotice = h } }

// WithChangeHandler registers h, called with the peer whose state changed.
func WithChangeHandler(h func(peerID string)) Option {
	return func(s *Synchronizer) { s.onChange = h }
}

// WithReconcileWindow sets the content matching window.
func WithReconcileWindow(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithTypingTimeout sets how long an inbound typing indicator lasts.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.typingTO = d
		}
	}
}

// WithTypingThrottle sets the minimum spacing of outgoing typing events per peer.
func WithTypingThrottle(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.throttle = ratelimit.NewKeyed(1, d)
		}
	}
}

// New returns a Synchronizer emitting on t for localUser.
func New(t transport.Transport, localUser string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		t:         t,
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
		window:    DefaultWindow,
		typingTO:  DefaultTypingTimeout,
		throttle:  ratelimit.NewKeyed(1, DefaultTypingThrottle),
		self:      localUser,
		convs:     make(map[string][]Message),
		summaries: make(map[string]Summary),
		typing:    make(map[string]*typingState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetUser binds the synchronizer to a local user, dropping state of any previous one.
func (s *Synchronizer) SetUser(id string) {
	s.mu.Lock()
	unchanged := s.self == id
	s.mu.Unlock()
	if !unchanged {
		s.Reset()
		s.mu.Lock()
		s.self = id
		s.mu.Unlock()
	}
}

// User returns the local user id.
func (s *Synchronizer) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Send appends a pending message at once and emits it. When the emit fails the message
// stays pending and the error is returned.
func (s *Synchronizer) Send(ctx context.Context, peer, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || peer == "" {
		return Message{}, ErrEmptyMessage
	}

	now := s.now().UTC()
	localID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("conversation: local id: %w", err)
	}

	s.mu.Lock()
	self := s.self
	if self == "" {
		s.mu.Unlock()
		return Message{}, ErrNoUser
	}
	m := Message{
		LocalID:     localID,
		ClientMsgID: localID,
		SenderID:    self,
		ReceiverID:  peer,
		Content:     content,
		SentAt:      now,
		Status:      StatusPending,
	}
	s.convs[peer] = append(s.convs[peer], m)
	s.setSummaryLocked(peer, m, false)
	s.mu.Unlock()
	s.changed(peer)

	err = s.t.Emit(ctx, v1.EventSendMessage, v1.SendMessagePayload{
		Contenido:   content,
		EmisorID:    self,
		ReceptorID:  peer,
		ClientMsgID: localID,
	})
	if err != nil {
		s.log.Info("conversation.send.fail", "peer", peer, "local_id", localID, "err", err)
		return m, fmt.Errorf("conversation: send: %w", err)
	}
	return m, nil
}

// Typing tells peer the local user is composing. Calls closer than the throttle are dropped.
func (s *Synchronizer) Typing(ctx context.Context, peer string) error {
	self := s.User()
	if self == "" {
		return ErrNoUser
	}
	if peer == "" || !s.throttle.Allow(peer, s.now()) {
		return nil
	}
	return s.t.Emit(ctx, v1.EventTyping, v1.TypingPayload{UserID: self, RecipientID: peer})
}

// Open makes peer the open conversation and merges its history. When the last message is
// unread it emits mark-conversation-read.
func (s *Synchronizer) Open(ctx context.Context, peer string, history []v1.MessagePayload) error {
	if peer == "" {
		return ErrEmptyMessage
	}
	now := s.now().UTC()

	s.mu.Lock()
	self := s.self
	if self == "" {
		s.mu.Unlock()
		return ErrNoUser
	}
	if s.open != "" && s.open != peer {
		s.clearTypingLocked(s.open)
	}
	s.open = peer

	conv := s.convs[peer]
	for _, p := range history {
		conv, _ = Reconcile(conv, withLocalID(FromPayload(p)), s.window)
	}
	slices.SortStableFunc(conv, func(a, b Message) int { return a.SentAt.Compare(b.SentAt) })
	for i := range conv {
		if conv[i].SenderID == peer {
			conv[i].advance(StatusDelivered, now)
		}
	}
	s.convs[peer] = conv

	markRead := false
	if n := len(conv); n > 0 {
		last := conv[n-1]
		markRead = unread(self, last)
		s.setSummaryLocked(peer, last, false)
	}
	s.mu.Unlock()
	s.changed(peer)

	if !markRead {
		return nil
	}
	return s.markRead(ctx, self, peer)
}

// Leave closes the open conversation.
func (s *Synchronizer) Leave() {
	s.mu.Lock()
	if s.open != "" {
		s.clearTypingLocked(s.open)
	}
	s.open = ""
	s.mu.Unlock()
}

// OpenPeer returns the open conversation's peer, or "".
func (s *Synchronizer) OpenPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// HandleEvent applies a messaging event and reports whether ev was one.
func (s *Synchronizer) HandleEvent(ev transport.Event) bool {
	switch ev.Name {
	case v1.EventMessageSent, v1.EventNewMessage:
		var p v1.MessagePayload
		if err := ev.Decode(&p); err != nil {
			s.log.Info("conversation.decode.fail", "event", ev.Name, "err", err)
			return true
		}
		s.onMessage(ev.Name, p)
		return true

	case v1.EventMessagesRead:
		var p v1.MarkReadPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Info("conversation.decode.fail", "event", ev.Name, "err", err)
			return true
		}
		s.onRead(p)
		return true

	case v1.EventTyping:
		var p v1.TypingPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Info("conversation.decode.fail", "event", ev.Name, "err", err)
			return true
		}
		s.onTyping(p)
		return true
	}
	return false
}

func (s *Synchronizer) onMessage(event string, p v1.MessagePayload) {
	now := s.now().UTC()
	in := withLocalID(FromPayload(p))

	s.mu.Lock()
	self := s.self
	if self == "" {
		s.mu.Unlock()
		return
	}
	peer := p.ReceptorID
	if p.EmisorID != self {
		peer = p.EmisorID
	}
	if peer == "" || (p.EmisorID != self && p.ReceptorID != self) {
		s.mu.Unlock()
		s.log.Info("conversation.message.foreign", "event", event, "id", p.ID)
		return
	}

	if p.EmisorID == self {
		// Confirmation of an own message: message-sent, or the new-message echo.
		if conv, ok := s.convs[peer]; ok {
			conv, i, match := reconcile(conv, in, s.window)
			s.convs[peer] = conv
			if match == MatchMiss {
				s.log.Warn("conversation.reconcile.miss", "peer", peer, "server_id", in.ServerID)
			}
			s.metrics.Reconciled(string(match))
			in = conv[i]
		}
		s.setSummaryLocked(peer, in, false)
		s.mu.Unlock()
		s.changed(peer)
		return
	}

	notify := true
	markRead := false
	if s.open == peer {
		in.advance(StatusDelivered, now)
		conv, i, match := reconcile(s.convs[peer], in, s.window)
		s.convs[peer] = conv
		in = conv[i]
		notify = match == MatchMiss
		markRead = unread(self, in)
		s.setSummaryLocked(peer, in, false)
	} else if s.setSummaryLocked(peer, in, true) {
		notify = false
	}
	h := s.onNotice
	s.mu.Unlock()

	s.changed(peer)
	if h != nil && notify {
		h(Notice{PeerID: peer, SenderID: p.EmisorID, Content: p.Contenido, At: in.SentAt})
	}
	if markRead {
		if err := s.markRead(context.Background(), self, peer); err != nil {
			s.log.Info("conversation.mark_read.fail", "peer", peer, "err", err)
		}
	}
}

// onRead applies messages-read {userId: reader, partnerId: author}.
func (s *Synchronizer) onRead(p v1.MarkReadPayload) {
	at := s.now().UTC()
	if p.ReadAt != nil {
		at = p.ReadAt.UTC()
	}

	s.mu.Lock()
	self := s.self
	var peer, author string
	switch {
	case self == "":
	case p.UserID == self:
		// Read by the local user, possibly on another device.
		peer, author = p.PartnerID, p.PartnerID
	case p.PartnerID == self:
		peer, author = p.UserID, self
	}
	if peer == "" {
		s.mu.Unlock()
		return
	}

	conv := s.convs[peer]
	changed := false
	for i := range conv {
		if conv[i].SenderID == author && conv[i].advance(StatusRead, at) {
			changed = true
		}
	}
	if sum, ok := s.summaries[peer]; ok && sum.LastMessage.SenderID == author {
		if sum.LastMessage.advance(StatusRead, at) || sum.Unread {
			sum.Unread = false
			s.summaries[peer] = sum
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.changed(peer)
	}
}

func (s *Synchronizer) onTyping(p v1.TypingPayload) {
	s.mu.Lock()
	if p.UserID == "" || p.UserID != s.open || (p.RecipientID != "" && p.RecipientID != s.self) {
		s.mu.Unlock()
		return
	}
	peer := p.UserID
	st := s.typing[peer]
	if st == nil {
		st = &typingState{}
		s.typing[peer] = st
	}
	st.gen++
	gen := st.gen
	wasActive := st.active
	st.active = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(s.typingTO, func() { s.expireTyping(peer, gen) })
	s.mu.Unlock()

	if !wasActive {
		s.changed(peer)
	}
}

func (s *Synchronizer) expireTyping(peer string, gen uint64) {
	s.mu.Lock()
	st := s.typing[peer]
	if st == nil || st.gen != gen || !st.active {
		s.mu.Unlock()
		return
	}
	st.active = false
	st.timer = nil
	s.mu.Unlock()
	s.changed(peer)
}

func (s *Synchronizer) clearTypingLocked(peer string) {
	if st := s.typing[peer]; st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.typing, peer)
	}
}

// IsTyping reports whether peer is currently typing to the local user.
func (s *Synchronizer) IsTyping(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.typing[peer]
	return st != nil && st.active
}

// Messages returns a copy of the conversation with peer.
func (s *Synchronizer) Messages(peer string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.convs[peer])
}

// LoadSummaries replaces the conversation list, recomputing every unread flag.
func (s *Synchronizer) LoadSummaries(list []v1.ConversationSummary) {
	s.mu.Lock()
	self := s.self
	next := make(map[string]Summary, len(list))
	for _, c := range list {
		if c.PeerID == "" {
			continue
		}
		next[c.PeerID] = Summary{
			PeerID:      c.PeerID,
			LastMessage: withLocalID(FromPayload(c.LastMessage)),
			Unread:      IsUnread(self, c.LastMessage),
		}
	}
	s.summaries = next
	s.mu.Unlock()
	s.changed("")
}

// Summaries returns the conversation list, most recent first.
func (s *Synchronizer) Summaries() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.LastMessage.SentAt.Compare(a.LastMessage.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(a.PeerID, b.PeerID)
	})
	return out
}

// UnreadCount returns the number of conversations whose last message is unread.
func (s *Synchronizer) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sum := range s.summaries {
		if sum.Unread {
			n++
		}
	}
	return n
}

// Reset drops every conversation and timer and unbinds the local user.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	for peer := range s.typing {
		s.clearTypingLocked(peer)
	}
	s.self = ""
	s.open = ""
	s.convs = make(map[string][]Message)
	s.summaries = make(map[string]Summary)
	s.mu.Unlock()
	s.throttle.Reset()
}

func (s *Synchronizer) markRead(ctx context.Context, self, peer string) error {
	err := s.t.Emit(ctx, v1.EventMarkConversationRead, v1.MarkReadPayload{UserID: self, PartnerID: peer})
	if err != nil {
		return fmt.Errorf("conversation: mark read: %w", err)
	}
	return nil
}

// setSummaryLocked records last as the latest message with peer. A repeat of the current
// last message is merged into it without regressing its status and can only clear Unread.
// It reports whether last was such a repeat.
func (s *Synchronizer) setSummaryLocked(peer string, last Message, markUnread bool) bool {
	cur, ok := s.summaries[peer]
	if ok && same(cur.LastMessage, last) {
		m := cur.LastMessage
		m.absorb(last)
		s.summaries[peer] = Summary{PeerID: peer, LastMessage: m, Unread: cur.Unread && unread(s.self, m)}
		return true
	}
	if ok && cur.LastMessage.SentAt.After(last.SentAt) {
		return false
	}
	s.summaries[peer] = Summary{PeerID: peer, LastMessage: last, Unread: markUnread && unread(s.self, last)}
	return false
}

func (s *Synchronizer) changed(peer string) {
	if s.onChange != nil {
		s.onChange(peer)
	}
}

func withLocalID(m Message) Message {
	if m.LocalID == "" {
		m.LocalID = ids.New()
	}
	return m
}
