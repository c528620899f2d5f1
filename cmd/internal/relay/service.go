package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/cmd/internal/metrics"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Inbound is one decoded client event, independent of the wire protocol it arrived on.
// Token is the session token a legacy frame carries; structured clients leave it empty.
type Inbound struct {
	Type    string
	ID      string
	Token   string
	Payload json.RawMessage
}

// Service applies client events: registration, message relay with persistence,
// typing and read receipts, presence queries and token checks.
type Service struct {
	log     *slog.Logger
	hub     *Hub
	store   MessageStore
	auth    *Authority
	metrics *metrics.Relay
	now     func() time.Time
}

// NewService constructs a Service. A nil store falls back to the in-memory store.
func NewService(log *slog.Logger, hub *Hub, store MessageStore, auth *Authority, m *metrics.Relay) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if hub == nil {
		hub = NewHub(log, m)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Service{
		log:     log,
		hub:     hub,
		store:   store,
		auth:    auth,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Hub returns the connection registry.
func (s *Service) Hub() *Hub { return s.hub }

// Store returns the message store.
func (s *Service) Store() MessageStore { return s.store }

// Authority returns the token authority.
func (s *Service) Authority() *Authority { return s.auth }

// Handle applies one inbound event from c. Failures are reported to c as error events.
func (s *Service) Handle(ctx context.Context, c *Client, in Inbound) {
	err := s.dispatch(ctx, c, in)
	result := "ok"
	if err != nil {
		result = errorCode(err)
		s.log.Info("relay.event.fail", "type", in.Type, "session_id", c.SessionID, "user_id", c.UserID, "code", result, "err", err)
		s.SendError(c, result, err.Error())
	}
	s.metrics.Event(in.Type, result)
}

// Detach removes c from the hub and announces the user offline when it was their
// last connection.
func (s *Service) Detach(c *Client) {
	if c == nil || c.UserID == "" {
		return
	}
	now := s.now()
	if !s.hub.Detach(c, now) {
		return
	}
	s.hub.Broadcast(Outbound{
		Type:    v1.EventUserOffline,
		OK:      true,
		Payload: v1.UserStatus{UserID: c.UserID, Online: false, LastSeen: &now},
	}, c.UserID)
}

// Notify stores a notification for userID and pushes it to their connections.
func (s *Service) Notify(ctx context.Context, userID, kind, message string) (Notification, error) {
	n, err := s.store.AddNotification(ctx, Notification{UserID: userID, Kind: kind, Message: message, CreatedAt: s.now()})
	if err != nil {
		return Notification{}, fmt.Errorf("relay: notify: %w", err)
	}
	s.hub.SendTo(userID, Outbound{Type: v1.EventNewNotification, OK: true, Payload: n.Payload()})
	return n, nil
}

// SendError queues an error event on c.
func (s *Service) SendError(c *Client, code, msg string) {
	if !c.offer(Outbound{Type: v1.EventError, Payload: v1.ErrorPayload{Code: code, Message: msg}}) {
		s.metrics.Dropped()
	}
}

func (s *Service) dispatch(ctx context.Context, c *Client, in Inbound) error {
	switch in.Type {
	case v1.OpVerifyToken:
		return s.onVerify(c, in)
	case v1.OpRefreshToken:
		return s.onRefresh(c, in)
	case v1.EventRegister:
		return s.onRegister(c, in)
	}

	if c.UserID == "" {
		return ErrNotRegistered
	}

	switch in.Type {
	case v1.EventSendMessage:
		return s.onSend(ctx, c, in)
	case v1.EventTyping:
		return s.onTyping(c, in)
	case v1.EventMarkConversationRead:
		return s.onMarkRead(ctx, c, in)
	case v1.EventGetUsersStatus:
		return s.onUsersStatus(c, in)
	case v1.EventGetUserStatus:
		return s.onUserStatus(c, in)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidInput, in.Type)
	}
}

// ---- handlers ----

func (s *Service) onVerify(c *Client, in Inbound) error {
	tok := callToken(in)
	res := v1.TokenReply{Success: true}
	if _, err := s.auth.Verify(tok); err != nil {
		res = v1.TokenReply{Success: false, Message: tokenMessage(err)}
	}
	return s.reply(c, in, res.Success, res)
}

func (s *Service) onRefresh(c *Client, in Inbound) error {
	tok := callToken(in)
	fresh, err := s.auth.Refresh(tok)
	if err != nil {
		return s.reply(c, in, false, v1.TokenReply{Success: false, Message: tokenMessage(err)})
	}
	return s.reply(c, in, true, v1.TokenReply{Success: true, Token: fresh})
}

func (s *Service) onRegister(c *Client, in Inbound) error {
	var p v1.RegisterPayload
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	tok := strings.TrimSpace(p.Token)
	if tok == "" {
		tok = strings.TrimSpace(in.Token)
	}
	claims, err := s.auth.Verify(tok)
	if err != nil {
		return err
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID {
		return fmt.Errorf("%w: token belongs to another user", ErrForbidden)
	}

	if c.UserID != "" && c.UserID != userID {
		s.Detach(c)
		c.UserID = ""
	}
	if c.UserID == "" {
		c.UserID = userID
		if s.hub.Attach(c) {
			s.hub.Broadcast(Outbound{
				Type:    v1.EventUserOnline,
				OK:      true,
				Payload: v1.UserStatus{UserID: userID, Online: true},
			}, userID)
		}
	}

	return s.push(c, v1.EventRegistered, v1.RegisteredPayload{UserID: userID, SessionID: c.SessionID})
}

func (s *Service) onSend(ctx context.Context, c *Client, in Inbound) error {
	var p v1.SendMessagePayload
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	sender := strings.TrimSpace(p.EmisorID)
	if sender == "" {
		sender = c.UserID
	}
	if sender != c.UserID {
		return fmt.Errorf("%w: sender mismatch", ErrForbidden)
	}
	receiver := strings.TrimSpace(p.ReceptorID)
	if receiver == "" {
		return fmt.Errorf("%w: missing receptorID", ErrInvalidInput)
	}
	content := strings.TrimSpace(p.Contenido)
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidInput, maxMessageChars)
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ClientMsgID: strings.TrimSpace(p.ClientMsgID),
		SenderID:    sender,
		ReceiverID:  receiver,
		Content:     content,
		Now:         s.now(),
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}

	msg := res.Stored.Payload()
	if err := s.push(c, v1.EventMessageSent, msg); err != nil {
		return err
	}
	if res.Duplicated {
		return nil
	}
	s.metrics.Stored()

	out := Outbound{Type: v1.EventNewMessage, OK: true, Payload: msg}
	delivered := s.hub.SendTo(receiver, out)
	if receiver != sender {
		s.hub.SendTo(sender, out)
	}
	if delivered == 0 {
		if _, err := s.Notify(ctx, receiver, "message", "New message from "+sender); err != nil {
			s.log.Warn("relay.notify.fail", "user_id", receiver, "err", err)
		}
	}
	return nil
}

func (s *Service) onTyping(c *Client, in Inbound) error {
	var p v1.TypingPayload
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	recipient := strings.TrimSpace(p.RecipientID)
	if recipient == "" {
		return fmt.Errorf("%w: missing recipientId", ErrInvalidInput)
	}
	s.hub.SendTo(recipient, Outbound{
		Type:    v1.EventTyping,
		OK:      true,
		Payload: v1.TypingPayload{UserID: c.UserID, RecipientID: recipient},
	})
	return nil
}

func (s *Service) onMarkRead(ctx context.Context, c *Client, in Inbound) error {
	var p v1.MarkReadPayload
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	if u := strings.TrimSpace(p.UserID); u != "" && u != c.UserID {
		return fmt.Errorf("%w: reader mismatch", ErrForbidden)
	}
	partner := strings.TrimSpace(p.PartnerID)
	if partner == "" {
		return fmt.Errorf("%w: missing partnerId", ErrInvalidInput)
	}

	at := s.now()
	n, err := s.store.MarkRead(ctx, c.UserID, partner, at)
	if err != nil {
		return fmt.Errorf("store mark read: %w", err)
	}
	if n == 0 {
		return nil
	}

	out := Outbound{
		Type:    v1.EventMessagesRead,
		OK:      true,
		Payload: v1.MarkReadPayload{UserID: c.UserID, PartnerID: partner, ReadAt: &at},
	}
	s.hub.SendTo(c.UserID, out)
	if partner != c.UserID {
		s.hub.SendTo(partner, out)
	}
	return nil
}

func (s *Service) onUsersStatus(c *Client, in Inbound) error {
	var p v1.UsersStatusRequest
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	if len(p.UserIDs) > maxStatusBatch {
		return fmt.Errorf("%w: too many user ids: max=%d", ErrInvalidInput, maxStatusBatch)
	}

	seen := make(map[string]struct{}, len(p.UserIDs))
	users := make([]v1.UserStatus, 0, len(p.UserIDs))
	for _, id := range p.UserIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		users = append(users, s.hub.Status(id))
	}
	return s.push(c, v1.EventUsersStatus, v1.UsersStatusPayload{Users: users})
}

func (s *Service) onUserStatus(c *Client, in Inbound) error {
	var p v1.UserStatusRequest
	if err := decodePayload(in.Payload, &p); err != nil {
		return err
	}
	id := strings.TrimSpace(p.UserID)
	if id == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidInput)
	}
	return s.push(c, v1.EventUserStatus, s.hub.Status(id))
}

// ---- send helpers ----

func (s *Service) push(c *Client, typ string, payload any) error {
	if !c.offer(Outbound{Type: typ, OK: true, Payload: payload}) {
		s.metrics.Dropped()
		return fmt.Errorf("backpressure: %s", typ)
	}
	return nil
}

func (s *Service) reply(c *Client, in Inbound, ok bool, payload any) error {
	if !c.offer(Outbound{Type: v1.TypeReply, Op: in.Type, ReplyTo: in.ID, OK: ok, Payload: payload}) {
		s.metrics.Dropped()
		return fmt.Errorf("backpressure: %s reply", in.Type)
	}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", ErrInvalidInput, err)
	}
	return nil
}

func callToken(in Inbound) string {
	var p v1.TokenPayload
	if len(in.Payload) > 0 {
		_ = json.Unmarshal(in.Payload, &p)
	}
	if t := strings.TrimSpace(p.Token); t != "" {
		return t
	}
	return strings.TrimSpace(in.Token)
}

func tokenMessage(err error) string {
	if errors.Is(err, ErrExpiredToken) {
		return "token expired"
	}
	return "invalid token"
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
