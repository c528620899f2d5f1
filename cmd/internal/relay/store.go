package relay

import (
	"context"
	"fmt"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"
)

// History window bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	Seq            int64
	ClientMsgID    string
	SenderID       string
	ReceiverID     string
	Content        string
	SentAt         time.Time
	ReadAt         *time.Time
}

// Peer returns the other participant from userID's point of view.
func (m StoredMessage) Peer(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Payload renders the message for the wire.
func (m StoredMessage) Payload() v1.MessagePayload {
	p := v1.MessagePayload{
		ID:          m.ID,
		ClientMsgID: m.ClientMsgID,
		EmisorID:    m.SenderID,
		ReceptorID:  m.ReceiverID,
		Contenido:   m.Content,
		FechaEnvio:  m.SentAt,
	}
	if m.ReadAt != nil {
		read := true
		at := *m.ReadAt
		p.Leido = &read
		p.ReadAt = &at
	}
	return p
}

// Notification is one stored user notification.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Message   string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Payload renders the notification for the wire.
func (n Notification) Payload() v1.NotificationPayload {
	return v1.NotificationPayload{ID: n.ID, Kind: n.Kind, Message: n.Message, At: n.CreatedAt}
}

// MessageStore persists direct messages and notifications.
//
// Requirements:
//   - Idempotency per (sender_id, client_msg_id) when a client message id is given
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - History ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	// Conversations returns the latest message of every conversation userID takes part in,
	// newest first.
	Conversations(ctx context.Context, userID string) ([]StoredMessage, error)
	// MarkRead marks every unread message partnerID sent to readerID and returns how many changed.
	MarkRead(ctx context.Context, readerID, partnerID string, at time.Time) (int, error)

	AddNotification(ctx context.Context, n Notification) (Notification, error)
	UnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error)

	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ClientMsgID string
	SenderID    string
	ReceiverID  string
	Content     string
	Now         time.Time
}

func (in AppendMessageInput) validate() error {
	if in.SenderID == "" || in.ReceiverID == "" || in.Content == "" {
		return fmt.Errorf("%w: sender, receiver and content are required", ErrInvalidInput)
	}
	return nil
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// HistoryInput selects a window of the conversation between UserID and PeerID.
// Without AfterSeq the most recent Limit messages are returned.
type HistoryInput struct {
	UserID   string
	PeerID   string
	AfterSeq *int64
	Limit    int
}

// HistoryResult contains the retrieved window, oldest first.
type HistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	if n > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return n
}

// conversationID is the order-independent key of the direct conversation between a and b.
func conversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%s", len(a), a, b)
}
