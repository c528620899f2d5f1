package conversation

import (
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"
)

// Status is the delivery state of a message. It only moves forward.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation. ServerID is empty until the relay confirms it.
// Zero DeliveredAt and ReadAt mean unset.
type Message struct {
	LocalID     string
	ServerID    string
	ClientMsgID string
	SenderID    string
	ReceiverID  string
	Content     string
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	Status      Status
}

// advance moves m to status to, filling only timestamps that are still unset.
// It reports whether anything changed; a lower or equal status is a no-op.
func (m *Message) advance(to Status, at time.Time) bool {
	if to <= m.Status {
		return false
	}
	m.Status = to
	if to >= StatusDelivered && m.DeliveredAt.IsZero() {
		m.DeliveredAt = at
	}
	if to == StatusRead && m.ReadAt.IsZero() {
		m.ReadAt = at
	}
	return true
}

// absorb copies the server view of the same logical message into m without regressing it.
func (m *Message) absorb(in Message) {
	if m.ServerID == "" {
		m.ServerID = in.ServerID
	}
	if m.ClientMsgID == "" {
		m.ClientMsgID = in.ClientMsgID
	}
	if in.Content != "" {
		m.Content = in.Content
	}
	if !in.SentAt.IsZero() {
		m.SentAt = in.SentAt
	}
	if m.DeliveredAt.IsZero() {
		m.DeliveredAt = in.DeliveredAt
	}
	if m.ReadAt.IsZero() {
		m.ReadAt = in.ReadAt
	}
	if in.Status > m.Status {
		m.Status = in.Status
	}
}

// FromPayload converts a server message. Its status is at least sent.
func FromPayload(p v1.MessagePayload) Message {
	m := Message{
		LocalID:     p.ID,
		ServerID:    p.ID,
		ClientMsgID: p.ClientMsgID,
		SenderID:    p.EmisorID,
		ReceiverID:  p.ReceptorID,
		Content:     p.Contenido,
		SentAt:      p.FechaEnvio,
		Status:      StatusSent,
	}
	if p.DeliveredAt != nil {
		m.DeliveredAt = *p.DeliveredAt
		m.Status = StatusDelivered
	}
	if IsRead(p) {
		m.Status = StatusRead
		switch {
		case p.ReadAt != nil:
			m.ReadAt = *p.ReadAt
		case p.FechaLectura != nil:
			m.ReadAt = *p.FechaLectura
		}
	}
	return m
}

// IsRead reports whether any of the historical read markers is set.
func IsRead(p v1.MessagePayload) bool {
	isTrue := func(b *bool) bool { return b != nil && *b }
	return isTrue(p.Leido) || isTrue(p.Read) || isTrue(p.IsRead) ||
		p.ReadAt != nil || p.FechaLectura != nil
}

// IsUnread reports whether p is unread for localUser: localUser received it and no read
// marker is set.
func IsUnread(localUser string, p v1.MessagePayload) bool {
	return localUser != "" && p.ReceptorID == localUser && !IsRead(p)
}

// unread is IsUnread for a local Message.
func unread(localUser string, m Message) bool {
	return localUser != "" && m.ReceiverID == localUser && m.Status < StatusRead
}

// Summary is one entry of the conversation list.
type Summary struct {
	PeerID      string
	LastMessage Message
	Unread      bool
}

// Notice is raised for an inbound message from another user.
type Notice struct {
	PeerID   string
	SenderID string
	Content  string
	At       time.Time
}
