package v1

import "time"

// ---- Payloads ----

// Result is the minimal body every reply carries.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TokenPayload is sent with verify-token and refresh-token.
type TokenPayload struct {
	Token string `json:"token"`
}

// TokenReply answers verify-token and refresh-token.
// Token is only set by refresh-token.
type TokenReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

// RegisterPayload binds a connection to a user identity.
type RegisterPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// RegisteredPayload acknowledges register.
type RegisteredPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// SendMessagePayload requests delivery of a new message.
// ClientMsgID is optional; relays that echo it let the sender reconcile exactly.
type SendMessagePayload struct {
	Contenido   string `json:"contenido"`
	EmisorID    string `json:"emisorID"`
	ReceptorID  string `json:"receptorID"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// MessagePayload is the server representation of a message.
//
// Several read markers exist for historical reasons; a message is read when any of them is set.
type MessagePayload struct {
	ID           string     `json:"id"`
	ClientMsgID  string     `json:"clientMsgId,omitempty"`
	EmisorID     string     `json:"emisorID"`
	ReceptorID   string     `json:"receptorID"`
	Contenido    string     `json:"contenido"`
	FechaEnvio   time.Time  `json:"fechaEnvio"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	Leido        *bool      `json:"leido,omitempty"`
	Read         *bool      `json:"read,omitempty"`
	IsRead       *bool      `json:"isRead,omitempty"`
	ReadAt       *time.Time `json:"readAt,omitempty"`
	FechaLectura *time.Time `json:"fechaLectura,omitempty"`
}

// TypingPayload signals that UserID is composing a message to RecipientID.
type TypingPayload struct {
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
}

// MarkReadPayload marks every message PartnerID sent to UserID as read.
// The relay echoes it as messages-read to both parties.
type MarkReadPayload struct {
	UserID    string     `json:"userId"`
	PartnerID string     `json:"partnerId"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// UsersStatusRequest asks for the presence of several users at once.
type UsersStatusRequest struct {
	UserIDs []string `json:"userIds"`
}

// UserStatusRequest asks for the presence of one user.
type UserStatusRequest struct {
	UserID string `json:"userId"`
}

// UserStatus is the presence of one user.
type UserStatus struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UsersStatusPayload answers get-users-status.
type UsersStatusPayload struct {
	Users []UserStatus `json:"users"`
}

// NotificationPayload is pushed with new-notification.
type NotificationPayload struct {
	ID      string    `json:"id,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	PeerID      string         `json:"peerId"`
	LastMessage MessagePayload `json:"lastMessage"`
}

// UnreadCountPayload answers the unread notification count endpoint.
type UnreadCountPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
