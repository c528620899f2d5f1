// Package v1 defines the chatsync structured event protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay and the client engine to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocols negotiated on the WebSocket handshake.
const (
	SubprotocolEvents = "chatsync.events.v1"
	SubprotocolFrames = "chatsync.frames.v1"
)

// Client -> server events.
const (
	EventRegister             = "register"
	EventSendMessage          = "send-message"
	EventTyping               = "typing"
	EventMarkConversationRead = "mark-conversation-read"
	EventGetUsersStatus       = "get-users-status"
	EventGetUserStatus        = "get-user-status"
)

// Server -> client events.
const (
	EventNewMessage      = "new-message"
	EventMessageSent     = "message-sent"
	EventMessagesRead    = "messages-read"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventUserStatus      = "user-status"
	EventUsersStatus     = "users-status"
	EventNewNotification = "new-notification"
	EventRegistered      = "registered"
	EventConnectError    = "connect_error"
	EventError           = "error"
)

// Correlated operations. Replies carry reply_to = request id.
const (
	OpVerifyToken  = "verify-token"
	OpRefreshToken = "refresh-token"
	TypeReply      = "reply"
)

// Local events synthesized by client transports; never sent on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if e.Type == TypeReply && strings.TrimSpace(e.ReplyTo) == "" {
		return errors.New("missing field: reply_to")
	}
	return nil
}

// KnownType reports whether typ is part of the v1 wire vocabulary.
func KnownType(typ string) bool {
	switch typ {
	case EventRegister,
		EventSendMessage,
		EventTyping,
		EventMarkConversationRead,
		EventGetUsersStatus,
		EventGetUserStatus,
		EventNewMessage,
		EventMessageSent,
		EventMessagesRead,
		EventUserOnline,
		EventUserOffline,
		EventUserStatus,
		EventUsersStatus,
		EventNewNotification,
		EventRegistered,
		EventConnectError,
		EventError,
		OpVerifyToken,
		OpRefreshToken,
		TypeReply:
		return true
	default:
		return false
	}
}

// IsCall reports whether typ is a correlated operation answered with a reply envelope.
func IsCall(typ string) bool {
	return typ == OpVerifyToken || typ == OpRefreshToken
}
