package relay

import "errors"

var (
	// ErrInvalidToken is returned for a token that is malformed, badly signed or carries no user id.
	ErrInvalidToken = errors.New("relay: invalid token")

	// ErrExpiredToken is returned for a token past its expiry (or past the refresh grace).
	ErrExpiredToken = errors.New("relay: token expired")

	// ErrWeakSecret is returned by NewAuthority for a signing secret shorter than MinSecretBytes.
	ErrWeakSecret = errors.New("relay: signing secret too short")

	// ErrNotRegistered is returned for events sent before register.
	ErrNotRegistered = errors.New("relay: connection not registered")

	// ErrForbidden is returned when an event names a user other than the registered one.
	ErrForbidden = errors.New("relay: forbidden")

	// ErrInvalidInput is returned for payloads that fail validation.
	ErrInvalidInput = errors.New("relay: invalid input")
)
