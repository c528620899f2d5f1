package session

import "errors"

var (
	// ErrRejected is returned when the authority explicitly refuses a token. It is never retried.
	ErrRejected = errors.New("session: token rejected")

	// ErrUnconfirmed is returned when every attempt failed and the token cannot be accepted locally.
	ErrUnconfirmed = errors.New("session: token could not be confirmed")

	// ErrMalformedToken is returned when a token cannot be decoded.
	ErrMalformedToken = errors.New("session: malformed token")

	// ErrSessionExpired is reported on logout when an expired token could not be refreshed.
	ErrSessionExpired = errors.New("session: expired")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("session: invalid config")
)
