package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/ids"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the shortest HMAC secret NewAuthority accepts.
const MinSecretBytes = 32

// Claims is the JWT body issued by the relay. The user id travels in "id", which is
// what clients read.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Authority issues and checks HS256 bearer tokens.
type Authority struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

// NewAuthority returns an Authority. Tokens live for ttl and may be refreshed up to
// grace after they expire.
func NewAuthority(secret string, ttl, grace time.Duration) (*Authority, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if grace < 0 {
		grace = 0
	}
	return &Authority{secret: []byte(secret), ttl: ttl, grace: grace, now: time.Now}, nil
}

// Issue signs a new token for userID.
func (a *Authority) Issue(userID, email, role string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	now := a.now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	})
	return tok.SignedString(a.secret)
}

// Verify checks the signature and expiry of token.
func (a *Authority) Verify(token string) (Claims, error) {
	if a == nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	_, err := p.ParseWithClaims(strings.TrimSpace(token), &c, a.key)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case c.UserID == "":
		return Claims{}, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return c, nil
}

// Refresh exchanges a validly signed token, expired for at most the grace period,
// for a new one carrying the same identity.
func (a *Authority) Refresh(token string) (string, error) {
	if a == nil {
		return "", ErrInvalidToken
	}
	var c Claims
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := p.ParseWithClaims(strings.TrimSpace(token), &c, a.key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.UserID == "" || c.ExpiresAt == nil {
		return "", fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	if a.now().After(c.ExpiresAt.Add(a.grace)) {
		return "", ErrExpiredToken
	}
	return a.Issue(c.UserID, c.Email, c.Role)
}

func (a *Authority) key(*jwt.Token) (any, error) { return a.secret, nil }
