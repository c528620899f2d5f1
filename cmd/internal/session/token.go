package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the identity decoded from a bearer token.
type Session struct {
	Token     string
	UserID    string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry. A token without exp never expires.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within buffer (or already has).
func (s Session) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(s.ExpiresAt)
}

var (
	userIDClaims = []string{"id", "userId", "user_id", "sub"}
	roleClaims   = []string{"role", "rol"}
)

// DecodeToken reads the claims of a JWT without verifying its signature.
func DecodeToken(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, fmt.Errorf("%w: empty", ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	// An unknown alg does not matter here: the signature is never checked client-side.
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return Session{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	s := Session{
		Token:  token,
		UserID: firstClaim(claims, userIDClaims),
		Email:  firstClaim(claims, []string{"email"}),
		Role:   firstClaim(claims, roleClaims),
	}
	if s.UserID == "" {
		return Session{}, fmt.Errorf("%w: no user id claim", ErrMalformedToken)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return Session{}, fmt.Errorf("%w: iat: %v", ErrMalformedToken, err)
	}
	if iat != nil {
		s.IssuedAt = iat.Time
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Session{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

func firstClaim(claims jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		if v := claimString(claims[k]); v != "" {
			return v
		}
	}
	return ""
}

func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
