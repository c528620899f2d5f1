package relay

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthority(t *testing.T, now *time.Time) *Authority {
	t.Helper()
	a, err := NewAuthority(testSecret, time.Hour, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if now != nil {
		a.now = func() time.Time { return *now }
	}
	return a
}

func TestNewAuthority_WeakSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthority(strings.Repeat("x", MinSecretBytes-1), time.Hour, 0); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("NewAuthority(short)=%v want=ErrWeakSecret", err)
	}
}

func TestAuthority_IssueVerify(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, nil)
	tok, err := a.Issue("u1", "u1@example.com", "member")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	c, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "u1" || c.Email != "u1@example.com" || c.Role != "member" {
		t.Fatalf("claims=%+v", c)
	}

	// Clients decode the same token without the secret.
	s, err := session.DecodeToken(tok)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if s.UserID != "u1" || s.ExpiresAt.IsZero() {
		t.Fatalf("decoded session=%+v", s)
	}

	if _, err := a.Issue(" ", "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Issue(blank)=%v want=ErrInvalidInput", err)
	}
}

func TestAuthority_VerifyRejects(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAuthority(t, &now)
	tok, err := a.Issue("u1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, err := NewAuthority(strings.Repeat("z", MinSecretBytes), time.Hour, 0)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(foreign)=%v want=ErrInvalidToken", err)
	}
	if _, err := a.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(garbage)=%v want=ErrInvalidToken", err)
	}
	if _, err := a.Verify(tok[:len(tok)-2] + "xx"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(tampered)=%v want=ErrInvalidToken", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := a.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify(expired)=%v want=ErrExpiredToken", err)
	}

	var nilAuth *Authority
	if _, err := nilAuth.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil Verify=%v want=ErrInvalidToken", err)
	}
}

func TestAuthority_Refresh(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{name: "valid", advance: time.Minute},
		{name: "expired within grace", advance: time.Hour + 5*time.Minute},
		{name: "expired past grace", advance: time.Hour + 11*time.Minute, wantErr: ErrExpiredToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			now := time.Now()
			a := newTestAuthority(t, &now)
			tok, err := a.Issue("u1", "e", "r")
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}

			now = now.Add(tc.advance)
			fresh, err := a.Refresh(tok)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Refresh err=%v want=%v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if fresh == tok {
				t.Fatalf("Refresh returned the same token")
			}
			c, err := a.Verify(fresh)
			if err != nil {
				t.Fatalf("Verify(fresh): %v", err)
			}
			if c.UserID != "u1" || c.Email != "e" || c.Role != "r" {
				t.Fatalf("fresh claims=%+v", c)
			}
		})
	}
}
