package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/cmd/internal/transport"
	"chatsync/cmd/internal/transport/transporttest"
	v1 "chatsync/shared/contracts/realtime/v1"
)

func newManager(t *testing.T, f *transporttest.Fake) *Manager {
	t.Helper()
	cfg := fastConfig()
	m := NewManager(NewVerifier(f, cfg), cfg)
	t.Cleanup(m.Close)
	return m
}

func TestManager_StartIsImmediateAndVerifiesInBackground(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := transporttest.NewFake()
	f.CallFunc = func(ctx context.Context, _ string, _ any) (transport.Reply, error) {
		select {
		case <-release:
			return okReply()
		case <-ctx.Done():
			return transport.Reply{}, ctx.Err()
		}
	}
	m := newManager(t, f)
	defer close(release)

	s, err := m.Start(context.Background(), validToken(t, time.Hour))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.UserID != "u1" {
		t.Fatalf("UserID=%q want=u1", s.UserID)
	}
	cur, ok := m.Current()
	if !ok || cur.UserID != "u1" {
		t.Fatalf("Current=%+v,%v", cur, ok)
	}

	eventually(t, func() bool { return len(f.Calls(v1.OpVerifyToken)) >= 1 })
	if n := len(f.Calls(v1.OpRefreshToken)); n != 0 {
		t.Fatalf("refresh calls=%d want=0", n)
	}
}

func TestManager_StartRefreshesInsideExpiryBuffer(t *testing.T) {
	t.Parallel()

	next := validToken(t, 2*time.Hour)
	f := transporttest.NewFake()
	f.CallFunc = func(_ context.Context, op string, _ any) (transport.Reply, error) {
		if op == v1.OpRefreshToken {
			return refreshReply(next)
		}
		return okReply()
	}
	m := newManager(t, f)

	changed := make(chan Session, 1)
	m.OnChange(func(s Session) { changed <- s })

	if _, err := m.Start(context.Background(), validToken(t, 2*time.Minute)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case s := <-changed:
		if s.Token != next {
			t.Fatalf("changed token mismatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no OnChange after refresh")
	}
	if cur, _ := m.Current(); cur.Token != next {
		t.Fatalf("Current not replaced")
	}
}

func TestManager_RejectedLogsOut(t *testing.T) {
	t.Parallel()

	f := transporttest.NewFake()
	f.CallFunc = func(context.Context, string, any) (transport.Reply, error) {
		return transport.Reply{OK: false, Message: "revoked"}, nil
	}
	m := newManager(t, f)

	ended := make(chan error, 1)
	m.OnLogout(func(err error) { ended <- err })

	if _, err := m.Start(context.Background(), validToken(t, time.Hour)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-ended:
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("logout err=%v want ErrRejected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no logout after rejection")
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("session still active after rejection")
	}
}

func TestManager_ExpiredTokenWithoutRefreshLogsOut(t *testing.T) {
	t.Parallel()

	f := transporttest.NewFake()
	f.CallFunc = func(context.Context, string, any) (transport.Reply, error) {
		return transport.Reply{}, transport.ErrTimeout
	}
	m := newManager(t, f)

	ended := make(chan error, 1)
	m.OnLogout(func(err error) { ended <- err })

	if _, err := m.Start(context.Background(), validToken(t, -time.Minute)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-ended:
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("logout err=%v want ErrSessionExpired", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no logout for an expired token")
	}
}

func TestManager_UnreachableAuthorityKeepsSession(t *testing.T) {
	t.Parallel()

	f := transporttest.NewFake()
	f.CallFunc = func(context.Context, string, any) (transport.Reply, error) {
		return transport.Reply{}, transport.ErrUnavailable
	}
	m := newManager(t, f)
	m.OnLogout(func(err error) { t.Errorf("unexpected logout: %v", err) })

	if _, err := m.Start(context.Background(), validToken(t, time.Hour)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, func() bool { return len(f.Calls()) == 3 })
	eventually(t, func() bool { return m.Verifier().Valid() })

	if _, ok := m.Current(); !ok {
		t.Fatalf("session dropped while the authority was unreachable")
	}
}

func TestManager_StartRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	m := newManager(t, transporttest.NewFake())
	if _, err := m.Start(context.Background(), "garbage"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("Start err=%v want ErrMalformedToken", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("malformed token installed")
	}
}

func TestManager_RunRechecksPeriodically(t *testing.T) {
	t.Parallel()

	f := transporttest.NewFake()
	f.CallFunc = func(context.Context, string, any) (transport.Reply, error) { return okReply() }

	cfg := fastConfig()
	cfg.RecheckInterval = 20 * time.Millisecond
	m := NewManager(NewVerifier(f, cfg), cfg)
	defer m.Close()

	if _, err := m.Start(context.Background(), validToken(t, time.Hour)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	eventually(t, func() bool { return len(f.Calls(v1.OpVerifyToken)) >= 3 })
	cancel()
	<-done
}

func TestManager_LogoutResets(t *testing.T) {
	t.Parallel()

	f := transporttest.NewFake()
	f.CallFunc = func(context.Context, string, any) (transport.Reply, error) { return okReply() }
	m := newManager(t, f)

	var got []error
	m.OnLogout(func(err error) { got = append(got, err) })

	if _, err := m.Start(context.Background(), validToken(t, time.Hour)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, func() bool { return m.Verifier().State() == StateConfirmed })

	m.Logout()
	m.Logout()

	if len(got) != 1 || got[0] != nil {
		t.Fatalf("logout callbacks=%v want one nil", got)
	}
	if m.Verifier().State() != StateUnverified || m.Verifier().Valid() {
		t.Fatalf("verifier not reset")
	}
}
