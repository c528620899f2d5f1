package relay_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/cmd/internal/conversation"
	"chatsync/cmd/internal/directory"
	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/relay"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	secret = "0123456789abcdef0123456789abcdef"
	origin = "http://127.0.0.1"
)

type relayServer struct {
	srv  *httptest.Server
	auth *relay.Authority
	svc  *relay.Service
}

func newRelayServer(t *testing.T, tune ...func(*relay.GatewayConfig)) *relayServer {
	t.Helper()

	auth, err := relay.NewAuthority(secret, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	svc := relay.NewService(nil, nil, relay.NewInMemoryStore(), auth, nil)

	cfg := relay.DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{origin}
	for _, f := range tune {
		f(&cfg)
	}
	gw := relay.NewGateway(nil, svc, cfg, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.Events())
	mux.Handle("/legacy", gw.Frames())
	relay.NewAPI(nil, svc).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &relayServer{srv: srv, auth: auth, svc: svc}
}

func (s *relayServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

func (s *relayServer) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := s.auth.Issue(user, user+"@example.com", "member")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *relayServer) engine(t *testing.T, user string, legacy bool) *engine.Engine {
	t.Helper()

	opts := transport.Options{
		Origin:            origin,
		CallTimeout:       2 * time.Second,
		ReconnectBase:     20 * time.Millisecond,
		HeartbeatInterval: -1,
	}
	var tr transport.Transport
	if legacy {
		opts.URL = s.wsURL("/legacy")
		tr = transport.NewLegacy(opts)
	} else {
		opts.URL = s.wsURL("/ws")
		tr = transport.NewStructured(opts)
	}

	dir, err := directory.New(s.srv.URL)
	if err != nil {
		t.Fatalf("directory.New: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Session.CallTimeout = 2 * time.Second
	cfg.Session.RetryDelay = 10 * time.Millisecond
	e := engine.New(cfg, nil, tr, tr, engine.WithDirectory(dir))
	t.Cleanup(func() { _ = e.Close() })

	if _, err := e.Start(context.Background(), s.token(t, user)); err != nil {
		t.Fatalf("Start(%s): %v", user, err)
	}
	return e
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lastStatus(e *engine.Engine, peer string) conversation.Status {
	msgs := e.Conversation().Messages(peer)
	if len(msgs) == 0 {
		return -1
	}
	return msgs[len(msgs)-1].Status
}

func TestEndToEnd_StructuredAndLegacyClients(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t)
	alice := s.engine(t, "alice", false)
	eventually(t, "alice online", func() bool { return s.svc.Hub().Status("alice").Online })

	bob := s.engine(t, "bob", true)
	eventually(t, "bob online for alice", func() bool {
		p, ok := alice.Presence().Get("bob")
		return ok && p.Online
	})

	ctx := context.Background()
	if _, err := alice.Send(ctx, "bob", "hello bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "alice message confirmed", func() bool { return lastStatus(alice, "bob") >= conversation.StatusSent })
	eventually(t, "bob sees unread conversation", func() bool { return bob.UnreadMessages() == 1 })

	if got := alice.Conversation().Messages("bob"); len(got) != 1 || got[0].ServerID == "" {
		t.Fatalf("alice messages=%+v want one confirmed message", got)
	}

	if err := bob.Open(ctx, "alice"); err != nil {
		t.Fatalf("bob Open: %v", err)
	}
	if got := bob.Conversation().Messages("alice"); len(got) != 1 || got[0].Content != "hello bob" {
		t.Fatalf("bob history=%+v", got)
	}
	eventually(t, "alice sees read receipt", func() bool { return lastStatus(alice, "bob") == conversation.StatusRead })
	eventually(t, "bob unread cleared", func() bool { return bob.UnreadMessages() == 0 })

	if err := alice.Typing(ctx, "bob"); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	eventually(t, "bob sees alice typing", func() bool { return bob.Conversation().IsTyping("alice") })

	if _, err := bob.Send(ctx, "alice", "hi alice"); err != nil {
		t.Fatalf("bob Send: %v", err)
	}
	eventually(t, "alice receives reply", func() bool { return len(alice.Conversation().Messages("bob")) == 2 })

	_ = bob.Close()
	eventually(t, "bob offline for alice", func() bool {
		p, ok := alice.Presence().Get("bob")
		return ok && !p.Online && !p.LastSeen.IsZero()
	})
}

func TestEndToEnd_OfflineNotificationBootstrap(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t)
	alice := s.engine(t, "alice", false)
	if _, err := alice.Send(context.Background(), "carol", "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "message stored", func() bool { return lastStatus(alice, "carol") >= conversation.StatusSent })

	carol := s.engine(t, "carol", false)
	eventually(t, "carol bootstrap", func() bool {
		return carol.UnreadNotifications() == 1 && len(carol.Summaries()) == 1
	})
	if got := carol.Summaries()[0]; got.PeerID != "alice" || !got.Unread {
		t.Fatalf("carol summary=%+v", got)
	}

	if err := carol.ClearNotifications(context.Background()); err != nil {
		t.Fatalf("ClearNotifications: %v", err)
	}
	if n, _ := s.svc.Store().UnreadNotifications(context.Background(), "carol"); n != 0 {
		t.Fatalf("relay unread after clear=%d want=0", n)
	}
}

func TestGateway_Rejects(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t)

	cases := []struct {
		name   string
		origin string
		proto  []string
		path   string
	}{
		{name: "missing origin", proto: []string{v1.SubprotocolEvents}, path: "/ws"},
		{name: "foreign origin", origin: "http://evil.example", proto: []string{v1.SubprotocolEvents}, path: "/ws"},
		{name: "no subprotocol", origin: origin, path: "/ws"},
		{name: "wrong subprotocol", origin: origin, proto: []string{v1.SubprotocolEvents}, path: "/legacy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			h := http.Header{}
			if tc.origin != "" {
				h.Set("Origin", tc.origin)
			}
			conn, _, err := websocket.Dial(ctx, s.wsURL(tc.path), &websocket.DialOptions{HTTPHeader: h, Subprotocols: tc.proto})
			if err != nil {
				return
			}
			defer conn.CloseNow()

			// Accepted at the HTTP layer: the server must close right away.
			if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusProtocolError {
				t.Fatalf("read err=%v want close %v", err, websocket.StatusProtocolError)
			}
		})
	}
}

func TestGateway_BadFramesKeepConnection(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", origin)
	conn, _, err := websocket.Dial(ctx, s.wsURL("/ws"), &websocket.DialOptions{HTTPHeader: h, Subprotocols: []string{v1.SubprotocolEvents}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	for _, frame := range []string{`{nope`, `{"v":"v1","type":"bogus"}`, `{"v":"v1","type":"typing","payload":{"recipientId":"x"}}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read after %q: %v", frame, err)
		}
		if !strings.Contains(string(data), `"type":"error"`) {
			t.Fatalf("reply to %q=%s want error envelope", frame, data)
		}
	}
}

func quickHeartbeat(cfg *relay.GatewayConfig) {
	cfg.ReadIdleTimeout = 300 * time.Millisecond
	cfg.HeartbeatEvery = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
}

func TestGateway_IdleHeartbeatingClientStaysConnected(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t, quickHeartbeat)

	tr := transport.NewStructured(transport.Options{
		URL:               s.wsURL("/ws"),
		Origin:            origin,
		CallTimeout:       2 * time.Second,
		ReconnectBase:     20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = tr.Close() })

	var disconnects atomic.Int32
	tr.Subscribe(func(ev transport.Event) {
		if ev.Name == v1.EventDisconnect {
			disconnects.Add(1)
		}
	})

	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Emit(ctx, v1.EventRegister, v1.RegisterPayload{UserID: "idle", Token: s.token(t, "idle")}); err != nil {
		t.Fatalf("Emit register: %v", err)
	}
	eventually(t, "idle online", func() bool { return s.svc.Hub().Status("idle").Online })

	// Several idle timeouts pass with no application traffic.
	time.Sleep(1500 * time.Millisecond)

	if n := disconnects.Load(); n != 0 {
		t.Fatalf("disconnects=%d want=0 for a client answering pings", n)
	}
	if !s.svc.Hub().Status("idle").Online {
		t.Fatalf("idle client went offline")
	}
}

func TestGateway_SilentClientIsDropped(t *testing.T) {
	t.Parallel()

	s := newRelayServer(t, quickHeartbeat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", origin)
	conn, _, err := websocket.Dial(ctx, s.wsURL("/ws"), &websocket.DialOptions{HTTPHeader: h, Subprotocols: []string{v1.SubprotocolEvents}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	frame := fmt.Sprintf(`{"v":"v1","type":"register","payload":{"userId":"mute","token":%q}}`, s.token(t, "mute"))
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	eventually(t, "mute online", func() bool { return s.svc.Hub().Status("mute").Online })

	// Nothing reads on this side, so the relay's pings go unanswered.
	eventually(t, "mute dropped", func() bool { return !s.svc.Hub().Status("mute").Online })
}
