package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// newWSServer runs serve for every accepted connection and returns the ws:// URL.
func newWSServer(t *testing.T, subprotocol string, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		CallTimeout:       2 * time.Second,
		HeartbeatInterval: -1,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	}
}

func readEnv(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	err = json.Unmarshal(data, &env)
	return env, err
}

func writeEnv(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	env.V = v1.Version
	env.TS = time.Now().UTC()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// collector records events delivered to a subscriber.
type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector() *collector { return &collector{ch: make(chan Event, 64)} }

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
}

func (c *collector) waitFor(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q", name)
			return Event{}
		}
	}
}

func TestStructured_CallCorrelatesOutOfOrderReplies(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, v1.SubprotocolEvents, func(ctx context.Context, conn *websocket.Conn) {
		var reqs []v1.Envelope
		for len(reqs) < 2 {
			env, err := readEnv(ctx, conn)
			if err != nil {
				return
			}
			reqs = append(reqs, env)
		}
		// Answer the second request first.
		for i := len(reqs) - 1; i >= 0; i-- {
			var p v1.TokenPayload
			_ = json.Unmarshal(reqs[i].Payload, &p)
			_ = writeEnv(ctx, conn, v1.Envelope{
				Type:    v1.TypeReply,
				ReplyTo: reqs[i].ID,
				Payload: mustJSON(t, v1.Result{Success: p.Token == "good", Message: p.Token}),
			})
		}
		<-ctx.Done()
	})

	tr := NewStructured(testOptions(url))
	defer func() { _ = tr.Close() }()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type out struct {
		token string
		reply Reply
		err   error
	}
	results := make(chan out, 2)
	for _, tok := range []string{"good", "bad"} {
		tok := tok
		go func() {
			r, err := tr.Call(context.Background(), v1.OpVerifyToken, v1.TokenPayload{Token: tok})
			results <- out{token: tok, reply: r, err: err}
		}()
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("Call(%q): %v", res.token, res.err)
		}
		if res.reply.Message != res.token {
			t.Fatalf("Call(%q) got reply for %q", res.token, res.reply.Message)
		}
		if res.reply.OK != (res.token == "good") {
			t.Fatalf("Call(%q) OK=%v", res.token, res.reply.OK)
		}
	}
}

func TestStructured_CallTimeout(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, v1.SubprotocolEvents, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, err := readEnv(ctx, conn); err != nil {
				return
			}
		}
	})

	opts := testOptions(url)
	opts.CallTimeout = 100 * time.Millisecond
	tr := NewStructured(opts)
	defer func() { _ = tr.Close() }()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := tr.Call(context.Background(), v1.OpVerifyToken, v1.TokenPayload{Token: "t"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call err=%v want ErrTimeout", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("timeout took %s", el)
	}
}

func TestStructured_EmitWhileDisconnectedFailsFast(t *testing.T) {
	t.Parallel()

	tr := NewStructured(testOptions("ws://127.0.0.1:1/ws"))
	defer func() { _ = tr.Close() }()

	if err := tr.Emit(context.Background(), v1.EventTyping, v1.TypingPayload{UserID: "a", RecipientID: "b"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Emit err=%v want ErrUnavailable", err)
	}
	if _, err := tr.Call(context.Background(), v1.OpVerifyToken, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Call err=%v want ErrUnavailable", err)
	}
	if tr.Connected() {
		t.Fatalf("Connected()=true before Connect")
	}
}

func TestStructured_ConnectFailureReportsAndRetries(t *testing.T) {
	t.Parallel()

	tr := NewStructured(testOptions("ws://127.0.0.1:1/ws"))
	col := newCollector()
	tr.Subscribe(col.handle)

	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect err=%v want ErrUnavailable", err)
	}

	col.waitFor(t, v1.EventConnectError)
	col.waitFor(t, v1.EventConnectError)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close err=%v want ErrClosed", err)
	}
}

func TestStructured_DispatchAndReconnect(t *testing.T) {
	t.Parallel()

	var accepted atomic.Int32
	url := newWSServer(t, v1.SubprotocolEvents, func(ctx context.Context, conn *websocket.Conn) {
		n := accepted.Add(1)

		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = writeEnv(ctx, conn, v1.Envelope{
			Type:    v1.EventUserOnline,
			ID:      "e1",
			Payload: mustJSON(t, v1.UserStatus{UserID: "peer", Online: true}),
		})

		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
	})

	tr := NewStructured(testOptions(url))
	defer func() { _ = tr.Close() }()

	col := newCollector()
	unsubscribe := tr.Subscribe(col.handle)
	defer unsubscribe()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	col.waitFor(t, v1.EventConnect)
	ev := col.waitFor(t, v1.EventUserOnline)
	var st v1.UserStatus
	if err := ev.Decode(&st); err != nil || st.UserID != "peer" {
		t.Fatalf("user-online payload=%s err=%v", ev.Payload, err)
	}

	col.waitFor(t, v1.EventDisconnect)
	col.waitFor(t, v1.EventConnect)
	col.waitFor(t, v1.EventUserOnline)

	if got := accepted.Load(); got < 2 {
		t.Fatalf("accepted=%d want>=2", got)
	}
}

func TestStructured_DisconnectFailsPendingCalls(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, v1.SubprotocolEvents, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readEnv(ctx, conn); err != nil {
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "drop")
	})

	opts := testOptions(url)
	opts.ReconnectBase = time.Second
	opts.ReconnectMax = time.Second
	tr := NewStructured(opts)
	defer func() { _ = tr.Close() }()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := tr.Call(context.Background(), v1.OpRefreshToken, v1.TokenPayload{Token: "t"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Call err=%v want ErrUnavailable", err)
	}
}
