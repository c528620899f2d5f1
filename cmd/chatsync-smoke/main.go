// Package main provides a CI-friendly end-to-end smoke test for a running chatsync relay.
//
// It drives two sync engines (one structured, one legacy) and validates:
//   - handshake, token verification and registration
//   - presence: the second user comes online for the first
//   - send -> confirm -> deliver -> read receipt
//   - typing relay
//   - idempotent dedupe by clientMsgId on a raw structured socket
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"chatsync/cmd/internal/conversation"
	"chatsync/cmd/internal/directory"
	"chatsync/cmd/internal/engine"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/relay"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Relay base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("CHATSYNC_JWT_SECRET"), "Relay signing secret, used to mint test tokens")
		text    = flag.String("text", "hello chatsync 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	auth, err := relay.NewAuthority(*secret, time.Hour, time.Minute)
	if err != nil {
		fatalf("authority: %v", err)
	}

	log := slog.New(slog.DiscardHandler)
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	suffix := strings.ToLower(ids.New()[20:])
	aliceID, bobID := "smoke-a-"+suffix, "smoke-b-"+suffix
	root := context.Background()

	alice := mustStart(root, log, auth, base, *origin, aliceID, false, *timeout)
	defer alice.Close()
	bob := mustStart(root, log, auth, base, *origin, bobID, true, *timeout)
	defer bob.Close()

	waitFor("presence", *timeout, func() bool {
		p, ok := alice.Presence().Get(bobID)
		return ok && p.Online
	})

	if _, err := alice.Send(root, bobID, *text); err != nil {
		fatalf("send: %v", err)
	}
	waitFor("confirm", *timeout, func() bool { return lastStatus(alice, bobID) >= conversation.StatusSent })
	waitFor("deliver", *timeout, func() bool { return bob.UnreadMessages() == 1 })

	if err := bob.Open(root, aliceID); err != nil {
		fatalf("open: %v", err)
	}
	waitFor("read receipt", *timeout, func() bool { return lastStatus(alice, bobID) == conversation.StatusRead })

	if err := alice.Typing(root, bobID); err != nil {
		fatalf("typing: %v", err)
	}
	waitFor("typing", *timeout, func() bool { return bob.Conversation().IsTyping(aliceID) })

	serverID := mustAssertDedupe(root, auth, base, *origin, aliceID, bobID, *text, *timeout)

	fmt.Printf("OK: alice=%s bob=%s dedupe_id=%s\n", aliceID, bobID, serverID)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base *url.URL, path string) string {
	u := *base
	u.Scheme = "ws"
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = path
	return u.String()
}

func mustToken(auth *relay.Authority, user string) string {
	tok, err := auth.Issue(user, user+"@smoke.local", "member")
	if err != nil {
		fatalf("issue token for %s: %v", user, err)
	}
	return tok
}

func mustStart(parent context.Context, log *slog.Logger, auth *relay.Authority, base *url.URL, origin, user string, legacy bool, stepTimeout time.Duration) *engine.Engine {
	opts := transport.Options{Origin: origin, CallTimeout: stepTimeout, Log: log.With("user", user)}
	var t transport.Transport
	if legacy {
		opts.URL = wsURL(base, "/legacy")
		t = transport.NewLegacy(opts)
	} else {
		opts.URL = wsURL(base, "/ws")
		t = transport.NewStructured(opts)
	}

	dir, err := directory.New(base.String())
	if err != nil {
		fatalf("directory: %v", err)
	}

	e := engine.New(engine.DefaultConfig(), log.With("user", user), t, t, engine.WithDirectory(dir))

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if _, err := e.Start(ctx, mustToken(auth, user)); err != nil {
		fatalf("start %s: %v", user, err)
	}
	return e
}

func lastStatus(e *engine.Engine, peer string) conversation.Status {
	msgs := e.Conversation().Messages(peer)
	if len(msgs) == 0 {
		return -1
	}
	return msgs[len(msgs)-1].Status
}

func waitFor(step string, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			fatalf("%s: timed out after %s", step, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// mustAssertDedupe sends the same clientMsgId twice on a raw socket and expects one stored message.
func mustAssertDedupe(parent context.Context, auth *relay.Authority, base *url.URL, origin, from, to, text string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, 3*stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL(base, "/ws"), &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolEvents},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("raw connect: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxReadBytes)

	if sp := conn.Subprotocol(); sp != v1.SubprotocolEvents {
		fatalf("subprotocol mismatch: got=%q want=%q", sp, v1.SubprotocolEvents)
	}

	mustWrite(ctx, conn, v1.EventRegister, v1.RegisterPayload{UserID: from, Token: mustToken(auth, from)})
	mustReadUntil(ctx, conn, v1.EventRegistered)

	cmid := ids.New()
	send := v1.SendMessagePayload{EmisorID: from, ReceptorID: to, ClientMsgID: cmid, Contenido: text}

	var first, second v1.MessagePayload
	mustWrite(ctx, conn, v1.EventSendMessage, send)
	mustDecode(mustReadUntil(ctx, conn, v1.EventMessageSent), &first)
	mustWrite(ctx, conn, v1.EventSendMessage, send)
	mustDecode(mustReadUntil(ctx, conn, v1.EventMessageSent), &second)

	if first.ID == "" || first.ID != second.ID {
		fatalf("dedupe: id mismatch: first=%q second=%q", first.ID, second.ID)
	}
	if first.ClientMsgID != cmid {
		fatalf("dedupe: clientMsgId not echoed: got=%q want=%q", first.ClientMsgID, cmid)
	}
	return first.ID
}

func mustWrite(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	env := v1.Envelope{V: v1.Version, Type: typ, ID: ids.New(), TS: time.Now().UTC()}
	b, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	env.Payload = b

	data, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope %s: %v", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %s: %v", typ, err)
	}
}

func mustReadUntil(ctx context.Context, conn *websocket.Conn, want string) v1.Envelope {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("read until %s: %v", want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("bad envelope: %v", err)
		}
		switch env.Type {
		case want:
			return env
		case v1.EventError:
			fatalf("server error while waiting for %s: %s", want, env.Payload)
		}
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("decode %s: %v", env.Type, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
