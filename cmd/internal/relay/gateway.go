package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/ratelimit"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Gateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and hands decoded events to the Service. Events serves JSON envelopes and
// Frames serves legacy tagged frames; both share one connection loop.
type Gateway struct {
	log     *slog.Logger
	svc     *Service
	metrics *metrics.Relay
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway for svc.
func NewGateway(log *slog.Logger, svc *Service, cfg GatewayConfig, m *metrics.Relay) *Gateway {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.normalized()
	return &Gateway{
		log:            log,
		svc:            svc,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Events returns the handler for structured clients.
func (g *Gateway) Events() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { g.serve(w, r, structuredCodec{}) })
}

// Frames returns the handler for legacy clients.
func (g *Gateway) Frames() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { g.serve(w, r, legacyCodec{}) })
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, codec wireCodec) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{codec.subprotocol()},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != codec.subprotocol() {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", codec.subprotocol())
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(ids.New(), codec.name(), g.cfg.SendQueueSize)
	g.metrics.ConnOpened(codec.name())
	defer g.metrics.ConnClosed(codec.name())
	g.log.Info("ws.open", "session_id", client.SessionID, "protocol", codec.name(), "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The hub drops the client before it is closed, so no fanout targets a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Detach(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.close", "session_id", client.SessionID, "user_id", client.UserID, "reason", reason)
		})
	}

	rl := ratelimit.New(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case out := <-client.Send:
				if err := g.write(ctx, conn, codec, out); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// alive is the last time the peer sent a frame or answered a ping.
	var alive atomic.Int64
	touch := func() { alive.Store(time.Now().UnixNano()) }
	touch()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				if idle := time.Since(time.Unix(0, alive.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle", "session_id", client.SessionID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}

				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				touch()
			}
		}
	}()

	// Control frames never end a Read, so liveness is judged by the heartbeat above.
readLoop:
	for {
		mt, data, err := conn.Read(ctx)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}
		touch()

		if !rl.Allow(time.Now().UTC()) {
			g.svc.SendError(client, "rate_limited", "too many events")
			g.metrics.Event("*", "rate_limited")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			g.svc.SendError(client, "bad_frame", fmt.Sprintf("unsupported message type: %v", mt))
			continue readLoop
		}

		in, err := codec.decode(data)
		if err != nil {
			code := "bad_frame"
			var fe *frameError
			if errors.As(err, &fe) {
				code = fe.Code
			}
			g.metrics.Event("*", code)
			g.svc.SendError(client, code, err.Error())
			continue readLoop
		}

		g.svc.Handle(ctx, client, in)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *Gateway) write(parent context.Context, conn *websocket.Conn, codec wireCodec, out Outbound) error {
	b, err := codec.encode(out, time.Now().UTC())
	if err != nil {
		// An unencodable event is dropped; the connection stays up.
		g.log.Warn("ws.encode.fail", "type", out.Type, "err", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's host patterns in
// agreement with the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
