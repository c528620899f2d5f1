package relay

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/google/go-cmp/cmp"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		wantErr  bool
	}{
		{name: "missing required", required: true, allowed: []string{"http://localhost"}, wantErr: true},
		{name: "missing optional", allowed: []string{"http://localhost"}},
		{name: "exact", required: true, allowed: []string{"http://localhost:5173"}, origin: "http://localhost:5173"},
		{name: "host fallback", required: true, allowed: []string{"http://localhost"}, origin: "https://LOCALHOST:8443"},
		{name: "wildcard", required: true, allowed: []string{"*"}, origin: "http://anything.example"},
		{name: "foreign", required: true, allowed: []string{"http://localhost"}, origin: "http://evil.example", wantErr: true},
		{name: "empty allowlist", required: true, origin: "http://localhost", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := &Gateway{cfg: GatewayConfig{OriginRequired: tc.required, AllowedOrigins: tc.allowed}}
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(r)
			if (err != nil) != tc.wantErr {
				t.Fatalf("enforceOrigin(%q)=%v wantErr=%v", tc.origin, err, tc.wantErr)
			}
		})
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000", "https://LocalHost", "127.0.0.1:8080", "*", "", "://bad",
	})
	want := []string{"127.0.0.1", "localhost"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("patterns mismatch (-want +got):\n%s", diff)
	}
}

func TestGatewayConfig_Normalized(t *testing.T) {
	t.Parallel()

	got := GatewayConfig{SendQueueSize: 1}.normalized()
	def := DefaultGatewayConfig()
	if got.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize=%d want=%d", got.SendQueueSize, wsMinSendQueueSize)
	}
	if got.WriteTimeout != def.WriteTimeout || got.HeartbeatEvery != def.HeartbeatEvery || got.RateEvents != def.RateEvents {
		t.Fatalf("normalized=%+v want defaults filled", got)
	}
}

func TestLoadGatewayConfig_Env(t *testing.T) {
	t.Setenv("CHATSYNC_WS_ALLOWED_ORIGINS", " https://chat.example , ,http://localhost ")
	t.Setenv("CHATSYNC_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("CHATSYNC_WS_RATE_EVENTS", "-3")
	t.Setenv("CHATSYNC_WS_HEARTBEAT_INTERVAL", "10s")

	cfg := LoadGatewayConfig()
	if diff := cmp.Diff([]string{"https://chat.example", "http://localhost"}, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	if cfg.OriginRequired {
		t.Fatalf("OriginRequired=true want=false")
	}
	if cfg.RateEvents != rateLimitEvents {
		t.Fatalf("RateEvents=%d want=%d", cfg.RateEvents, rateLimitEvents)
	}
	if cfg.HeartbeatEvery != 10*time.Second {
		t.Fatalf("HeartbeatEvery=%v want=10s", cfg.HeartbeatEvery)
	}
}

func TestStructuredCodec_Decode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		frame    string
		wantCode string
		want     Inbound
	}{
		{name: "bad json", frame: `{`, wantCode: "bad_json"},
		{name: "missing version", frame: `{"type":"typing"}`, wantCode: "bad_envelope"},
		{name: "unknown type", frame: `{"v":"v1","type":"nope"}`, wantCode: "bad_envelope"},
		{
			name:  "call",
			frame: `{"v":"v1","type":"verify-token","id":"r1","payload":{"token":"t"}}`,
			want:  Inbound{Type: v1.OpVerifyToken, ID: "r1", Payload: json.RawMessage(`{"token":"t"}`)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := structuredCodec{}.decode([]byte(tc.frame))
			if tc.wantCode != "" {
				var fe *frameError
				if !errors.As(err, &fe) || fe.Code != tc.wantCode {
					t.Fatalf("decode(%q) err=%v want code %q", tc.frame, err, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode(%q): %v", tc.frame, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStructuredCodec_EncodeReply(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := structuredCodec{}.encode(Outbound{Type: v1.TypeReply, Op: v1.OpVerifyToken, ReplyTo: "r1", OK: true, Payload: v1.TokenReply{Success: true}}, now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("encoded envelope invalid: %v", err)
	}
	if env.ReplyTo != "r1" || env.ID == "" || !env.TS.Equal(now) {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestLegacyCodec(t *testing.T) {
	t.Parallel()

	in, err := legacyCodec{}.decode([]byte(`CHATTYPING tok alice bob`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Type != v1.EventTyping || in.Token != "tok" {
		t.Fatalf("decode=%+v", in)
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil || p.UserID != "alice" || p.RecipientID != "bob" {
		t.Fatalf("payload=%s err=%v", in.Payload, err)
	}

	for frame, code := range map[string]string{"NOPE x": "unsupported", "   ": "bad_frame"} {
		var fe *frameError
		if _, err := (legacyCodec{}).decode([]byte(frame)); !errors.As(err, &fe) || fe.Code != code {
			t.Fatalf("decode(%q) err=%v want code %q", frame, err, code)
		}
	}

	out, err := legacyCodec{}.encode(Outbound{Type: v1.TypeReply, Op: v1.OpRefreshToken, OK: false, Payload: v1.TokenReply{Message: "expired"}}, time.Time{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := `AUTHREFRESHNK{"success":false,"message":"expired"}`; string(out) != want {
		t.Fatalf("encode=%s want=%s", out, want)
	}
}
