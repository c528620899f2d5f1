package relay

import (
	"time"

	"chatsync/cmd/internal/envcfg"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the WebSocket gateway policy.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	// ReadIdleTimeout bounds the time since the peer last sent a frame or answered a ping.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   envcfg.Split(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadGatewayConfig reads CHATSYNC_WS_* overrides on top of DefaultGatewayConfig.
func LoadGatewayConfig() GatewayConfig {
	def := DefaultGatewayConfig()
	cfg := GatewayConfig{
		DevInsecure:      envcfg.Bool("CHATSYNC_WS_DEV_INSECURE", false),
		OriginRequired:   envcfg.Bool("CHATSYNC_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:   envcfg.CSV("CHATSYNC_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envcfg.Duration("CHATSYNC_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  envcfg.Duration("CHATSYNC_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:    envcfg.Int("CHATSYNC_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatEvery:   envcfg.Duration("CHATSYNC_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: envcfg.Duration("CHATSYNC_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       envcfg.Int("CHATSYNC_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       envcfg.Duration("CHATSYNC_WS_RATE_WINDOW", def.RateWindow),
	}
	return cfg.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}
