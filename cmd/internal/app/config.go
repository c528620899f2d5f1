package app

import (
	"time"

	"chatsync/cmd/internal/envcfg"
	"chatsync/cmd/internal/relay"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Token policy. JWTSecret must be at least relay.MinSecretBytes long.
	JWTSecret    string
	TokenTTL     time.Duration
	RefreshGrace time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Gateway relay.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  envcfg.String("CHATSYNC_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  envcfg.String("CHATSYNC_LOG_LEVEL", "info"),
		LogFormat: envcfg.String("CHATSYNC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envcfg.Duration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envcfg.Duration("CHATSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envcfg.Duration("CHATSYNC_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envcfg.Duration("CHATSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: envcfg.Int("CHATSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: envcfg.String("CHATSYNC_DATABASE_URL", ""),
		DBSchema:    envcfg.String("CHATSYNC_DB_SCHEMA", relay.DefaultSchema),
		DBMaxConns:  envcfg.Int32("CHATSYNC_DB_MAX_CONNS", 10),
		DBMinConns:  envcfg.Int32("CHATSYNC_DB_MIN_CONNS", 0),
		AutoMigrate: envcfg.Bool("CHATSYNC_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: envcfg.Bool("CHATSYNC_READINESS_REQUIRE_DB", false),

		JWTSecret:    envcfg.String("CHATSYNC_JWT_SECRET", ""),
		TokenTTL:     envcfg.Duration("CHATSYNC_TOKEN_TTL", time.Hour),
		RefreshGrace: envcfg.Duration("CHATSYNC_REFRESH_GRACE", 24*time.Hour),

		CORSAllowedOrigins:   envcfg.CSV("CHATSYNC_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: envcfg.Bool("CHATSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    envcfg.Int("CHATSYNC_CORS_MAX_AGE_SECONDS", 600),

		Gateway: relay.LoadGatewayConfig(),
	}
}
