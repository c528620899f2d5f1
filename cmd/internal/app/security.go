package app

import (
	"fmt"
	"strings"

	"chatsync/cmd/internal/relay"
)

// ValidateSecurityConfig enforces the token policy at startup.
// Fail-fast: the relay never runs with a missing or short signing secret.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return fmt.Errorf("security policy: CHATSYNC_JWT_SECRET is missing")
	}
	// Bytes, not runes: the key is used as raw bytes.
	if len(secret) < relay.MinSecretBytes {
		return fmt.Errorf("security policy: CHATSYNC_JWT_SECRET is too short (min %d bytes)", relay.MinSecretBytes)
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("security policy: CHATSYNC_TOKEN_TTL must be positive")
	}
	if cfg.RefreshGrace < 0 {
		return fmt.Errorf("security policy: CHATSYNC_REFRESH_GRACE must not be negative")
	}
	return nil
}
