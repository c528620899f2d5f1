// Package envcfg reads typed settings from CHATSYNC_* environment variables.
//
// Unset, blank and unparsable values all yield the caller's default, so a typo in a
// deployment falls back to the documented behavior instead of failing startup.
package envcfg

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](key string, def T, parse func(string) (T, error), valid func(T) bool) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil || (valid != nil && !valid(v)) {
		return def
	}
	return v
}

// String returns the trimmed value of key, or def.
func String(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil }, nil)
}

// Bool accepts the strconv.ParseBool spellings.
func Bool(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool, nil)
}

// Int requires a positive value.
func Int(key string, def int) int {
	return lookup(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// Int32 requires a non-negative value that fits in 32 bits.
func Int32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return lookup(key, def, parse, func(n int32) bool { return n >= 0 })
}

// Duration requires a positive Go duration string.
func Duration(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// CSV splits the value of key on commas, or def when key is unset.
func CSV(key, def string) []string {
	return Split(String(key, def))
}

// Split splits raw on commas, trimming items and dropping blank ones.
func Split(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
