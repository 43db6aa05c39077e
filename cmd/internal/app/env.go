package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env readers used by LoadConfig. All Chattr settings arrive through
// CHATTR_* variables; malformed or out-of-range values fall back to the
// default rather than failing startup.

// EnvString returns the value of key, or def when unset or blank.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvBool parses key as a bool, falling back to def.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt parses key as an int. Zero and negatives fall back to def; every
// integer knob here (queue sizes, limits, ports) is meaningless at <= 0.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 parses key as a non-negative int32, falling back to def.
func EnvInt32(key string, def int32) int32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration parses key with time.ParseDuration, falling back to def.
// Non-positive durations also fall back.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
