// Package config loads process configuration from the environment, the way
// common/config/env.go does for the teacher's services, extended with typed
// getters for the duration/int/bool values the demo command needs. It is
// used only by cmd/resilientmq-demo — the core packages never call
// os.Getenv directly.
package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// String returns the environment variable key, or def if unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// MustString returns the environment variable key, panicking if unset.
func MustString(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("config: required environment variable not set: " + key)
	}
	return v
}

// Int parses key as an integer, returning def on absence or parse failure.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool parses key via strconv.ParseBool ("1", "t", "true" and their
// upper-case forms are true), returning def on absence or parse failure.
func Bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration parses key via time.ParseDuration (e.g. "30s", "1m"), returning
// def on absence or parse failure.
func Duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
