// Package service implements the funcalld server: the HTTP management and
// dispatch API plus the WebSocket hub for external tool connectors.
package service

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server, loaded from environment
// variables.
type Config struct {
	// Server
	Port int    // HTTP + WS listen port (default: 8080)
	Host string // bind address (default: "0.0.0.0")

	// Persistence
	RedisURL  string // Redis connection URL (empty = in-memory only, nothing survives restarts)
	KVPrefix  string // key prefix in Redis (default: "funcall:")

	// Authentication. Either hash may be empty: that surface then rejects
	// every key.
	APIKeyHash       string // Argon2id hash of the API key (fnc_...)
	ConnectorKeyHash string // Argon2id hash of the connector key (cnk_...)
	AuthCacheTTL     time.Duration

	// Execution
	ExecTimeout   time.Duration // wall-clock bound per sandboxed execution (default: 30s)
	FetchMaxBytes int64         // body cap for the sandbox fetch capability

	// Connectors
	ConnectorJobTimeout time.Duration // max wait for a connector's tool_result (default: 60s)

	// Logging
	LogLevel string // debug, info, warn, error (default: info)
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Port:                envInt("FUNCALL_PORT", 8080),
		Host:                envStr("FUNCALL_HOST", "0.0.0.0"),
		RedisURL:            os.Getenv("FUNCALL_REDIS_URL"),
		KVPrefix:            envStr("FUNCALL_KV_PREFIX", "funcall:"),
		APIKeyHash:          os.Getenv("FUNCALL_API_KEY_HASH"),
		ConnectorKeyHash:    os.Getenv("FUNCALL_CONNECTOR_KEY_HASH"),
		AuthCacheTTL:        envDuration("FUNCALL_AUTH_CACHE_TTL", 5*time.Minute),
		ExecTimeout:         envDuration("FUNCALL_EXEC_TIMEOUT", 30*time.Second),
		FetchMaxBytes:       envInt64("FUNCALL_FETCH_MAX_BYTES", 0),
		ConnectorJobTimeout: envDuration("FUNCALL_CONNECTOR_JOB_TIMEOUT", 60*time.Second),
		LogLevel:            envStr("FUNCALL_LOG_LEVEL", "info"),
	}
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envInt64 reads an env var as an int64 with a default value.
func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
