// Package config reads the server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultWSPort   = 3001
	defaultHTTPPort = 3000
)

// Config holds every runtime knob of the server.
type Config struct {
	// BindHost is prepended to both listen addresses; empty binds all
	// interfaces.
	BindHost string
	// WSPort serves the websocket endpoint.
	WSPort int
	// HTTPPort serves health and REST endpoints.
	HTTPPort int
	// DatabaseURL selects the audit backend: postgres:// for postgres,
	// sqlite:<path> or a plain file path for sqlite, empty disables
	// auditing.
	DatabaseURL string
}

// FromEnv builds the configuration from environment variables, falling
// back to defaults for anything unset.
func FromEnv() Config {
	return Config{
		BindHost:    envString("BIND_HOST", ""),
		WSPort:      envPort("WS_PORT", defaultWSPort),
		HTTPPort:    envPort("HTTP_PORT", defaultHTTPPort),
		DatabaseURL: envString("DATABASE_URL", ""),
	}
}

// WSAddr is the websocket listen address.
func (c Config) WSAddr() string {
	return c.BindHost + ":" + strconv.Itoa(c.WSPort)
}

// HTTPAddr is the health/REST listen address.
func (c Config) HTTPAddr() string {
	return c.BindHost + ":" + strconv.Itoa(c.HTTPPort)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envPort(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 65535 {
		return fallback
	}
	return n
}
