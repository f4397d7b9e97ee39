// Package config loads keyfront's environment-variable configuration
// (spec §6.5), in the teacher's mustEnv/envOr style (cmd/gateway/main.go)
// generalized into one Load() that reads every recognized key, applies
// defaults, and fails fast on anything required but missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is every environment-derived setting the gateway needs at
// startup, grouped the way SPEC_FULL.md's AMBIENT/DOMAIN STACK sections
// describe them.
type Config struct {
	// Session / cookie (spec §4.1, §6.5)
	SessionCookieName string
	SessionSecret     string
	CSRFSecret        string

	// OIDC (spec §6.5)
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// KV store (spec §6.1)
	RedisURL string

	// Downstream (spec §4.9, §6.3)
	DownstreamAPIBase    string
	DownstreamAPITimeout time.Duration
	DownstreamWSURL      string

	// CORS (spec §4.5)
	CORSOrigins string

	// WebSocket bridge (spec §4.10)
	WSMaxUserConnections   int
	WSMaxTenantConnections int

	// Token exchange / back-channel logout signing (spec §4.7, §4.8)
	JWTSecret   string
	TokenIssuer string

	// Environment
	NodeEnv string
	Port    string
}

// IsProduction reports whether NodeEnv selects production behavior
// (cookie Secure attribute, scanner blocking mode — spec §4.1, §4.4).
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.NodeEnv, "production")
}

// Load reads every recognized environment variable, applying defaults
// documented in spec §6.5, and fails fast (returns an error listing every
// missing required key at once, rather than one at a time) on a missing
// required key — same fail-fast shape as the teacher's mustEnv.
func Load() (Config, error) {
	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := Config{
		SessionCookieName: envOr("SESSION_COOKIE_NAME", "keyfront.sid"),
		SessionSecret:     require("SESSION_SECRET"),
		CSRFSecret:        envOr("CSRF_SECRET", os.Getenv("SESSION_SECRET")),

		IssuerURL:    require("KC_ISSUER_URL"),
		ClientID:     require("KC_CLIENT_ID"),
		ClientSecret: require("KC_CLIENT_SECRET"),
		RedirectURI:  require("KC_REDIRECT_URI"),

		RedisURL: envOr("REDIS_URL", "redis://localhost:6379/0"),

		DownstreamAPIBase:    require("DOWNSTREAM_API_BASE"),
		DownstreamAPITimeout: envOrDurationMS("DOWNSTREAM_API_TIMEOUT", 30*time.Second),
		DownstreamWSURL:      envOr("DOWNSTREAM_WS_URL", ""),

		CORSOrigins: envOr("CORS_ORIGINS", "false"),

		WSMaxUserConnections:   envOrInt("WS_MAX_USER_CONNECTIONS", 5),
		WSMaxTenantConnections: envOrInt("WS_MAX_TENANT_CONNECTIONS", 100),

		JWTSecret:   require("JWT_SECRET"),
		TokenIssuer: envOr("TOKEN_ISSUER", "keyfront"),

		NodeEnv: envOr("NODE_ENV", "development"),
		Port:    envOr("PORT", "8080"),
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
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

func envOrDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
