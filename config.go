package oauth

import (
	"log/slog"
	"strings"
)

// Endpoint paths served by Handler.
const (
	MetadataPath      = "/.well-known/oauth-authorization-server"
	AuthorizationPath = "/oauth/authorize"
	TokenPath         = "/oauth/token"
	RegistrationPath  = "/oauth/register"
	RevocationPath    = "/oauth/revoke"
)

const (
	// DefaultRateLimit is the default number of requests per second allowed per IP
	DefaultRateLimit = 10

	// DefaultRateLimitBurst is the default burst size allowed per IP
	DefaultRateLimitBurst = 20
)

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the authorization server's issuer identifier (base URL).
	// Endpoint URLs in the metadata document are derived from it.
	Issuer string

	// SupportedScopes is advertised as scopes_supported.
	// Default: the server's DefaultScope
	SupportedScopes []string

	// RateLimit configures per-IP request throttling on every endpoint
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server. Default: 1
	TrustedProxyCount int

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds per-IP throttling configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Negative disables limiting.
	// Default: 10
	Rate float64

	// Burst is the maximum burst size allowed per IP. Default: 20
	Burst int
}

// applyConfigDefaults fills zero values
func applyConfigDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if config.RateLimit.Rate == 0 {
		config.RateLimit.Rate = DefaultRateLimit
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = DefaultRateLimitBurst
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// AuthorizationEndpoint returns the full URL of the authorization endpoint
func (c *Config) AuthorizationEndpoint() string {
	return c.Issuer + AuthorizationPath
}

// TokenEndpoint returns the full URL of the token endpoint
func (c *Config) TokenEndpoint() string {
	return c.Issuer + TokenPath
}

// RegistrationEndpoint returns the full URL of the registration endpoint
func (c *Config) RegistrationEndpoint() string {
	return c.Issuer + RegistrationPath
}

// RevocationEndpoint returns the full URL of the revocation endpoint
func (c *Config) RevocationEndpoint() string {
	return c.Issuer + RevocationPath
}
