package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// TokenPrefix is prepended to every bearer token. Tokens without it are
	// rejected before any storage lookup.
	// Default: "mcp_"
	TokenPrefix string

	// DefaultScope is used when an authorization request carries no scope
	// Default: "mcp"
	DefaultScope string

	// CascadeRefreshRevocation revokes every access token minted from a refresh
	// token when that refresh token is revoked. Requires a store implementing
	// storage.AccessTokenRevoker.
	// Default: false (access tokens stay valid until they expire)
	CascadeRefreshRevocation bool
}

const (
	// DefaultAuthorizationCodeTTL is the default authorization code lifetime in seconds
	DefaultAuthorizationCodeTTL = 600

	// DefaultAccessTokenTTL is the default access token lifetime in seconds
	DefaultAccessTokenTTL = 3600

	// DefaultRefreshTokenTTL is the default refresh token lifetime in seconds (30 days)
	DefaultRefreshTokenTTL = 30 * 24 * 3600

	// DefaultTokenPrefix tags bearer tokens issued by this server
	DefaultTokenPrefix = "mcp_"

	// DefaultScope is the scope granted when none is requested
	DefaultScope = "mcp"
)

// applyDefaults fills zero values and logs notices for unusual settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.TokenPrefix == "" {
		config.TokenPrefix = DefaultTokenPrefix
	}
	if config.DefaultScope == "" {
		config.DefaultScope = DefaultScope
	}

	logConfigNotices(config, logger)

	return config
}

func logConfigNotices(config *Config, logger *slog.Logger) {
	if config.AccessTokenTTL > config.RefreshTokenTTL {
		logger.Warn("Access token TTL exceeds refresh token TTL",
			"access_token_ttl", config.AccessTokenTTL,
			"refresh_token_ttl", config.RefreshTokenTTL)
	}
	if config.CascadeRefreshRevocation {
		logger.Info("Refresh token revocation cascades to linked access tokens")
	}
}
