package storage

import (
	"context"
	"errors"
	"time"
)

// Token endpoint authentication methods (RFC 7591).
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// Grant types supported by the authorization server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenType distinguishes access rows from refresh rows.
type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

var (
	// ErrClientNotFound is returned when no client matches the lookup key.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned when no authorization code matches the lookup key.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound is returned when no token matches the lookup key.
	ErrTokenNotFound = errors.New("token not found")

	// ErrAlreadyExists is returned when an insert collides with an existing unique key.
	ErrAlreadyExists = errors.New("row already exists")
)

// Client is a registered OAuth client. Rows are immutable after registration.
type Client struct {
	ClientID   string
	ClientName string

	// ClientSecretHash is the SHA-256 hex digest of the client secret.
	// Empty when TokenEndpointAuthMethod is "none".
	ClientSecretHash string

	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a short-lived, single-use code bound to a PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
	Resource            string
	ExpiresAt           time.Time
	CreatedAt           time.Time

	// UsedAt is set exactly once, by MarkAuthorizationCodeUsed.
	UsedAt *time.Time
}

// Token is a persisted bearer credential. Only the SHA-256 digest of the
// plaintext is stored.
type Token struct {
	ID        string
	TokenHash string
	TokenType TokenType
	ClientID  string
	UserID    string
	Scope     string
	Resource  string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time

	// RefreshTokenID links an ACCESS row to the REFRESH row it was minted from.
	// Empty for REFRESH rows.
	RefreshTokenID string
}

// IsUsable reports whether the token is unrevoked and strictly before its expiry.
func (t *Token) IsUsable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// ClientStore persists client registrations.
type ClientStore interface {
	// InsertClient stores a new client and returns the stored row.
	InsertClient(ctx context.Context, client *Client) (*Client, error)

	// GetClient looks up a client by ID. Returns ErrClientNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// InsertAuthorizationCode stores a new code and returns the stored row.
	InsertAuthorizationCode(ctx context.Context, code *AuthorizationCode) (*AuthorizationCode, error)

	// GetAuthorizationCode looks up a code. Returns ErrAuthorizationCodeNotFound if absent.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed sets UsedAt on the row matching code only if
	// UsedAt is unset. It reports whether a row changed. This MUST be a single
	// atomic operation in the backing store.
	MarkAuthorizationCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error)
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	// InsertToken stores a new token and returns the stored row with its ID set.
	InsertToken(ctx context.Context, token *Token) (*Token, error)

	// GetTokenByHash looks up a token by its digest. Returns ErrTokenNotFound if absent.
	GetTokenByHash(ctx context.Context, tokenHash string) (*Token, error)

	// RevokeToken sets RevokedAt on the row matching tokenHash only if RevokedAt
	// is unset. It reports whether a row changed. This MUST be a single atomic
	// operation in the backing store.
	RevokeToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error)
}

// AccessTokenRevoker is implemented by token stores that can revoke every
// ACCESS row minted from a refresh row. Optional.
type AccessTokenRevoker interface {
	// RevokeAccessTokensForRefresh revokes unrevoked ACCESS rows linked to
	// refreshTokenID and returns how many rows changed.
	RevokeAccessTokensForRefresh(ctx context.Context, refreshTokenID string, revokedAt time.Time) (int64, error)
}

// Sweeper is implemented by stores that need explicit removal of expired rows.
// Optional; stores with native expiry do not implement it.
type Sweeper interface {
	// DeleteExpired removes codes and tokens whose expiry is before now and
	// returns the number of rows removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store combines all store contracts.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
