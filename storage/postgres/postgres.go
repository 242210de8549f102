package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// tokenIDLogLength is the number of characters logged from codes
const tokenIDLogLength = 8

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed implementation of storage.Store.
type Store struct {
	db     DB
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store              = (*Store)(nil)
	_ storage.AccessTokenRevoker = (*Store)(nil)
	_ storage.Sweeper            = (*Store)(nil)
)

// New creates a store over db.
func New(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ============================================================
// ClientStore
// ============================================================

// InsertClient stores a new client
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) (*storage.Client, error) {
	out := *client
	err := s.db.QueryRow(ctx,
		`INSERT INTO oauth_clients (client_id, client_name, client_secret_hash, redirect_uris, grant_types, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		client.ClientID,
		client.ClientName,
		nullString(client.ClientSecretHash),
		client.RedirectURIs,
		client.GrantTypes,
		client.TokenEndpointAuthMethod,
		client.CreatedAt,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert client %s: %w", client.ClientID, mapInsertError(err))
	}
	return &out, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		c          storage.Client
		secretHash *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT client_id, client_name, client_secret_hash, redirect_uris, grant_types, token_endpoint_auth_method, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.ClientName, &secretHash, &c.RedirectURIs, &c.GrantTypes, &c.TokenEndpointAuthMethod, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	if secretHash != nil {
		c.ClientSecretHash = *secretHash
	}
	return &c, nil
}

// ============================================================
// CodeStore
// ============================================================

// InsertAuthorizationCode stores a new authorization code
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	out := *code
	err := s.db.QueryRow(ctx,
		`INSERT INTO oauth_authorization_codes (code, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, scope, state, resource, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Scope,
		code.State,
		code.Resource,
		code.ExpiresAt,
		code.CreatedAt,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert authorization code: %w", mapInsertError(err))
	}
	return &out, nil
}

// GetAuthorizationCode retrieves an authorization code
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	err := s.db.QueryRow(ctx,
		`SELECT code, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, scope, state, resource, expires_at, created_at, used_at
		FROM oauth_authorization_codes WHERE code = $1`, code,
	).Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.Scope, &c.State, &c.Resource, &c.ExpiresAt, &c.CreatedAt, &c.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	return &c, nil
}

// MarkAuthorizationCodeUsed sets used_at on an unused code in one statement
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE oauth_authorization_codes SET used_at = $2 WHERE code = $1 AND used_at IS NULL",
		code, usedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark authorization code used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("Authorization code not marked",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return false, nil
	}
	return true, nil
}

// ============================================================
// TokenStore
// ============================================================

// InsertToken stores a token; the database assigns its ID
func (s *Store) InsertToken(ctx context.Context, token *storage.Token) (*storage.Token, error) {
	out := *token
	err := s.db.QueryRow(ctx,
		`INSERT INTO oauth_tokens (token_hash, token_type, client_id, user_id, scope, resource, expires_at, created_at, refresh_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text, created_at`,
		token.TokenHash,
		string(token.TokenType),
		token.ClientID,
		token.UserID,
		token.Scope,
		token.Resource,
		token.ExpiresAt,
		token.CreatedAt,
		nullString(token.RefreshTokenID),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert %s token: %w", token.TokenType, mapInsertError(err))
	}
	return &out, nil
}

// GetTokenByHash retrieves a token by its digest
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	var (
		t              storage.Token
		tokenType      string
		refreshTokenID *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id::text, token_hash, token_type, client_id, user_id, scope, resource, expires_at, created_at, revoked_at, refresh_token_id::text
		FROM oauth_tokens WHERE token_hash = $1`, tokenHash,
	).Scan(&t.ID, &t.TokenHash, &tokenType, &t.ClientID, &t.UserID, &t.Scope, &t.Resource,
		&t.ExpiresAt, &t.CreatedAt, &t.RevokedAt, &refreshTokenID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.TokenType = storage.TokenType(tokenType)
	if refreshTokenID != nil {
		t.RefreshTokenID = *refreshTokenID
	}
	return &t, nil
}

// RevokeToken sets revoked_at on an unrevoked token in one statement
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE oauth_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL",
		tokenHash, revokedAt,
	)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAccessTokensForRefresh revokes unrevoked ACCESS rows linked to refreshTokenID
func (s *Store) RevokeAccessTokensForRefresh(ctx context.Context, refreshTokenID string, revokedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = $2
		WHERE refresh_token_id = $1 AND token_type = 'ACCESS' AND revoked_at IS NULL`,
		refreshTokenID, revokedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke access tokens for refresh token %s: %w", refreshTokenID, err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes codes and tokens past expiry. A refresh row is kept
// while an unexpired access row still references it.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	codes, err := s.db.Exec(ctx,
		"DELETE FROM oauth_authorization_codes WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("delete expired authorization codes: %w", err)
	}

	tokens, err := s.db.Exec(ctx,
		`DELETE FROM oauth_tokens t WHERE t.expires_at < $1
		AND NOT EXISTS (SELECT 1 FROM oauth_tokens a WHERE a.refresh_token_id = t.id AND a.expires_at >= $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	removed := codes.RowsAffected() + tokens.RowsAffected()
	if removed > 0 {
		s.logger.Debug("Removed expired rows", "count", removed)
	}
	return removed, nil
}

// ============================================================
// Helpers
// ============================================================

// nullString maps "" to SQL NULL
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapInsertError translates unique violations to storage.ErrAlreadyExists
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrAlreadyExists
	}
	return err
}
