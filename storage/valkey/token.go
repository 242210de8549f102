package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-authserver/storage"
)

// tokenJSON is the JSON representation of a token row.
// revoked_at is kept in a separate marker key.
type tokenJSON struct {
	ID             string    `json:"id"`
	TokenHash      string    `json:"token_hash"`
	TokenType      string    `json:"token_type"`
	ClientID       string    `json:"client_id"`
	UserID         string    `json:"user_id"`
	Scope          string    `json:"scope"`
	Resource       string    `json:"resource,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	RefreshTokenID string    `json:"refresh_token_id,omitempty"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		ID:             t.ID,
		TokenHash:      t.TokenHash,
		TokenType:      string(t.TokenType),
		ClientID:       t.ClientID,
		UserID:         t.UserID,
		Scope:          t.Scope,
		Resource:       t.Resource,
		ExpiresAt:      t.ExpiresAt,
		CreatedAt:      t.CreatedAt,
		RefreshTokenID: t.RefreshTokenID,
	}
}

func fromTokenJSON(j *tokenJSON, revokedAt *time.Time) *storage.Token {
	return &storage.Token{
		ID:             j.ID,
		TokenHash:      j.TokenHash,
		TokenType:      storage.TokenType(j.TokenType),
		ClientID:       j.ClientID,
		UserID:         j.UserID,
		Scope:          j.Scope,
		Resource:       j.Resource,
		ExpiresAt:      j.ExpiresAt,
		CreatedAt:      j.CreatedAt,
		RevokedAt:      revokedAt,
		RefreshTokenID: j.RefreshTokenID,
	}
}

// ============================================================
// TokenStore Implementation
// ============================================================

// InsertToken stores a token keyed by its hash and assigns it a UUID.
// Access rows are also indexed under their refresh token for cascade revocation.
func (s *Store) InsertToken(ctx context.Context, token *storage.Token) (*storage.Token, error) {
	if token == nil || token.TokenHash == "" {
		return nil, fmt.Errorf("invalid token")
	}

	out := *token
	out.ID = uuid.NewString()
	out.RevokedAt = nil

	data, err := json.Marshal(toTokenJSON(&out))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	keys := []string{s.tokenKey(token.TokenHash)}
	args := []string{string(data), strconv.FormatInt(s.rowTTL(token.ExpiresAt).Milliseconds(), 10)}
	if token.TokenType == storage.TokenTypeAccess && token.RefreshTokenID != "" {
		keys = append(keys, s.refreshAccessKey(token.RefreshTokenID))
		args = append(args, token.TokenHash)
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaInsertToken).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to save %s token: %w", token.TokenType, err)
	}
	if n == 0 {
		return nil, storage.ErrAlreadyExists
	}

	s.logger.Debug("Saved token", "token_id", out.ID, "token_type", out.TokenType)
	return &out, nil
}

// GetTokenByHash retrieves a token with its revocation marker
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	data, revokedAt, found, err := s.getRowAndMarker(ctx, s.tokenKey(tokenHash), s.tokenRevokedKey(tokenHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if !found {
		return nil, storage.ErrTokenNotFound
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return fromTokenJSON(&j, revokedAt), nil
}

// RevokeToken atomically marks an unrevoked token as revoked.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error) {
	revoked, err := s.setMarkerOnce(ctx, s.tokenKey(tokenHash), s.tokenRevokedKey(tokenHash), revokedAt)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return revoked, nil
}

// RevokeAccessTokensForRefresh revokes every unrevoked access token minted
// from refreshTokenID. Each revocation is individually atomic; access tokens
// inserted while this runs may be missed.
func (s *Store) RevokeAccessTokensForRefresh(ctx context.Context, refreshTokenID string, revokedAt time.Time) (int64, error) {
	hashes, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.refreshAccessKey(refreshTokenID)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list access tokens for refresh token %s: %w", refreshTokenID, err)
	}

	var revoked int64
	for _, hash := range hashes {
		ok, err := s.setMarkerOnce(ctx, s.tokenKey(hash), s.tokenRevokedKey(hash), revokedAt)
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke access token: %w", err)
		}
		if ok {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Debug("Revoked access tokens for refresh token",
			"refresh_token_id", refreshTokenID,
			"count", revoked)
	}
	return revoked, nil
}
