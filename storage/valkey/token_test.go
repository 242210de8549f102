package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/storage"
)

// TestTokenJSONRoundTrip verifies the fields that GetTokenByHash relies on
// survive serialization. RevokedAt is carried by the marker key, not the row.
func TestTokenJSONRoundTrip(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 123, time.UTC)
	revoked := created.Add(time.Minute)

	tests := []struct {
		name  string
		token *storage.Token
	}{
		{
			name: "refresh row",
			token: &storage.Token{
				ID:        "refresh-id",
				TokenHash: "hash-r",
				TokenType: storage.TokenTypeRefresh,
				ClientID:  "client-1",
				UserID:    "user-1",
				Scope:     "mcp",
				ExpiresAt: created.Add(30 * 24 * time.Hour),
				CreatedAt: created,
			},
		},
		{
			name: "access row with resource",
			token: &storage.Token{
				ID:             "access-id",
				TokenHash:      "hash-a",
				TokenType:      storage.TokenTypeAccess,
				ClientID:       "client-1",
				UserID:         "user-1",
				Scope:          "mcp",
				Resource:       "https://mcp.example.com",
				ExpiresAt:      created.Add(time.Hour),
				CreatedAt:      created,
				RefreshTokenID: "refresh-id",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(toTokenJSON(tt.token))
			require.NoError(t, err)

			var j tokenJSON
			require.NoError(t, json.Unmarshal(data, &j))

			got := fromTokenJSON(&j, &revoked)
			want := *tt.token
			want.RevokedAt = &revoked
			assert.Equal(t, &want, got)
		})
	}
}

func TestAuthorizationCodeJSON_OmitsUsedAt(t *testing.T) {
	used := time.Now()
	data, err := json.Marshal(toAuthorizationCodeJSON(&storage.AuthorizationCode{Code: "c", UsedAt: &used}))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "used")
}

func TestRowTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Store{retention: time.Minute, now: func() time.Time { return now }}

	assert.Equal(t, time.Hour+time.Minute, s.rowTTL(now.Add(time.Hour)))
	assert.Equal(t, time.Minute, s.rowTTL(now))
	assert.Equal(t, minKeyTTL, s.rowTTL(now.Add(-time.Hour)))
}

// ============================================================
// TokenStore Tests (require Valkey)
// ============================================================

func insertTokenPair(t *testing.T, s *Store) (refresh, access *storage.Token) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	refresh, err := s.InsertToken(ctx, &storage.Token{
		TokenHash: "refresh-hash",
		TokenType: storage.TokenTypeRefresh,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     "mcp",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	})
	require.NoError(t, err)

	access, err = s.InsertToken(ctx, &storage.Token{
		TokenHash:      "access-hash",
		TokenType:      storage.TokenTypeAccess,
		ClientID:       "client-1",
		UserID:         "user-1",
		Scope:          "mcp",
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
		RefreshTokenID: refresh.ID,
	})
	require.NoError(t, err)
	return refresh, access
}

func TestTokenStore_InsertAndGet(t *testing.T) {
	s := testStore(t)
	refresh, access := insertTokenPair(t, s)

	assert.NotEmpty(t, refresh.ID)
	assert.NotEqual(t, refresh.ID, access.ID)

	got, err := s.GetTokenByHash(context.Background(), "access-hash")
	require.NoError(t, err)
	assert.Equal(t, access.ID, got.ID)
	assert.Equal(t, refresh.ID, got.RefreshTokenID)
	assert.Equal(t, storage.TokenTypeAccess, got.TokenType)
	assert.Nil(t, got.RevokedAt)
}

func TestTokenStore_InsertDuplicateHash(t *testing.T) {
	s := testStore(t)
	insertTokenPair(t, s)

	_, err := s.InsertToken(context.Background(), &storage.Token{
		TokenHash: "access-hash",
		TokenType: storage.TokenTypeAccess,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)
}

func TestTokenStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetTokenByHash(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestTokenStore_Revoke(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	insertTokenPair(t, s)

	now := time.Now().UTC()
	revoked, err := s.RevokeToken(ctx, "access-hash", now)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.RevokeToken(ctx, "access-hash", now)
	require.NoError(t, err)
	assert.False(t, revoked, "second revocation should report no change")

	revoked, err = s.RevokeToken(ctx, "missing", now)
	require.NoError(t, err)
	assert.False(t, revoked)

	got, err := s.GetTokenByHash(ctx, "access-hash")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.True(t, got.RevokedAt.Equal(now))
}

func TestTokenStore_RevokeAccessTokensForRefresh(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	refresh, _ := insertTokenPair(t, s)

	n, err := s.RevokeAccessTokensForRefresh(ctx, refresh.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTokenByHash(ctx, "access-hash")
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)

	n, err = s.RevokeAccessTokensForRefresh(ctx, refresh.ID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RevokeAccessTokensForRefresh(ctx, "unknown", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
