package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// TokenTypeBearer is the token_type of every issued pair
const TokenTypeBearer = "Bearer"

// TokenPair is an issued access and refresh token. The plaintext values exist
// only here; storage holds their digests.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64
	Scope     string
}

// TokenInfo describes a verified access token
type TokenInfo struct {
	UserID    string
	ClientID  string
	Scope     string
	Resource  string
	ExpiresAt time.Time
}

// GenerateTokenPair mints a refresh token and an access token linked to it.
// The REFRESH row is inserted first so the ACCESS row can reference its ID.
func (s *Server) GenerateTokenPair(ctx context.Context, userID, clientID, scope, resource string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.generate_token_pair")
	defer span.End()

	now := s.now()
	refreshToken := s.generateBearerToken()

	refreshRow, err := s.store.InsertToken(ctx, &storage.Token{
		TokenHash: security.HashSecret(refreshToken),
		TokenType: storage.TokenTypeRefresh,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		Resource:  resource,
		ExpiresAt: now.Add(ttl(s.Config.RefreshTokenTTL)),
		CreatedAt: now,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	accessToken, err := s.issueAccessToken(ctx, refreshRow, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(userID, clientID, scope)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, clientID)
	}

	instrumentation.AddOAuthFlowAttributes(span, clientID, userID, scope)
	instrumentation.SetSpanSuccess(span)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Scope:        scope,
	}, nil
}

// issueAccessToken inserts an ACCESS row linked to refreshRow and returns the plaintext
func (s *Server) issueAccessToken(ctx context.Context, refreshRow *storage.Token, now time.Time) (string, error) {
	accessToken := s.generateBearerToken()

	_, err := s.store.InsertToken(ctx, &storage.Token{
		TokenHash:      security.HashSecret(accessToken),
		TokenType:      storage.TokenTypeAccess,
		ClientID:       refreshRow.ClientID,
		UserID:         refreshRow.UserID,
		Scope:          refreshRow.Scope,
		Resource:       refreshRow.Resource,
		ExpiresAt:      now.Add(ttl(s.Config.AccessTokenTTL)),
		CreatedAt:      now,
		RefreshTokenID: refreshRow.ID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save access token: %w", err)
	}
	return accessToken, nil
}

// lookupToken resolves a bearer string to its row. Tokens without the
// configured prefix are rejected without a storage lookup. A nil row with a
// nil error means the token is unknown.
func (s *Server) lookupToken(ctx context.Context, token string) (*storage.Token, error) {
	if !strings.HasPrefix(token, s.Config.TokenPrefix) {
		return nil, nil
	}

	row, err := s.store.GetTokenByHash(ctx, security.HashSecret(token))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return row, nil
}

// VerifyAccessToken validates a bearer access token. Unknown, expired,
// revoked and non-access tokens all return ErrInvalidToken.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.verify_access_token")
	defer span.End()

	row, err := s.lookupToken(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if row == nil || row.TokenType != storage.TokenTypeAccess || !row.IsUsable(s.now()) {
		if m := s.metrics(); m != nil {
			m.RecordTokenRejected(ctx, "verify")
		}
		instrumentation.SetSpanError(span, ErrInvalidToken.Error())
		return nil, ErrInvalidToken
	}

	instrumentation.AddOAuthFlowAttributes(span, row.ClientID, row.UserID, row.Scope)
	instrumentation.SetSpanSuccess(span)

	return &TokenInfo{
		UserID:    row.UserID,
		ClientID:  row.ClientID,
		Scope:     row.Scope,
		Resource:  row.Resource,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// RefreshAccessToken mints a new access token from a refresh token issued to
// clientID. The refresh token is not rotated: the same value is returned and
// earlier access tokens stay valid until they expire. Every rejection returns
// ErrInvalidGrant.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.refresh_access_token")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	row, err := s.lookupToken(ctx, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	now := s.now()
	if row == nil || row.TokenType != storage.TokenTypeRefresh || !row.IsUsable(now) || row.ClientID != clientID {
		s.Auditor.LogAuthFailure(clientID, "", "invalid_refresh_token")
		if m := s.metrics(); m != nil {
			m.RecordTokenRejected(ctx, "refresh")
		}
		instrumentation.SetSpanError(span, ErrInvalidGrant.Error())
		return nil, ErrInvalidGrant
	}

	accessToken, err := s.issueAccessToken(ctx, row, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(row.UserID, clientID)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID)
	}
	s.Logger.Debug("Refreshed access token", "client_id", clientID, "refresh_token_id", row.ID)

	instrumentation.AddOAuthFlowAttributes(span, "", row.UserID, row.Scope)
	instrumentation.SetSpanSuccess(span)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Scope:        row.Scope,
	}, nil
}

// RevokeToken revokes an access or refresh token with a single conditional
// update. It reports whether a row changed; unknown and already revoked
// tokens both return false.
//
// With Config.CascadeRefreshRevocation set and a store implementing
// storage.AccessTokenRevoker, revoking a refresh token also revokes the
// access tokens minted from it.
func (s *Server) RevokeToken(ctx context.Context, token string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke_token")
	defer span.End()

	if !strings.HasPrefix(token, s.Config.TokenPrefix) {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRevoked, false))
		return false, nil
	}

	now := s.now()
	tokenHash := security.HashSecret(token)

	revoked, err := s.store.RevokeToken(ctx, tokenHash, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRevoked, revoked))
	if !revoked {
		instrumentation.SetSpanSuccess(span)
		return false, nil
	}

	row, err := s.store.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		// The revocation itself succeeded.
		s.Logger.Warn("Failed to load revoked token", "error", err)
		instrumentation.SetSpanSuccess(span)
		return true, nil
	}

	var cascaded int64
	if s.Config.CascadeRefreshRevocation && row.TokenType == storage.TokenTypeRefresh {
		if revoker, ok := s.store.(storage.AccessTokenRevoker); ok {
			cascaded, err = revoker.RevokeAccessTokensForRefresh(ctx, row.ID, now)
			if err != nil {
				instrumentation.RecordError(span, err)
				return true, fmt.Errorf("failed to revoke access tokens for refresh token: %w", err)
			}
		} else {
			s.Logger.Warn("Store cannot cascade refresh token revocation", "refresh_token_id", row.ID)
		}
	}

	s.Auditor.LogTokenRevoked(row.UserID, row.ClientID, string(row.TokenType), cascaded)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, string(row.TokenType))
	}
	s.Logger.Info("Revoked token",
		"token_id", row.ID,
		"token_type", row.TokenType,
		"client_id", row.ClientID,
		"cascaded", cascaded)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenType, string(row.TokenType)),
		attribute.Int64(instrumentation.AttrCascaded, cascaded))
	instrumentation.SetSpanSuccess(span)

	return true, nil
}
