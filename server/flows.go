package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// AuthorizationCodeParams are the inputs for issuing an authorization code.
// ClientID and RedirectURI are expected to be validated by the caller.
type AuthorizationCodeParams struct {
	ClientID      string
	UserID        string
	RedirectURI   string
	CodeChallenge string

	// CodeChallengeMethod is stored as given; exchange always verifies S256.
	// Default: "S256"
	CodeChallengeMethod string

	// Scope defaults to Config.DefaultScope
	Scope    string
	State    string
	Resource string
}

// GenerateAuthorizationCode issues a single-use authorization code bound to a
// PKCE challenge. The code is base64url(32 random bytes) and expires after
// Config.AuthorizationCodeTTL.
func (s *Server) GenerateAuthorizationCode(ctx context.Context, params AuthorizationCodeParams) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.generate_authorization_code")
	defer span.End()

	if params.CodeChallenge == "" {
		err := &InputError{Field: FieldCodeChallenge, Message: "code_challenge is required"}
		instrumentation.SetSpanError(span, err.Error())
		return "", err
	}

	method := params.CodeChallengeMethod
	if method == "" {
		method = PKCEMethodS256
	}
	scope := params.Scope
	if scope == "" {
		scope = s.Config.DefaultScope
	}

	now := s.now()
	code := generateRandomToken()

	_, err := s.store.InsertAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:                code,
		ClientID:            params.ClientID,
		UserID:              params.UserID,
		RedirectURI:         params.RedirectURI,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               scope,
		State:               params.State,
		Resource:            params.Resource,
		ExpiresAt:           now.Add(ttl(s.Config.AuthorizationCodeTTL)),
		CreatedAt:           now,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogAuthorizationCodeIssued(params.UserID, params.ClientID, scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, params.ClientID, method)
	}
	s.Logger.Debug("Issued authorization code",
		"client_id", params.ClientID,
		"code_prefix", util.SafeTruncate(code, logPrefixLength))

	instrumentation.AddOAuthFlowAttributes(span, params.ClientID, "", scope)
	instrumentation.AddPKCEAttributes(span, method)
	instrumentation.SetSpanSuccess(span)

	return code, nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
//
// The code is marked used with a single conditional update before anything
// else is checked, so at most one concurrent caller can get past that step. A
// code that then fails expiry, client, redirect URI or PKCE checks stays used.
// Every rejection returns ErrInvalidGrant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, codeVerifier, redirectURI string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_authorization_code")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	if code == "" {
		return nil, s.rejectExchange(ctx, span, "", clientID, "empty_code")
	}

	now := s.now()

	marked, err := s.store.MarkAuthorizationCodeUsed(ctx, code, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if !marked {
		if m := s.metrics(); m != nil {
			m.RecordCodeRedemptionRejected(ctx)
		}
		s.Logger.Debug("Authorization code redemption failed",
			"reason", "unknown_or_used",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, logPrefixLength))
		return nil, s.rejectExchange(ctx, span, "", clientID, "unknown_or_used")
	}

	// The code is now used; no other request can redeem it.
	authCode, err := s.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, s.rejectExchange(ctx, span, "", clientID, "code_removed")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	if !now.Before(authCode.ExpiresAt) {
		return nil, s.rejectExchange(ctx, span, authCode.UserID, clientID, "expired")
	}
	if authCode.ClientID != clientID {
		return nil, s.rejectExchange(ctx, span, authCode.UserID, clientID, "client_id_mismatch")
	}
	if authCode.RedirectURI != redirectURI {
		return nil, s.rejectExchange(ctx, span, authCode.UserID, clientID, "redirect_uri_mismatch")
	}
	if !VerifyPKCE(codeVerifier, authCode.CodeChallenge) {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, s.rejectExchange(ctx, span, authCode.UserID, clientID, "pkce_mismatch")
	}

	pair, err := s.GenerateTokenPair(ctx, authCode.UserID, authCode.ClientID, authCode.Scope, authCode.Resource)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID)
	}
	instrumentation.AddOAuthFlowAttributes(span, "", authCode.UserID, authCode.Scope)
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}

// rejectExchange records a failed exchange and returns ErrInvalidGrant.
// The reason goes to logs and metrics only.
func (s *Server) rejectExchange(ctx context.Context, span trace.Span, userID, clientID, reason string) error {
	s.Auditor.LogAuthorizationCodeRejected(userID, clientID, reason)
	if m := s.metrics(); m != nil {
		m.RecordCodeExchangeFailed(ctx, reason)
	}
	s.Logger.Debug("Authorization code exchange rejected", "reason", reason, "client_id", clientID)
	instrumentation.SetSpanError(span, ErrInvalidGrant.Error())
	return ErrInvalidGrant
}
