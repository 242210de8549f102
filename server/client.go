package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// RegistrationRequest is a dynamic client registration request (RFC 7591)
type RegistrationRequest struct {
	ClientName   string
	RedirectURIs []string

	// GrantTypes defaults to authorization_code and refresh_token
	GrantTypes []string

	// TokenEndpointAuthMethod defaults to "none"
	TokenEndpointAuthMethod string
}

// Registration is the result of a successful registration.
type Registration struct {
	Client *storage.Client

	// ClientSecret is the plaintext secret. It is returned exactly once and
	// never stored. Empty for public clients.
	ClientSecret string
}

// CheckRegistrationQuota reports whether clientIP may register a client now.
// It returns a *RateLimitError when the quota is exhausted and consumes nothing.
func (s *Server) CheckRegistrationQuota(ctx context.Context, clientIP string) error {
	return s.checkRegistrationQuota(ctx, clientIP)
}

func (s *Server) checkRegistrationQuota(ctx context.Context, clientIP string) error {
	if s.RegistrationLimiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.RegistrationLimiter.Allow(ctx, clientIP)
	if err != nil {
		return fmt.Errorf("failed to check registration limit: %w", err)
	}
	if !allowed {
		s.Auditor.LogClientRegistrationRateLimitExceeded(clientIP)
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "client_registration")
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

// RegisterClient registers a new OAuth client.
//
// The per-IP registration quota is checked first, before the request is
// validated. Validation stops at the first violation and returns an
// *InputError. A quota violation returns a *RateLimitError. Only the SHA-256
// digest of a generated client secret is persisted.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, clientIP string) (*Registration, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.register_client")
	defer span.End()

	if err := s.checkRegistrationQuota(ctx, clientIP); err != nil {
		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			instrumentation.SetSpanError(span, "registration rate limit exceeded")
		} else {
			instrumentation.RecordError(span, err)
		}
		return nil, err
	}

	if inputErr := validateRegistrationRequest(&req); inputErr != nil {
		s.Auditor.LogClientRegistrationRejected(clientIP, inputErr.Field)
		if m := s.metrics(); m != nil {
			m.RecordClientRegistrationRejected(ctx, inputErr.Field)
		}
		s.Logger.Warn("Client registration rejected",
			"field", inputErr.Field,
			"reason", inputErr.Message,
			"client_ip", clientIP)
		instrumentation.SetSpanError(span, inputErr.Error())
		return nil, inputErr
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = storage.AuthMethodNone
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}

	var clientSecret, clientSecretHash string
	if authMethod != storage.AuthMethodNone {
		clientSecret = security.GenerateSecret()
		clientSecretHash = security.HashSecret(clientSecret)
	}

	client, err := s.store.InsertClient(ctx, &storage.Client{
		ClientID:                uuid.NewString(),
		ClientName:              req.ClientName,
		ClientSecretHash:        clientSecretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               s.now(),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	if s.RegistrationLimiter != nil {
		if err := s.RegistrationLimiter.Record(ctx, clientIP); err != nil {
			// The client exists; a missed count only loosens the quota.
			s.Logger.Warn("Failed to record client registration", "error", err, "client_ip", clientIP)
		}
	}

	s.Auditor.LogClientRegistered(client.ClientID, authMethod, clientIP)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, authMethod)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"token_endpoint_auth_method", authMethod,
		"client_ip", clientIP)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrAuthMethod, authMethod))
	instrumentation.SetSpanSuccess(span)

	return &Registration{Client: client, ClientSecret: clientSecret}, nil
}

// GetClient retrieves a client by ID. Returns storage.ErrClientNotFound if absent.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// VerifyClientSecret hashes providedSecret and compares it with storedHash in
// constant time. It performs no I/O.
func (s *Server) VerifyClientSecret(storedHash, providedSecret string) bool {
	return security.VerifySecret(storedHash, providedSecret)
}

// AuthenticateClient authenticates a client at the token endpoint.
// Public clients need no secret; confidential clients must present one that
// matches the stored digest. Every failure returns ErrInvalidClient.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Auditor.LogAuthFailure(clientID, "", "unknown_client")
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" || !s.VerifyClientSecret(client.ClientSecretHash, clientSecret) {
		s.Auditor.LogAuthFailure(clientID, "", "invalid_client_secret")
		return nil, ErrInvalidClient
	}

	return client, nil
}
