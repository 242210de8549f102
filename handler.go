package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// maxRegistrationBodySize caps the registration request body
	maxRegistrationBodySize = 64 * 1024

	responseTypeCode = "code"
)

// supportedTokenAuthMethods is advertised in the metadata document
var supportedTokenAuthMethods = []string{
	storage.AuthMethodNone,
	storage.AuthMethodClientSecretBasic,
	storage.AuthMethodClientSecretPost,
}

// IdentityResolver supplies the authenticated end user for an authorization
// request. Session handling, login and consent live behind it.
type IdentityResolver interface {
	// ResolveUser returns the ID of the user behind r, or "" when the request
	// carries no authenticated session.
	ResolveUser(r *http.Request) (string, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver
type IdentityResolverFunc func(r *http.Request) (string, error)

// ResolveUser implements IdentityResolver
func (f IdentityResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *server.Server
	config      *Config
	identity    IdentityResolver
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewHandler creates a new HTTP handler. identity may be nil, in which case
// the authorization endpoint answers with server_error.
func NewHandler(srv *server.Server, config *Config, identity IdentityResolver) *Handler {
	config = applyConfigDefaults(config)

	h := &Handler{
		server:   srv,
		config:   config,
		identity: identity,
		logger:   config.Logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, h.logger)
	}

	return h
}

// Close stops the per-IP rate limiter's cleanup goroutine
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every endpoint on mux. Routes registered this way
// are instrumented but not throttled; see Routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(MetadataPath, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle(RegistrationPath, h.instrument("register", h.ServeClientRegistration))
	mux.Handle(AuthorizationPath, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle(TokenPath, h.instrument("token", h.ServeToken))
	mux.Handle(RevocationPath, h.instrument("revoke", h.ServeTokenRevocation))
}

// Routes returns all endpoints wrapped with request IDs and per-IP throttling
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(h.Throttle(mux))
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps an endpoint with a span and HTTP request metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, startTime)
	})
}

// Throttle is middleware applying the per-IP request rate limit
func (h *Handler) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.checkIPRateLimit(w, r, h.clientIP(r)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)

	w.Header().Set("Retry-After", "1")
	h.writeOAuthError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// ============================================================
// Discovery
// ============================================================

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() *AuthorizationServerMetadata {
	scopes := h.config.SupportedScopes
	if len(scopes) == 0 {
		scopes = []string{h.server.Config.DefaultScope}
	}

	return &AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		AuthorizationEndpoint:             h.config.AuthorizationEndpoint(),
		TokenEndpoint:                     h.config.TokenEndpoint(),
		RegistrationEndpoint:              h.config.RegistrationEndpoint(),
		RevocationEndpoint:                h.config.RevocationEndpoint(),
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{responseTypeCode},
		GrantTypesSupported:               []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: supportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
}

// ============================================================
// Client Registration
// ============================================================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	clientIP := h.clientIP(r)
	instrumentation.AddSecurityAttributes(span, clientIP)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)).Decode(&req); err != nil {
		// An exhausted quota takes precedence over a malformed body.
		if quotaErr := h.server.CheckRegistrationQuota(ctx, clientIP); quotaErr != nil {
			h.handleRegistrationError(w, quotaErr, clientIP)
			return
		}
		h.writeOAuthError(w, ErrInvalidRequest("Invalid JSON"))
		return
	}

	reg, err := h.server.RegisterClient(ctx, server.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		h.handleRegistrationError(w, err, clientIP)
		return
	}

	h.writeRegistrationResponse(w, reg)
}

// handleRegistrationError maps core registration errors to RFC 7591 responses.
func (h *Handler) handleRegistrationError(w http.ResponseWriter, err error, clientIP string) {
	var (
		rateErr  *server.RateLimitError
		inputErr *server.InputError
	)

	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(rateErr.RetryAfter), 10))
		h.writeOAuthError(w, ErrRateLimitExceeded("Client registration limit exceeded"))
	case errors.As(err, &inputErr):
		if inputErr.Field == server.FieldRedirectURIs {
			h.writeOAuthError(w, ErrInvalidRedirectURI(inputErr.Message))
			return
		}
		h.writeOAuthError(w, ErrInvalidClientMetadata(inputErr.Message))
	default:
		h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
		h.writeOAuthError(w, ErrServerError("Failed to register client"))
	}
}

// writeRegistrationResponse writes the client registration response.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, reg *server.Registration) {
	client := reg.Client
	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{responseTypeCode},
		ClientName:              client.ClientName,
	}

	if reg.ClientSecret != "" {
		var never int64
		response.ClientSecret = reg.ClientSecret
		response.ClientSecretExpiresAt = &never
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusCreated, response)
}

// ============================================================
// Authorization
// ============================================================

// ServeAuthorization handles OAuth authorization requests.
//
// Errors in client_id or redirect_uri are answered directly; once the redirect
// URI is known to be registered, every other error is returned to the client
// through it.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	security.SetSecurityHeaders(w, h.config.Issuer)

	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		h.writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	client, err := h.server.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			h.writeOAuthError(w, ErrInvalidRequest("Unknown client"))
			return
		}
		h.logger.Error("Failed to load client", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, ErrServerError("Failed to load client"))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		h.logger.Warn("Authorization request with unregistered redirect_uri", "client_id", clientID)
		h.writeOAuthError(w, ErrInvalidRequest("redirect_uri is not registered for this client"))
		return
	}

	state := q.Get("state")
	codeChallengeMethod := q.Get("code_challenge_method")

	switch {
	case q.Get("response_type") != responseTypeCode:
		h.redirectError(w, r, redirectURI, state, ErrorCodeUnsupportedResponseType, "Only response_type=code is supported")
		return
	case !slices.Contains(client.GrantTypes, storage.GrantTypeAuthorizationCode):
		h.redirectError(w, r, redirectURI, state, ErrorCodeUnauthorizedClient, "Client is not registered for authorization_code")
		return
	case q.Get("code_challenge") == "":
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, "code_challenge is required")
		return
	case codeChallengeMethod != "" && codeChallengeMethod != server.PKCEMethodS256:
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, "Only code_challenge_method=S256 is supported")
		return
	}

	if h.identity == nil {
		h.logger.Error("No identity resolver configured")
		h.redirectError(w, r, redirectURI, state, ErrorCodeServerError, "Authorization is not available")
		return
	}

	userID, err := h.identity.ResolveUser(r)
	if err != nil {
		h.logger.Error("Failed to resolve user", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.redirectError(w, r, redirectURI, state, ErrorCodeServerError, "Failed to resolve user")
		return
	}
	if userID == "" {
		h.redirectError(w, r, redirectURI, state, ErrorCodeAccessDenied, "User is not authenticated")
		return
	}

	code, err := h.server.GenerateAuthorizationCode(ctx, server.AuthorizationCodeParams{
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: codeChallengeMethod,
		Scope:               q.Get("scope"),
		State:               state,
		Resource:            q.Get("resource"),
	})
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "client_id", clientID, "error", err)
		h.redirectError(w, r, redirectURI, state, ErrorCodeServerError, "Failed to issue authorization code")
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, userID, "")
	h.redirect(w, r, redirectURI, url.Values{"code": {code}, "state": {state}})
}

// redirectError sends an authorization error to the client's redirect URI
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	h.redirect(w, r, redirectURI, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {state},
	})
}

// redirect sends a 302 to redirectURI with params merged into its query.
// Empty values are dropped.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Invalid redirect_uri"))
		return
	}

	query := target.Query()
	for key, values := range params {
		if len(values) > 0 && values[0] != "" {
			query.Set(key, values[0])
		}
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ============================================================
// Token
// ============================================================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostFormValue("grant_type")

	switch grantType {
	case storage.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case storage.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	clientIP := h.clientIP(r)

	code := r.PostFormValue("code")
	if code == "" {
		h.writeOAuthError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	client, ok := h.authenticateClient(w, r, clientIP, storage.GrantTypeAuthorizationCode)
	if !ok {
		return
	}

	pair, err := h.server.ExchangeAuthorizationCode(ctx, code, client.ClientID,
		r.PostFormValue("code_verifier"), r.PostFormValue("redirect_uri"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeGrantError(w, err, client.ClientID, clientIP, "Authorization code is invalid or expired")
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	clientIP := h.clientIP(r)

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.writeOAuthError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	client, ok := h.authenticateClient(w, r, clientIP, storage.GrantTypeRefreshToken)
	if !ok {
		return
	}

	pair, err := h.server.RefreshAccessToken(ctx, refreshToken, client.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeGrantError(w, err, client.ClientID, clientIP, "Refresh token is invalid or expired")
		return
	}

	h.writeTokenResponse(w, pair)
}

// writeGrantError answers invalid_grant for rejected grants and server_error otherwise.
// The reason a grant was rejected is never disclosed.
func (h *Handler) writeGrantError(w http.ResponseWriter, err error, clientID, clientIP, description string) {
	if errors.Is(err, server.ErrInvalidGrant) {
		h.logger.Warn("Grant rejected", "client_id", clientID, "ip", clientIP)
		h.writeOAuthError(w, ErrInvalidGrant(description))
		return
	}

	h.logger.Error("Failed to process grant", "client_id", clientID, "ip", clientIP, "error", err)
	h.writeOAuthError(w, ErrServerError("Failed to process request"))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

// ============================================================
// Revocation
// ============================================================

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown and already revoked tokens still get 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeOAuthError(w, ErrInvalidRequest("token is required"))
		return
	}

	// Clients that identify themselves must authenticate.
	if clientID, _, _ := clientCredentials(r); clientID != "" {
		if _, ok := h.authenticateClient(w, r, clientIP, ""); !ok {
			return
		}
	}

	revoked, err := h.server.RevokeToken(ctx, token)
	if err != nil {
		h.logger.Error("Failed to revoke token", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRevoked, revoked))

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Client Authentication
// ============================================================

// clientCredentials returns credentials from HTTP Basic auth, falling back to
// client_id and client_secret form parameters.
func clientCredentials(r *http.Request) (clientID, clientSecret string, basic bool) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, true
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false
}

// authenticateClient authenticates the calling client and, when grantType is
// set, checks the client registered that grant type. On failure it writes the
// error response and returns false.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request, clientIP, grantType string) (*storage.Client, bool) {
	clientID, clientSecret, basic := clientCredentials(r)
	if clientID == "" {
		h.writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return nil, false
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		if errors.Is(err, server.ErrInvalidClient) {
			h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP)
			if basic {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.config.Issuer))
			}
			h.writeOAuthError(w, ErrInvalidClient("Client authentication failed"))
			return nil, false
		}
		h.logger.Error("Failed to authenticate client", "client_id", clientID, "error", err)
		h.writeOAuthError(w, ErrServerError("Failed to authenticate client"))
		return nil, false
	}

	if grantType != "" && !slices.Contains(client.GrantTypes, grantType) {
		h.writeOAuthError(w, ErrUnauthorizedClient(fmt.Sprintf("Client is not registered for %s", grantType)))
		return nil, false
	}

	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrClientID, client.ClientID))
	return client, true
}

// ============================================================
// Bearer Token Middleware
// ============================================================

type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfoFromContext returns the verified access token set by ValidateToken
func TokenInfoFromContext(ctx context.Context) (*server.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*server.TokenInfo)
	return info, ok
}

// ContextWithTokenInfo returns a context carrying info
func ContextWithTokenInfo(ctx context.Context, info *server.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

// ValidateToken is middleware that requires a valid bearer access token and
// stores its TokenInfo in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		info, err := h.server.VerifyAccessToken(r.Context(), accessToken)
		if err != nil {
			if errors.Is(err, server.ErrInvalidToken) {
				h.logger.Debug("Token validation failed", "ip", h.clientIP(r))
				h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token is invalid or expired")
				return
			}
			h.logger.Error("Failed to validate token", "error", err)
			h.writeOAuthError(w, ErrServerError("Failed to validate token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithTokenInfo(r.Context(), info)))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// On failure the 401 response is already written.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "", "")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidRequest, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// writeUnauthorizedError writes a 401 with an RFC 6750 challenge. With an
// empty code the challenge carries no error attributes.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	if code == "" {
		code = ErrorCodeInvalidToken
		description = "Missing Authorization header"
	}
	h.writeOAuthError(w, NewOAuthError(code, description, http.StatusUnauthorized))
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 Section 3
func formatWWWAuthenticate(errCode, errorDesc string) string {
	if errCode == "" {
		return "Bearer"
	}
	challenge := fmt.Sprintf("Bearer error=%q", errCode)
	if errorDesc != "" {
		challenge += fmt.Sprintf(", error_description=%q", errorDesc)
	}
	return challenge
}

// ============================================================
// Helpers
// ============================================================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// retryAfterSeconds rounds d up to whole seconds, at least 1
func retryAfterSeconds(d time.Duration) int64 {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	m := h.metrics()
	if m == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	m.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
