package security

// Event type constants for security audit logging.
const (
	// Client registry events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when a registration fails validation
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationRateLimitExceeded is logged when an IP exceeds its registration quota
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeRejected is logged when a code exchange is rejected.
	// The reason is recorded for operators only; callers see a generic failure.
	EventAuthorizationCodeRejected = "authorization_code_rejected"

	// Token lifecycle events

	// EventTokenIssued is logged when a token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is minted from a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when the request throttle rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"
)
