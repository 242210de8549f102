package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events as structured log records. User identifiers
// are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs a successful registration
func (a *Auditor) LogClientRegistered(clientID, authMethod, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_endpoint_auth_method": authMethod},
	})
}

// LogClientRegistrationRejected logs a registration rejected on the given field
func (a *Auditor) LogClientRegistrationRejected(ipAddress, field string) {
	a.LogEvent(Event{
		Type:      EventClientRegistrationRejected,
		IPAddress: ipAddress,
		Details:   map[string]any{"field": field},
	})
}

// LogClientRegistrationRateLimitExceeded logs a registration blocked by the quota
func (a *Auditor) LogClientRegistrationRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistrationRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// LogAuthorizationCodeIssued logs an authorization code issuance
func (a *Auditor) LogAuthorizationCodeIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogAuthorizationCodeRejected logs a rejected exchange with its internal reason
func (a *Auditor) LogAuthorizationCodeRejected(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeRejected,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs when an access token is minted from a refresh token
func (a *Auditor) LogTokenRefreshed(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"rotated": false},
	})
}

// LogTokenRevoked logs a revocation; cascaded counts linked access tokens revoked with it
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string, cascaded int64) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
			"cascaded":   cascaded,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a request rejected by the request throttle
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
