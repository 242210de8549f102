package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Client Registry Metrics
	ClientRegistered           metric.Int64Counter
	ClientRegistrationRejected metric.Int64Counter

	// Code & Token Metrics
	CodeIssued         metric.Int64Counter
	CodeExchanged      metric.Int64Counter
	CodeExchangeFailed metric.Int64Counter
	TokenIssued        metric.Int64Counter
	TokenRefreshed     metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	TokenRejected      metric.Int64Counter

	// Security Metrics
	RateLimitExceeded      metric.Int64Counter
	PKCEValidationFailed   metric.Int64Counter
	CodeRedemptionRejected metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeTokens        metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.ClientRegistrationRejected, serverMeter, "oauth.client.registration.rejected", "Number of client registrations rejected by validation", "{request}"},
		{&m.CodeIssued, serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{code}"},
		{&m.CodeExchangeFailed, serverMeter, "oauth.code.exchange.failed", "Number of rejected authorization code exchanges", "{code}"},
		{&m.TokenIssued, serverMeter, "oauth.token.issued", "Number of tokens issued", "{token}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Number of access tokens minted from refresh tokens", "{token}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{token}"},
		{&m.TokenRejected, serverMeter, "oauth.token.rejected", "Number of tokens rejected during verification or refresh", "{token}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of requests rejected by a rate limiter", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE verifications that failed", "{attempt}"},
		{&m.CodeRedemptionRejected, securityMeter, "oauth.code.redemption_rejected", "Number of redemption attempts for unknown or already used codes", "{attempt}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients in storage"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageSizeCodes, err = storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of authorization codes in storage"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageSizeTokens, err = storageMeter.Int64ObservableGauge(
		"storage.tokens.count",
		metric.WithDescription("Number of tokens in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a successful client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_method", authMethod),
	))
}

// RecordClientRegistrationRejected records a registration rejected for the given field
func (m *Metrics) RecordClientRegistrationRejected(ctx context.Context, field string) {
	m.ClientRegistrationRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("field", field),
	))
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchangeFailed records a rejected exchange. The reason is only
// exported as a metric label and never returned to callers.
func (m *Metrics) RecordCodeExchangeFailed(ctx context.Context, reason string) {
	m.CodeExchangeFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordTokenIssued records a token pair issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRejected records a token rejected by verify or refresh
func (m *Metrics) RecordTokenRejected(ctx context.Context, operation string) {
	m.TokenRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeRedemptionRejected records a redemption attempt whose conditional update changed nothing
func (m *Metrics) RecordCodeRedemptionRejected(ctx context.Context) {
	m.CodeRedemptionRejected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
