package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// logPrefixLength is how many characters of a code or token digest are logged
const logPrefixLength = 8

// Server implements the OAuth 2.1 authorization server core.
// It holds no per-request state; all coordination happens in the store.
type Server struct {
	store               storage.Store
	Auditor             *security.Auditor
	RegistrationLimiter security.RegistrationLimiter
	Instrumentation     *instrumentation.Instrumentation
	Logger              *slog.Logger
	Config              *Config

	tracer trace.Tracer
	now    func() time.Time

	// ownedLimiter is the default in-memory limiter created by New
	ownedLimiter *security.ClientRegistrationRateLimiter
}

// New creates a new OAuth server. A process-local registration limiter
// (10 registrations per IP per hour) is installed until SetRegistrationLimiter
// replaces it.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	limiter := security.NewClientRegistrationRateLimiter(logger)

	return &Server{
		store:               store,
		RegistrationLimiter: limiter,
		ownedLimiter:        limiter,
		Logger:              logger,
		Config:              config,
		tracer:              noop.NewTracerProvider().Tracer(""),
		now:                 time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRegistrationLimiter replaces the registration limiter, e.g. with a shared
// valkey-backed limiter for a global quota.
func (s *Server) SetRegistrationLimiter(rl security.RegistrationLimiter) {
	if s.ownedLimiter != nil {
		s.ownedLimiter.Stop()
		s.ownedLimiter = nil
	}
	s.RegistrationLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock overrides the time source used for expiry checks and timestamps
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Shutdown releases background resources owned by the server
func (s *Server) Shutdown() {
	if s.ownedLimiter != nil {
		s.ownedLimiter.Stop()
	}
}

// metrics returns the metrics holder, or nil when instrumentation is not set
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// generateRandomToken returns base64url(32 random bytes) from oauth2.GenerateVerifier
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// generateBearerToken returns a prefixed random bearer string
func (s *Server) generateBearerToken() string {
	return s.Config.TokenPrefix + generateRandomToken()
}

func ttl(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
