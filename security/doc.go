// Package security provides the cryptographic and abuse-control primitives of
// the authorization server.
//
// # Secrets
//
// GenerateSecret returns 32 bytes of CSPRNG output as unpadded base64url; it is
// the source of client secrets, authorization codes and bearer token bodies.
// HashSecret produces the SHA-256 hex digest that is persisted instead of the
// plaintext, and VerifySecret/ConstantTimeEqual compare digests without leaking
// where two values first differ.
//
// # Registration quota
//
// RegistrationLimiter caps successful client registrations per source IP in a
// fixed window (10 per hour by default). ClientRegistrationRateLimiter keeps the
// counters in process memory, so each instance enforces its own quota. The
// storage/valkey package provides a shared implementation for a global quota.
//
//	limiter := security.NewClientRegistrationRateLimiter(logger)
//	defer limiter.Stop()
//
// # Request throttling
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with LRU
// eviction, applied to every HTTP endpoint:
//
//	throttle := security.NewRateLimiter(10, 20, logger)
//	if !throttle.Allow(clientIP) {
//		// 429
//	}
//
// # Auditing
//
// Auditor emits "security_audit" log records. User identifiers are hashed.
package security
