package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// GenerateSecret returns base64url(32 bytes from crypto/rand) without padding.
// It is used for client secrets, authorization codes and bearer token bodies.
func GenerateSecret() string {
	return oauth2.GenerateVerifier()
}

// HashSecret returns the lowercase hex SHA-256 digest of secret (64 characters).
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares a and b without leaking the position of the first
// differing byte. Inputs of different length return false without inspecting content.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifySecret hashes provided and compares it to storedHash in constant time.
// It performs no I/O and cannot fail.
func VerifySecret(storedHash, provided string) bool {
	return ConstantTimeEqual(HashSecret(provided), storedHash)
}
