package server

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"slices"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// MaxClientNameLength is the maximum client_name length in characters
	MaxClientNameLength = 200

	// PKCEMethodS256 is the only code challenge method that is verified
	PKCEMethodS256 = "S256"
)

// Registration request field names, used as InputError.Field
const (
	FieldClientName              = "client_name"
	FieldRedirectURIs            = "redirect_uris"
	FieldGrantTypes              = "grant_types"
	FieldTokenEndpointAuthMethod = "token_endpoint_auth_method"
	FieldCodeChallenge           = "code_challenge"
)

var (
	supportedGrantTypes = []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
	}

	supportedAuthMethods = []string{
		storage.AuthMethodNone,
		storage.AuthMethodClientSecretPost,
		storage.AuthMethodClientSecretBasic,
	}
)

// validateRegistrationRequest checks a registration request and returns the
// first violation found. The order is name, redirect URI presence, redirect
// URI scheme, grant types, auth method.
func validateRegistrationRequest(req *RegistrationRequest) *InputError {
	nameLen := utf8.RuneCountInString(req.ClientName)
	if nameLen == 0 || nameLen > MaxClientNameLength {
		return &InputError{
			Field:   FieldClientName,
			Message: fmt.Sprintf("client_name must be between 1 and %d characters", MaxClientNameLength),
		}
	}

	if len(req.RedirectURIs) == 0 {
		return &InputError{
			Field:   FieldRedirectURIs,
			Message: "at least one redirect URI is required",
		}
	}

	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURIScheme(uri); err != nil {
			return err
		}
	}

	for _, gt := range req.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return &InputError{
				Field:   FieldGrantTypes,
				Message: fmt.Sprintf("unsupported grant type %q", gt),
			}
		}
	}

	if req.TokenEndpointAuthMethod != "" && !slices.Contains(supportedAuthMethods, req.TokenEndpointAuthMethod) {
		return &InputError{
			Field:   FieldTokenEndpointAuthMethod,
			Message: fmt.Sprintf("unsupported token_endpoint_auth_method %q", req.TokenEndpointAuthMethod),
		}
	}

	return nil
}

// validateRedirectURIScheme accepts absolute https URIs, and http URIs whose
// hostname is exactly "localhost".
func validateRedirectURIScheme(uri string) *InputError {
	parsed, err := url.Parse(uri)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return &InputError{
			Field:   FieldRedirectURIs,
			Message: fmt.Sprintf("redirect URI must be an absolute URI: %s", uri),
		}
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if parsed.Hostname() == "localhost" {
			return nil
		}
	}

	return &InputError{
		Field:   FieldRedirectURIs,
		Message: fmt.Sprintf("redirect URI must use https (http is only allowed for localhost): %s", uri),
	}
}

// VerifyPKCE reports whether base64url(SHA-256(verifier)) equals challenge.
// The comparison is constant-time.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
