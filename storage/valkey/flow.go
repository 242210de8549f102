package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// authorizationCodeJSON is the JSON representation of an authorization code.
// used_at is kept in a separate marker key.
type authorizationCodeJSON struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	State               string    `json:"state,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Scope:               c.Scope,
		State:               c.State,
		Resource:            c.Resource,
		ExpiresAt:           c.ExpiresAt,
		CreatedAt:           c.CreatedAt,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON, usedAt *time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scope:               j.Scope,
		State:               j.State,
		Resource:            j.Resource,
		ExpiresAt:           j.ExpiresAt,
		CreatedAt:           j.CreatedAt,
		UsedAt:              usedAt,
	}
}

// ============================================================
// CodeStore Implementation
// ============================================================

// InsertAuthorizationCode stores a new authorization code with a TTL
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	if code == nil || code.Code == "" {
		return nil, fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Nx().Px(s.rowTTL(code.ExpiresAt)).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	out := *code
	out.UsedAt = nil
	return &out, nil
}

// GetAuthorizationCode retrieves an authorization code with its used marker
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, usedAt, found, err := s.getRowAndMarker(ctx, s.codeKey(code), s.codeUsedKey(code))
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if !found {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return fromAuthorizationCodeJSON(&j, usedAt), nil
}

// MarkAuthorizationCodeUsed atomically marks an unused code as used.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	marked, err := s.setMarkerOnce(ctx, s.codeKey(code), s.codeUsedKey(code), usedAt)
	if err != nil {
		return false, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	if marked {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	}
	return marked, nil
}
