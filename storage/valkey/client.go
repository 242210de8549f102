package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
)

// clientJSON is the JSON representation of a client
type clientJSON struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		ClientSecretHash:        c.ClientSecretHash,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		CreatedAt:               c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientName:              j.ClientName,
		ClientSecretHash:        j.ClientSecretHash,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		CreatedAt:               j.CreatedAt,
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// InsertClient stores a new client. Client keys never expire.
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) (*storage.Client, error) {
	if client == nil || client.ClientID == "" {
		return nil, fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Nx().Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)

	out := *client
	return &out, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}
