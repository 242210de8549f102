package oauth

import (
	"log/slog"

	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Server is the authorization server core that Handler serves over HTTP.
type Server = server.Server

// ServerConfig configures token lifetimes, the token prefix and revocation policy.
type ServerConfig = server.Config

// NewServer creates the authorization server core over store.
// It is shorthand for server.New.
func NewServer(store storage.Store, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	return server.New(store, config, logger)
}
