package oauth

import (
	"testing"

	"github.com/giantswarm/mcp-authserver/storage/memory"
)

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := NewServer(store, &ServerConfig{AccessTokenTTL: 60}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Shutdown()

	if srv.Config.AccessTokenTTL != 60 {
		t.Errorf("AccessTokenTTL = %d, want 60", srv.Config.AccessTokenTTL)
	}
	if srv.Config.TokenPrefix == "" {
		t.Error("TokenPrefix should have a default")
	}
}

func TestNewServer_RequiresStore(t *testing.T) {
	if _, err := NewServer(nil, nil, nil); err == nil {
		t.Error("NewServer() should fail without a store")
	}
}
