package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

const (
	testUserID      = "user-123"
	testClientIP    = "192.0.2.10"
	testRedirectURI = "https://app.example.com/callback"
)

// setupTestServer returns a server over a fresh memory store, driven by a mock clock
func setupTestServer(t *testing.T, config *Config) (*Server, *memory.Store, *testutil.MockTime) {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Stop() })

	srv, err := New(store, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Shutdown)

	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	srv.SetClock(clock.Now)

	return srv, store, clock
}

// registerPublicClient registers a public client with testRedirectURI
func registerPublicClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()

	reg, err := srv.RegisterClient(context.Background(), RegistrationRequest{
		ClientName:   "Test Client",
		RedirectURIs: []string{testRedirectURI},
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return reg.Client
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, &Config{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Shutdown()

	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if srv.RegistrationLimiter == nil {
		t.Error("RegistrationLimiter should default to an in-memory limiter")
	}
	if srv.Config.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %d, want %d", srv.Config.AccessTokenTTL, DefaultAccessTokenTTL)
	}
}

func TestNew_WithLogger(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	logger := slog.Default()
	srv, err := New(store, nil, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Shutdown()

	if srv.Logger != logger {
		t.Error("Logger should match provided logger")
	}
	if srv.Config == nil {
		t.Error("Config should not be nil when nil is passed")
	}
}

func TestNew_MissingStore(t *testing.T) {
	_, err := New(nil, nil, nil)
	if err == nil {
		t.Error("New() with nil store should return error")
	}
}

func TestServer_SetRegistrationLimiter(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	limiter := security.NewClientRegistrationRateLimiterWithConfig(security.RegistrationLimiterConfig{MaxPerWindow: 1})
	defer limiter.Stop()

	srv.SetRegistrationLimiter(limiter)
	if srv.ownedLimiter != nil {
		t.Error("default limiter should be released after replacement")
	}

	registerPublicClient(t, srv)
	_, err := srv.RegisterClient(context.Background(), RegistrationRequest{
		ClientName:   "Second",
		RedirectURIs: []string{testRedirectURI},
	}, testClientIP)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("RegisterClient() error = %v, want ErrRateLimited", err)
	}
}

func TestServer_WithInstrumentationAndAuditor(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	srv, _, _ := setupTestServer(t, nil)
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(nil, true))

	client := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()

	ctx := context.Background()
	code, err := srv.GenerateAuthorizationCode(ctx, AuthorizationCodeParams{
		ClientID:      client.ClientID,
		UserID:        testUserID,
		RedirectURI:   testRedirectURI,
		CodeChallenge: challenge,
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}

	pair, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if _, err := srv.RevokeToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
}

// failingStore wraps a store and fails selected operations
type failingStore struct {
	storage.Store
	failMark   bool
	failInsert bool
}

var errStoreUnavailable = errors.New("store unavailable")

func (f *failingStore) MarkAuthorizationCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	if f.failMark {
		return false, errStoreUnavailable
	}
	return f.Store.MarkAuthorizationCodeUsed(ctx, code, usedAt)
}

func (f *failingStore) InsertClient(ctx context.Context, client *storage.Client) (*storage.Client, error) {
	if f.failInsert {
		return nil, errStoreUnavailable
	}
	return f.Store.InsertClient(ctx, client)
}

func TestServer_StorageFailuresPropagate(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	fs := &failingStore{Store: store, failMark: true, failInsert: true}
	srv, err := New(fs, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Shutdown()

	ctx := context.Background()

	_, err = srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "Test",
		RedirectURIs: []string{testRedirectURI},
	}, testClientIP)
	if !errors.Is(err, errStoreUnavailable) {
		t.Errorf("RegisterClient() error = %v, want wrapped store error", err)
	}

	_, err = srv.ExchangeAuthorizationCode(ctx, "code", "client", "verifier", testRedirectURI)
	if !errors.Is(err, errStoreUnavailable) {
		t.Errorf("ExchangeAuthorizationCode() error = %v, want wrapped store error", err)
	}
	if errors.Is(err, ErrInvalidGrant) {
		t.Error("storage failure must not be reported as invalid_grant")
	}
}

func TestServer_ConcurrentRegistrations(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.RegisterClient(context.Background(), RegistrationRequest{
				ClientName:   "Concurrent",
				RedirectURIs: []string{testRedirectURI},
			}, "198.51.100.7")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("RegisterClient() error = %v", err)
		}
	}
}
