package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// issueCode registers a public client and issues a code for it
func issueCode(t *testing.T, srv *Server) (client *storage.Client, code, verifier string) {
	t.Helper()

	client = registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()

	code, err := srv.GenerateAuthorizationCode(context.Background(), AuthorizationCodeParams{
		ClientID:      client.ClientID,
		UserID:        testUserID,
		RedirectURI:   testRedirectURI,
		CodeChallenge: challenge,
		State:         "xyz",
		Resource:      "https://mcp.example.com",
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}
	return client, code, verifier
}

func TestServer_GenerateAuthorizationCode(t *testing.T) {
	srv, store, clock := setupTestServer(t, nil)
	ctx := context.Background()

	client, code, _ := issueCode(t, srv)

	if code == "" {
		t.Fatal("code should not be empty")
	}
	if strings.HasPrefix(code, srv.Config.TokenPrefix) {
		t.Error("authorization codes carry no token prefix")
	}

	row, err := store.GetAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if row.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", row.ClientID, client.ClientID)
	}
	if row.CodeChallengeMethod != PKCEMethodS256 {
		t.Errorf("CodeChallengeMethod = %q, want %q", row.CodeChallengeMethod, PKCEMethodS256)
	}
	if row.Scope != "mcp" {
		t.Errorf("Scope = %q, want default %q", row.Scope, "mcp")
	}
	if row.UsedAt != nil {
		t.Error("new code should be unused")
	}
	testutil.AssertTimeEqual(t, row.ExpiresAt, clock.Now().Add(10*time.Minute), 0)
}

func TestServer_GenerateAuthorizationCode_Unique(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := srv.GenerateAuthorizationCode(ctx, AuthorizationCodeParams{
			ClientID:      "client",
			UserID:        testUserID,
			RedirectURI:   testRedirectURI,
			CodeChallenge: challenge,
		})
		if err != nil {
			t.Fatalf("GenerateAuthorizationCode() error = %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %s", code)
		}
		seen[code] = true
	}
}

func TestServer_GenerateAuthorizationCode_RequiresChallenge(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	_, err := srv.GenerateAuthorizationCode(context.Background(), AuthorizationCodeParams{
		ClientID:    "client",
		UserID:      testUserID,
		RedirectURI: testRedirectURI,
	})

	var inputErr *InputError
	if !errors.As(err, &inputErr) || inputErr.Field != FieldCodeChallenge {
		t.Errorf("GenerateAuthorizationCode() error = %v, want code_challenge InputError", err)
	}
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	ctx := context.Background()

	client, code, verifier := issueCode(t, srv)

	pair, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if pair.AccessToken == pair.RefreshToken {
		t.Error("access and refresh tokens must differ")
	}
	for _, tok := range []string{pair.AccessToken, pair.RefreshToken} {
		if !strings.HasPrefix(tok, "mcp_") {
			t.Errorf("token %q lacks prefix", tok)
		}
		row, err := store.GetTokenByHash(ctx, security.HashSecret(tok))
		if err != nil {
			t.Fatalf("token digest not persisted: %v", err)
		}
		if row.TokenHash == tok {
			t.Error("plaintext token must not be stored")
		}
		if row.Resource != "https://mcp.example.com" {
			t.Errorf("Resource = %q, want code resource", row.Resource)
		}
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", pair.TokenType)
	}
	if pair.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", pair.ExpiresIn)
	}
	if pair.Scope != "mcp" {
		t.Errorf("Scope = %q, want mcp", pair.Scope)
	}
}

func TestServer_ExchangeAuthorizationCode_KnownVerifier(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	reg, err := srv.RegisterClient(ctx, RegistrationRequest{
		ClientName:   "Example",
		RedirectURIs: []string{"https://a.test/cb"},
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if reg.ClientSecret != "" || reg.Client.TokenEndpointAuthMethod != storage.AuthMethodNone {
		t.Fatal("expected a public client without secret")
	}

	code, err := srv.GenerateAuthorizationCode(ctx, AuthorizationCodeParams{
		ClientID:      reg.Client.ClientID,
		UserID:        testUserID,
		RedirectURI:   "https://a.test/cb",
		CodeChallenge: s256("verifier123"),
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, reg.Client.ClientID, "verifier123", "https://a.test/cb"); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
}

func TestServer_ExchangeAuthorizationCode_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(clientID, code, verifier, redirect *string)
		advance time.Duration
	}{
		{
			name:   "unknown code",
			mutate: func(_, code, _, _ *string) { *code = "unknown" },
		},
		{
			name:   "empty code",
			mutate: func(_, code, _, _ *string) { *code = "" },
		},
		{
			name:   "wrong client",
			mutate: func(clientID, _, _, _ *string) { *clientID = "other-client" },
		},
		{
			name:   "wrong redirect URI",
			mutate: func(_, _, _, redirect *string) { *redirect = testRedirectURI + "/" },
		},
		{
			name:   "wrong verifier",
			mutate: func(_, _, verifier, _ *string) { *verifier = "wrong-verifier" },
		},
		{
			name:   "missing verifier",
			mutate: func(_, _, verifier, _ *string) { *verifier = "" },
		},
		{
			name:    "expired exactly at boundary",
			mutate:  func(_, _, _, _ *string) {},
			advance: 10 * time.Minute,
		},
		{
			name:    "expired",
			mutate:  func(_, _, _, _ *string) {},
			advance: 11 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, clock := setupTestServer(t, nil)
			ctx := context.Background()

			client, code, verifier := issueCode(t, srv)
			clientID, redirect := client.ClientID, testRedirectURI
			tt.mutate(&clientID, &code, &verifier, &redirect)
			clock.Advance(tt.advance)

			pair, err := srv.ExchangeAuthorizationCode(ctx, code, clientID, verifier, redirect)
			if !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("ExchangeAuthorizationCode() error = %v, want ErrInvalidGrant", err)
			}
			if pair != nil {
				t.Error("rejected exchange must not return tokens")
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{"one nanosecond before expiry", 10*time.Minute - time.Nanosecond, false},
		{"exactly at expiry", 10 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, clock := setupTestServer(t, nil)
			ctx := context.Background()

			client, code, verifier := issueCode(t, srv)
			clock.Advance(tt.advance)

			pair, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGrant) {
					t.Errorf("ExchangeAuthorizationCode() error = %v, want ErrInvalidGrant", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
			}
			if pair == nil || pair.AccessToken == "" {
				t.Error("exchange before expiry should return tokens")
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode_FailedAttemptBurnsCode(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	client, code, verifier := issueCode(t, srv)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "wrong-verifier", testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("first exchange error = %v, want ErrInvalidGrant", err)
	}

	// A well-formed retry still fails.
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("retry error = %v, want ErrInvalidGrant", err)
	}
}

func TestServer_ExchangeAuthorizationCode_Reuse(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	client, code, verifier := issueCode(t, srv)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	pair, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want ErrInvalidGrant", err)
	}
	if pair != nil {
		t.Error("second exchange must not return tokens")
	}
}

func TestServer_ExchangeAuthorizationCode_Concurrent(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	client, code, verifier := issueCode(t, srv)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)

	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pair, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && pair != nil:
				successes++
			case errors.Is(err, ErrInvalidGrant):
				failures++
			default:
				t.Errorf("unexpected result: pair=%v err=%v", pair, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful exchanges = %d, want 1", successes)
	}
	if failures != attempts-1 {
		t.Errorf("failed exchanges = %d, want %d", failures, attempts-1)
	}
}

func TestServer_ExchangeAuthorizationCode_NonS256MethodStillHashes(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	client := registerPublicClient(t, srv)
	verifier := "plain-verifier-value"

	// A "plain" challenge equal to the verifier must not verify.
	code, err := srv.GenerateAuthorizationCode(ctx, AuthorizationCodeParams{
		ClientID:            client.ClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       verifier,
		CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("plain challenge exchange error = %v, want ErrInvalidGrant", err)
	}

	// An S256 challenge declared as "plain" verifies with SHA-256.
	code, err = srv.GenerateAuthorizationCode(ctx, AuthorizationCodeParams{
		ClientID:            client.ClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, verifier, testRedirectURI); err != nil {
		t.Errorf("ExchangeAuthorizationCode() error = %v", err)
	}
}
