package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_InsertClient(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	saved, err := store.InsertClient(ctx, client)
	if err != nil {
		t.Fatalf("InsertClient() error = %v", err)
	}
	if saved.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", saved.ClientID, client.ClientID)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != client.ClientName {
		t.Errorf("ClientName = %q, want %q", got.ClientName, client.ClientName)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}
}

func TestStore_InsertClient_Duplicate(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if _, err := store.InsertClient(ctx, client); err != nil {
		t.Fatalf("InsertClient() error = %v", err)
	}

	_, err := store.InsertClient(ctx, client)
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("InsertClient() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_InsertClient_EmptyID(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.InsertClient(context.Background(), &storage.Client{})
	if err == nil {
		t.Error("InsertClient() with empty client ID should return error")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetClient(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_GetClient_ReturnsCopy(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if _, err := store.InsertClient(ctx, client); err != nil {
		t.Fatalf("InsertClient() error = %v", err)
	}

	got, _ := store.GetClient(ctx, client.ClientID)
	got.RedirectURIs[0] = "https://evil.example.com/callback"

	again, _ := store.GetClient(ctx, client.ClientID)
	if again.RedirectURIs[0] != "https://app.example.com/callback" {
		t.Errorf("stored redirect URI was mutated through a returned row: %q", again.RedirectURIs[0])
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_MarkAuthorizationCodeUsed(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	code := testutil.GenerateTestAuthorizationCode(now)
	if _, err := store.InsertAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("InsertAuthorizationCode() error = %v", err)
	}

	changed, err := store.MarkAuthorizationCodeUsed(ctx, code.Code, now)
	if err != nil {
		t.Fatalf("MarkAuthorizationCodeUsed() error = %v", err)
	}
	if !changed {
		t.Fatal("first MarkAuthorizationCodeUsed() should change the row")
	}

	changed, err = store.MarkAuthorizationCodeUsed(ctx, code.Code, now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkAuthorizationCodeUsed() error = %v", err)
	}
	if changed {
		t.Error("second MarkAuthorizationCodeUsed() should not change the row")
	}

	got, err := store.GetAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.UsedAt == nil || !got.UsedAt.Equal(now) {
		t.Errorf("UsedAt = %v, want %v", got.UsedAt, now)
	}
}

func TestStore_MarkAuthorizationCodeUsed_Unknown(t *testing.T) {
	store := New()
	defer store.Stop()

	changed, err := store.MarkAuthorizationCodeUsed(context.Background(), "unknown", time.Now())
	if err != nil {
		t.Fatalf("MarkAuthorizationCodeUsed() error = %v", err)
	}
	if changed {
		t.Error("MarkAuthorizationCodeUsed() on unknown code should report no change")
	}
}

func TestStore_MarkAuthorizationCodeUsed_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	code := testutil.GenerateTestAuthorizationCode(now)
	if _, err := store.InsertAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("InsertAuthorizationCode() error = %v", err)
	}

	const workers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := store.MarkAuthorizationCodeUsed(ctx, code.Code, now)
			if err == nil && changed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful marks = %d, want 1", wins.Load())
	}
}

func TestStore_GetAuthorizationCode_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetAuthorizationCode(context.Background(), "missing")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode() error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_InsertToken_AssignsID(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	token := testutil.GenerateTestToken(storage.TokenTypeRefresh, time.Now())
	saved, err := store.InsertToken(ctx, token)
	if err != nil {
		t.Fatalf("InsertToken() error = %v", err)
	}
	if saved.ID == "" {
		t.Error("InsertToken() should assign an ID")
	}

	got, err := store.GetTokenByHash(ctx, token.TokenHash)
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if got.ID != saved.ID {
		t.Errorf("ID = %q, want %q", got.ID, saved.ID)
	}
}

func TestStore_InsertToken_DuplicateHash(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	token := testutil.GenerateTestToken(storage.TokenTypeAccess, time.Now())
	if _, err := store.InsertToken(ctx, token); err != nil {
		t.Fatalf("InsertToken() error = %v", err)
	}
	if _, err := store.InsertToken(ctx, token); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("InsertToken() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_RevokeToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	token := testutil.GenerateTestToken(storage.TokenTypeAccess, now)
	if _, err := store.InsertToken(ctx, token); err != nil {
		t.Fatalf("InsertToken() error = %v", err)
	}

	tests := []struct {
		name string
		hash string
		want bool
	}{
		{name: "first revocation", hash: token.TokenHash, want: true},
		{name: "already revoked", hash: token.TokenHash, want: false},
		{name: "unknown token", hash: "unknown", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RevokeToken(ctx, tt.hash, now)
			if err != nil {
				t.Fatalf("RevokeToken() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RevokeToken() = %v, want %v", got, tt.want)
			}
		})
	}

	got, _ := store.GetTokenByHash(ctx, token.TokenHash)
	if got.IsUsable(now) {
		t.Error("revoked token should not be usable")
	}
}

func TestStore_RevokeAccessTokensForRefresh(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	refresh, err := store.InsertToken(ctx, testutil.GenerateTestToken(storage.TokenTypeRefresh, now))
	if err != nil {
		t.Fatalf("InsertToken() error = %v", err)
	}

	var hashes []string
	for i := 0; i < 3; i++ {
		access := testutil.GenerateTestToken(storage.TokenTypeAccess, now)
		access.RefreshTokenID = refresh.ID
		if _, err := store.InsertToken(ctx, access); err != nil {
			t.Fatalf("InsertToken() error = %v", err)
		}
		hashes = append(hashes, access.TokenHash)
	}

	if _, err := store.RevokeToken(ctx, hashes[0], now); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	n, err := store.RevokeAccessTokensForRefresh(ctx, refresh.ID, now)
	if err != nil {
		t.Fatalf("RevokeAccessTokensForRefresh() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	got, _ := store.GetTokenByHash(ctx, refresh.TokenHash)
	if got.RevokedAt != nil {
		t.Error("refresh row must not be revoked by the cascade")
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_DeleteExpired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	expiredCode := testutil.GenerateTestAuthorizationCode(now.Add(-time.Hour))
	liveCode := testutil.GenerateTestAuthorizationCode(now)
	for _, c := range []*storage.AuthorizationCode{expiredCode, liveCode} {
		if _, err := store.InsertAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("InsertAuthorizationCode() error = %v", err)
		}
	}

	// Expired refresh row still referenced by a live access row.
	refresh := testutil.GenerateTestToken(storage.TokenTypeRefresh, now.Add(-2*time.Hour))
	savedRefresh, _ := store.InsertToken(ctx, refresh)
	access := testutil.GenerateTestToken(storage.TokenTypeAccess, now)
	access.RefreshTokenID = savedRefresh.ID
	_, _ = store.InsertToken(ctx, access)

	expiredAccess := testutil.GenerateTestToken(storage.TokenTypeAccess, now.Add(-2*time.Hour))
	_, _ = store.InsertToken(ctx, expiredAccess)

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := store.GetAuthorizationCode(ctx, expiredCode.Code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Error("expired code should be removed")
	}
	if _, err := store.GetAuthorizationCode(ctx, liveCode.Code); err != nil {
		t.Error("live code should remain")
	}
	if _, err := store.GetTokenByHash(ctx, refresh.TokenHash); err != nil {
		t.Error("referenced refresh row should remain")
	}
	if _, err := store.GetTokenByHash(ctx, expiredAccess.TokenHash); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Error("expired access row should be removed")
	}
}

func TestStore_CleanupLoop(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	defer store.Stop()
	ctx := context.Background()

	mockTime := testutil.NewMockTime(time.Now())
	store.SetClock(mockTime.Now)

	code := testutil.GenerateTestAuthorizationCode(mockTime.Now())
	if _, err := store.InsertAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("InsertAuthorizationCode() error = %v", err)
	}

	mockTime.Advance(11 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetAuthorizationCode(ctx, code.Code); errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("cleanup loop did not remove the expired code")
}

func TestStore_StopIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)

	ctx := context.Background()
	if _, err := store.InsertClient(ctx, testutil.GenerateTestClient()); err != nil {
		t.Fatalf("InsertClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}
