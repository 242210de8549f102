package security

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
)

func newTestRegistrationLimiter(t *testing.T, clock *testutil.MockTime, maxEntries int) *ClientRegistrationRateLimiter {
	t.Helper()
	rl := NewClientRegistrationRateLimiterWithConfig(RegistrationLimiterConfig{
		MaxPerWindow: 10,
		Window:       time.Hour,
		MaxEntries:   maxEntries,
		Now:          clock.Now,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func registerN(t *testing.T, rl *ClientRegistrationRateLimiter, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		allowed, _, err := rl.Allow(context.Background(), ip)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("registration %d from %s was blocked", i+1, ip)
		}
		if err := rl.Record(context.Background(), ip); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
}

func TestClientRegistrationRateLimiter_EleventhBlockedWithinWindow(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rl := newTestRegistrationLimiter(t, clock, 0)
	ctx := context.Background()

	registerN(t, rl, "192.0.2.1", 10)

	clock.Advance(59 * time.Minute)
	allowed, retryAfter, err := rl.Allow(ctx, "192.0.2.1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("11th registration within the window should be blocked")
	}
	if retryAfter != time.Minute {
		t.Errorf("retryAfter = %v, want %v", retryAfter, time.Minute)
	}

	// Other IPs are unaffected
	allowed, _, _ = rl.Allow(ctx, "192.0.2.2")
	if !allowed {
		t.Error("a different IP should not be limited")
	}
}

func TestClientRegistrationRateLimiter_ResetsAfterWindow(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rl := newTestRegistrationLimiter(t, clock, 0)

	registerN(t, rl, "192.0.2.1", 10)

	clock.Advance(time.Hour)
	registerN(t, rl, "192.0.2.1", 10)

	allowed, _, _ := rl.Allow(context.Background(), "192.0.2.1")
	if allowed {
		t.Error("new window should be capped again after 10 registrations")
	}
}

func TestClientRegistrationRateLimiter_AllowDoesNotConsume(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestRegistrationLimiter(t, clock, 0)
	ctx := context.Background()

	// Failed registrations (Allow without Record) never count
	for i := 0; i < 50; i++ {
		allowed, _, _ := rl.Allow(ctx, "192.0.2.1")
		if !allowed {
			t.Fatalf("Allow() blocked at attempt %d without any recorded registration", i+1)
		}
	}

	if stats := rl.GetStats(); stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries = %d, want 0", stats.CurrentEntries)
	}
}

func TestClientRegistrationRateLimiter_LRUEviction(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestRegistrationLimiter(t, clock, 2)
	ctx := context.Background()

	_ = rl.Record(ctx, "ip-1")
	_ = rl.Record(ctx, "ip-2")
	_ = rl.Record(ctx, "ip-3")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

func TestClientRegistrationRateLimiter_Cleanup(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestRegistrationLimiter(t, clock, 0)
	ctx := context.Background()

	_ = rl.Record(ctx, "ip-1")
	clock.Advance(30 * time.Minute)
	_ = rl.Record(ctx, "ip-2")
	clock.Advance(30 * time.Minute)

	rl.Cleanup()

	if got := rl.GetStats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries after cleanup = %d, want 1", got)
	}
}

func TestClientRegistrationRateLimiter_Defaults(t *testing.T) {
	rl := NewClientRegistrationRateLimiter(nil)
	defer rl.Stop()

	stats := rl.GetStats()
	if stats.MaxPerWindow != DefaultMaxRegistrationsPerWindow {
		t.Errorf("MaxPerWindow = %d, want %d", stats.MaxPerWindow, DefaultMaxRegistrationsPerWindow)
	}
	if stats.Window != DefaultRegistrationWindow {
		t.Errorf("Window = %v, want %v", stats.Window, DefaultRegistrationWindow)
	}

	// Stop is idempotent
	rl.Stop()
}
