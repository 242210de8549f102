package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-authserver/security"
)

// luaIncrWindow increments a fixed-window counter and starts the window on
// the first increment.
//
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
//
// Returns the new count.
const luaIncrWindow = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// luaReadWindow returns the counter value and its remaining TTL in
// milliseconds. A missing key reads as {0, -2}.
//
// KEYS[1] = counter key
const luaReadWindow = `
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
return {n, redis.call('PTTL', KEYS[1])}
`

// RegistrationLimiter is a security.RegistrationLimiter whose counters live in
// Valkey, so the quota holds across server instances.
type RegistrationLimiter struct {
	store        *Store
	maxPerWindow int
	window       time.Duration
}

var _ security.RegistrationLimiter = (*RegistrationLimiter)(nil)

// NewRegistrationLimiter creates a limiter sharing the store's connection.
// Zero values fall back to security.DefaultMaxRegistrationsPerWindow and
// security.DefaultRegistrationWindow.
func (s *Store) NewRegistrationLimiter(maxPerWindow int, window time.Duration) *RegistrationLimiter {
	if maxPerWindow <= 0 {
		maxPerWindow = security.DefaultMaxRegistrationsPerWindow
	}
	if window <= 0 {
		window = security.DefaultRegistrationWindow
	}

	s.logger.Info("Valkey client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window)

	return &RegistrationLimiter{store: s, maxPerWindow: maxPerWindow, window: window}
}

// registrationKey returns {prefix}client:ip:{ip}
func (rl *RegistrationLimiter) registrationKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", rl.store.prefix, ip)
}

// Allow implements security.RegistrationLimiter. It does not consume quota.
func (rl *RegistrationLimiter) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	c := rl.store.client
	values, err := c.Do(ctx,
		c.B().Eval().Script(luaReadWindow).Numkeys(1).Key(rl.registrationKey(ip)).Build(),
	).AsIntSlice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read registration count: %w", err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected registration count reply length %d", len(values))
	}

	count, pttl := values[0], values[1]
	if count < int64(rl.maxPerWindow) {
		return true, 0, nil
	}

	retryAfter := time.Duration(pttl) * time.Millisecond
	if pttl < 0 {
		// Counter without expiry; treat as a full window.
		retryAfter = rl.window
	}

	rl.store.logger.Warn("Client registration rate limit exceeded",
		"ip", ip,
		"registrations_in_window", count,
		"max_per_window", rl.maxPerWindow)

	return false, retryAfter, nil
}

// Record implements security.RegistrationLimiter.
func (rl *RegistrationLimiter) Record(ctx context.Context, ip string) error {
	c := rl.store.client
	err := c.Do(ctx,
		c.B().Eval().Script(luaIncrWindow).
			Numkeys(1).
			Key(rl.registrationKey(ip)).
			Arg(strconv.FormatInt(rl.window.Milliseconds(), 10)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to record registration: %w", err)
	}
	return nil
}
