package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerWindow is the number of successful registrations
	// allowed per source IP within one window
	DefaultMaxRegistrationsPerWindow = 10

	// DefaultRegistrationWindow is the length of a registration rate limit window
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often expired windows are dropped
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries is the maximum number of IPs tracked in memory
	DefaultMaxRegistrationEntries = 10000
)

// RegistrationLimiter caps successful client registrations per key (source IP).
//
// Allow checks the quota without consuming it. Record consumes one unit after a
// registration succeeded. A key's counter resets once its window has elapsed.
type RegistrationLimiter interface {
	// Allow reports whether key may register now. When it may not, retryAfter is
	// the time until the current window ends.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)

	// Record counts one successful registration for key.
	Record(ctx context.Context, key string) error
}

// RegistrationLimiterConfig configures an in-memory ClientRegistrationRateLimiter.
type RegistrationLimiterConfig struct {
	// MaxPerWindow is the number of registrations allowed per window. Default: 10
	MaxPerWindow int

	// Window is the fixed window length. Default: 1 hour
	Window time.Duration

	// MaxEntries bounds the number of tracked IPs; the least recently used entry
	// is evicted when full. Default: 10000
	MaxEntries int

	// CleanupInterval is how often expired windows are dropped. Default: 15 minutes
	CleanupInterval time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// registrationEntry is a fixed-window counter for one IP
type registrationEntry struct {
	ip          string
	count       int
	windowStart time.Time
}

// ClientRegistrationRateLimiter is a process-local RegistrationLimiter.
// Limits are enforced per instance; use a shared implementation for a global quota.
type ClientRegistrationRateLimiter struct {
	entries         map[string]*list.Element // IP -> element holding *registrationEntry
	lruList         *list.List
	mu              sync.Mutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	now             func() time.Time
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked   int64
	totalRecorded  int64
	totalEvictions int64
}

var _ RegistrationLimiter = (*ClientRegistrationRateLimiter)(nil)

// NewClientRegistrationRateLimiter creates a limiter with default settings
// (10 registrations per IP per hour).
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(RegistrationLimiterConfig{Logger: logger})
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with custom configuration.
// Zero values fall back to defaults. Call Stop to release the cleanup goroutine.
func NewClientRegistrationRateLimiterWithConfig(cfg RegistrationLimiterConfig) *ClientRegistrationRateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultMaxRegistrationsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRegistrationWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxRegistrationEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRegistrationCleanupInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &ClientRegistrationRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    cfg.MaxPerWindow,
		window:          cfg.Window,
		maxEntries:      cfg.MaxEntries,
		now:             cfg.Now,
		logger:          cfg.Logger,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	rl.logger.Info("Client registration rate limiter initialized",
		"max_per_window", rl.maxPerWindow,
		"window", rl.window,
		"max_entries", rl.maxEntries)

	return rl
}

// Allow implements RegistrationLimiter. It never allocates an entry.
func (rl *ClientRegistrationRateLimiter) Allow(_ context.Context, ip string) (bool, time.Duration, error) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.entries[ip]
	if !ok {
		return true, 0, nil
	}

	entry := elem.Value.(*registrationEntry)
	windowEnd := entry.windowStart.Add(rl.window)
	if !now.Before(windowEnd) {
		return true, 0, nil
	}

	if entry.count >= rl.maxPerWindow {
		rl.totalBlocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"registrations_in_window", entry.count,
			"max_per_window", rl.maxPerWindow,
			"total_blocked", rl.totalBlocked)
		return false, windowEnd.Sub(now), nil
	}

	return true, 0, nil
}

// Record implements RegistrationLimiter.
func (rl *ClientRegistrationRateLimiter) Record(_ context.Context, ip string) error {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.totalRecorded++

	if elem, ok := rl.entries[ip]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*registrationEntry)
		if !now.Before(entry.windowStart.Add(rl.window)) {
			entry.windowStart = now
			entry.count = 0
		}
		entry.count++
		return nil
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	rl.entries[ip] = rl.lruList.PushFront(&registrationEntry{
		ip:          ip,
		count:       1,
		windowStart: now,
	})
	return nil
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (rl *ClientRegistrationRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Client registration rate limiter LRU eviction",
		"ip", entry.ip,
		"total_evictions", rl.totalEvictions)
}

func (rl *ClientRegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops entries whose window has elapsed.
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)
		if !now.Before(entry.windowStart.Add(rl.window)) {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Client registration rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RegistrationStats holds registration limiter statistics for monitoring
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalRecorded  int64
	TotalEvictions int64
	MaxPerWindow   int
	Window         time.Duration
}

// GetStats returns current limiter statistics
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RegistrationStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalRecorded:  rl.totalRecorded,
		TotalEvictions: rl.totalEvictions,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window,
	}
}
