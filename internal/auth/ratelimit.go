package auth

import (
	"sync"
	"time"
)

// RateLimiter throttles repeated failed authentication attempts per client
// address, independent of which auth scheme rejected them. Adapted from the
// ldap-manager web package's brute-force limiter: same sliding-window +
// block-period shape, background reaper goroutine, idempotent Stop — with
// the Fiber middleware wrapper dropped since nothing here runs inside Fiber.
type RateLimiter struct {
	mu           sync.RWMutex
	attempts     map[string]*rateLimitEntry
	maxAttempts  int
	windowPeriod time.Duration
	blockPeriod  time.Duration
	cleanupEvery time.Duration
	stopCleanup  chan struct{}
	stopOnce     sync.Once
}

type rateLimitEntry struct {
	count     int
	firstSeen time.Time
	blockedAt time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	MaxAttempts  int
	WindowPeriod time.Duration
	BlockPeriod  time.Duration
	CleanupEvery time.Duration
}

// DefaultRateLimiterConfig mirrors spec.md's suggested brute-force throttle:
// five attempts per fifteen-minute window, fifteen-minute block.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxAttempts:  5,
		WindowPeriod: 15 * time.Minute,
		BlockPeriod:  15 * time.Minute,
		CleanupEvery: 5 * time.Minute,
	}
}

// NewRateLimiter starts a RateLimiter, including its background cleanup
// goroutine. Call Stop when the server shuts down.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	if cfg.WindowPeriod <= 0 {
		cfg.WindowPeriod = 15 * time.Minute
	}

	if cfg.BlockPeriod <= 0 {
		cfg.BlockPeriod = 15 * time.Minute
	}

	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 5 * time.Minute
	}

	rl := &RateLimiter{
		attempts:     make(map[string]*rateLimitEntry),
		maxAttempts:  cfg.MaxAttempts,
		windowPeriod: cfg.WindowPeriod,
		blockPeriod:  cfg.BlockPeriod,
		cleanupEvery: cfg.CleanupEvery,
		stopCleanup:  make(chan struct{}),
	}

	go rl.startCleanup()

	return rl
}

// RecordFailure records a failed attempt for addr and reports whether addr
// is now (or still) blocked.
func (rl *RateLimiter) RecordFailure(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.attempts[addr]

	if !exists {
		entry = &rateLimitEntry{count: 1, firstSeen: now}
		rl.attempts[addr] = entry

		if entry.count >= rl.maxAttempts {
			entry.blockedAt = now

			return true
		}

		return false
	}

	if !entry.blockedAt.IsZero() {
		if now.Sub(entry.blockedAt) > rl.blockPeriod {
			entry.count = 1
			entry.firstSeen = now
			entry.blockedAt = time.Time{}

			return false
		}

		return true
	}

	if now.Sub(entry.firstSeen) > rl.windowPeriod {
		entry.count = 1
		entry.firstSeen = now

		return false
	}

	entry.count++

	if entry.count >= rl.maxAttempts {
		entry.blockedAt = now

		return true
	}

	return false
}

// IsBlocked reports whether addr is currently blocked, without recording an
// attempt.
func (rl *RateLimiter) IsBlocked(addr string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, exists := rl.attempts[addr]
	if !exists || entry.blockedAt.IsZero() {
		return false
	}

	return time.Since(entry.blockedAt) <= rl.blockPeriod
}

// Reset clears recorded attempts for addr, called on a successful auth.
func (rl *RateLimiter) Reset(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.attempts, addr)
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	for addr, entry := range rl.attempts {
		if !entry.blockedAt.IsZero() && now.Sub(entry.blockedAt) > rl.blockPeriod {
			delete(rl.attempts, addr)

			continue
		}

		if entry.blockedAt.IsZero() && now.Sub(entry.firstSeen) > rl.windowPeriod {
			delete(rl.attempts, addr)
		}
	}
}

// Stop halts the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
