package server

import (
	"sync"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/config"
)

// idleExpiry is how long an entry must be quiet before cleanup drops it.
const idleExpiry = 10 * time.Minute

// KeyRateLimiter tracks failed API key checks per client IP and locks an IP
// out with exponential backoff once it reaches the attempt limit.
type KeyRateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptInfo
	maxAttempts int
	lockout     time.Duration
	maxLockout  time.Duration
	now         func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type attemptInfo struct {
	failedAttempts int
	lastFailure    time.Time
	lockedUntil    time.Time
	lockoutCount   int // drives the backoff exponent
}

// NewKeyRateLimiter creates a limiter. Zero config values take the defaults
// of 5 attempts, 30s initial lockout and 300s maximum lockout.
func NewKeyRateLimiter(cfg config.RateLimitConfig) *KeyRateLimiter {
	rl := &KeyRateLimiter{
		attempts:        make(map[string]*attemptInfo),
		maxAttempts:     cfg.MaxAttempts,
		lockout:         time.Duration(cfg.LockoutSeconds) * time.Second,
		maxLockout:      time.Duration(cfg.MaxLockoutSeconds) * time.Second,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	if rl.maxAttempts <= 0 {
		rl.maxAttempts = 5
	}
	if rl.lockout <= 0 {
		rl.lockout = 30 * time.Second
	}
	if rl.maxLockout <= 0 {
		rl.maxLockout = 300 * time.Second
	}
	if rl.maxLockout < rl.lockout {
		rl.maxLockout = rl.lockout
	}

	go rl.cleanupLoop()

	return rl
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *KeyRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// IsLocked reports whether ip is locked out and for how much longer.
func (rl *KeyRateLimiter) IsLocked(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, exists := rl.attempts[ip]
	if !exists {
		return false, 0
	}
	if now := rl.now(); now.Before(info.lockedUntil) {
		return true, info.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure records a failed key check for ip. It returns true with the
// lockout duration when the failure locks the IP out. Failures while already
// locked do not extend the lockout.
func (rl *KeyRateLimiter) RecordFailure(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[ip]
	if !exists {
		info = &attemptInfo{}
		rl.attempts[ip] = info
	}

	if now.Before(info.lockedUntil) {
		return true, info.lockedUntil.Sub(now)
	}

	info.lastFailure = now
	info.failedAttempts++
	if info.failedAttempts < rl.maxAttempts {
		return false, 0
	}

	info.lockoutCount++
	lockout := rl.backoff(info.lockoutCount)
	info.lockedUntil = now.Add(lockout)
	info.failedAttempts = 0
	return true, lockout
}

// backoff doubles the initial lockout for every previous lockout, capped at
// maxLockout.
func (rl *KeyRateLimiter) backoff(count int) time.Duration {
	lockout := rl.lockout
	for i := 1; i < count; i++ {
		// compare before doubling so large counts cannot overflow
		if lockout >= rl.maxLockout/2 {
			return rl.maxLockout
		}
		lockout *= 2
	}
	return min(lockout, rl.maxLockout)
}

// RecordSuccess forgets ip, including its backoff history.
func (rl *KeyRateLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.attempts, ip)
}

// GetAttempts returns the failures recorded for ip since its last lockout.
func (rl *KeyRateLimiter) GetAttempts(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if info, exists := rl.attempts[ip]; exists {
		return info.failedAttempts
	}
	return 0
}

func (rl *KeyRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup drops IPs that are not locked and have not failed for idleExpiry.
func (rl *KeyRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleExpiry)
	for ip, info := range rl.attempts {
		if info.lockedUntil.Before(cutoff) && info.lastFailure.Before(cutoff) {
			delete(rl.attempts, ip)
		}
	}
}
