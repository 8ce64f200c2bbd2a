package server

import (
	"testing"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/config"
)

// fakeClock is advanced by hand so lockouts can expire without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestKeyLimiter(t *testing.T, cfg config.RateLimitConfig) (*KeyRateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewKeyRateLimiter(cfg)
	rl.now = clock.now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestKeyRateLimiter_LocksAtMaxAttempts(t *testing.T) {
	rl, _ := newTestKeyLimiter(t, config.RateLimitConfig{
		MaxAttempts:       3,
		LockoutSeconds:    30,
		MaxLockoutSeconds: 300,
	})
	const ip = "203.0.113.7"

	for i := 1; i < 3; i++ {
		if locked, _ := rl.RecordFailure(ip); locked {
			t.Fatalf("failure %d should not lock out", i)
		}
	}

	locked, lockout := rl.RecordFailure(ip)
	if !locked {
		t.Fatal("third bad key should lock out")
	}
	if lockout != 30*time.Second {
		t.Errorf("expected 30s lockout, got %v", lockout)
	}

	isLocked, remaining := rl.IsLocked(ip)
	if !isLocked || remaining != 30*time.Second {
		t.Errorf("expected locked for 30s, got locked=%v remaining=%v", isLocked, remaining)
	}
	if n := rl.GetAttempts(ip); n != 0 {
		t.Errorf("attempt count should reset on lockout, got %d", n)
	}
}

func TestKeyRateLimiter_FailureWhileLockedDoesNotExtend(t *testing.T) {
	rl, clock := newTestKeyLimiter(t, config.RateLimitConfig{
		MaxAttempts:       1,
		LockoutSeconds:    30,
		MaxLockoutSeconds: 300,
	})
	const ip = "203.0.113.7"

	rl.RecordFailure(ip)
	clock.advance(10 * time.Second)

	locked, remaining := rl.RecordFailure(ip)
	if !locked || remaining != 20*time.Second {
		t.Errorf("expected 20s left of the original lockout, got locked=%v remaining=%v", locked, remaining)
	}
}

func TestKeyRateLimiter_BackoffSequence(t *testing.T) {
	rl, clock := newTestKeyLimiter(t, config.RateLimitConfig{
		MaxAttempts:       1,
		LockoutSeconds:    30,
		MaxLockoutSeconds: 200,
	})
	const ip = "203.0.113.7"

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 200 * time.Second, 200 * time.Second}
	for i, w := range want {
		locked, got := rl.RecordFailure(ip)
		if !locked {
			t.Fatalf("lockout %d: expected lock", i+1)
		}
		if got != w {
			t.Errorf("lockout %d: expected %v, got %v", i+1, w, got)
		}
		clock.advance(got)
		if isLocked, _ := rl.IsLocked(ip); isLocked {
			t.Errorf("lockout %d: should expire after %v", i+1, got)
		}
	}
}

func TestKeyRateLimiter_SuccessResetsBackoff(t *testing.T) {
	rl, clock := newTestKeyLimiter(t, config.RateLimitConfig{
		MaxAttempts:       1,
		LockoutSeconds:    30,
		MaxLockoutSeconds: 300,
	})
	const ip = "203.0.113.7"

	_, first := rl.RecordFailure(ip)
	clock.advance(first)
	rl.RecordSuccess(ip)

	_, again := rl.RecordFailure(ip)
	if again != 30*time.Second {
		t.Errorf("a good key should reset backoff, got %v", again)
	}
}

func TestKeyRateLimiter_IPsAreIndependent(t *testing.T) {
	rl, _ := newTestKeyLimiter(t, config.RateLimitConfig{MaxAttempts: 2})

	rl.RecordFailure("198.51.100.1")
	rl.RecordFailure("198.51.100.1")

	if locked, _ := rl.IsLocked("198.51.100.1"); !locked {
		t.Error("first IP should be locked")
	}
	if locked, _ := rl.IsLocked("198.51.100.2"); locked {
		t.Error("second IP should not be locked")
	}
	if n := rl.GetAttempts("198.51.100.2"); n != 0 {
		t.Errorf("second IP should have no attempts, got %d", n)
	}
}

func TestKeyRateLimiter_Defaults(t *testing.T) {
	rl, _ := newTestKeyLimiter(t, config.RateLimitConfig{})

	const ip = "203.0.113.7"
	for i := 1; i < 5; i++ {
		if locked, _ := rl.RecordFailure(ip); locked {
			t.Fatalf("default limit should allow failure %d", i)
		}
	}
	if locked, lockout := rl.RecordFailure(ip); !locked || lockout != 30*time.Second {
		t.Errorf("expected default 30s lockout on 5th failure, got locked=%v lockout=%v", locked, lockout)
	}
}

func TestKeyRateLimiter_CleanupDropsIdleEntries(t *testing.T) {
	rl, clock := newTestKeyLimiter(t, config.RateLimitConfig{MaxAttempts: 3})

	rl.RecordFailure("198.51.100.1")
	clock.advance(idleExpiry + time.Minute)
	rl.RecordFailure("198.51.100.2")

	rl.cleanup()

	if n := rl.GetAttempts("198.51.100.1"); n != 0 {
		t.Errorf("idle IP should be dropped, still has %d attempts", n)
	}
	if n := rl.GetAttempts("198.51.100.2"); n != 1 {
		t.Errorf("recent IP should be kept, got %d attempts", n)
	}
}
