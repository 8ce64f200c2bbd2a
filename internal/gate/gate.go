// Package gate serializes access to the image generation device.
//
// A Gate layers an exclusive outer lock over a counting inner permit pool.
// The outer lock is what keeps two generation passes off the device at once;
// the inner pool bounds concurrency if the outer lock is ever relaxed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zyedidia/generic/mapset"
	"golang.org/x/sync/semaphore"
)

// ErrAcquireTimeout is returned when the gate could not be acquired within
// the configured AcquireTimeout.
var ErrAcquireTimeout = errors.New("gate: timed out waiting for the generation device")

// DefaultDevicePermits is the inner permit count used when none is configured.
const DefaultDevicePermits = 2

// Config configures a Gate.
type Config struct {
	// DevicePermits is the inner counting permit capacity.
	DevicePermits int
	// AcquireTimeout bounds the wait for both locks. Zero waits indefinitely.
	AcquireTimeout time.Duration
}

// Stats is a point-in-time view of gate usage.
type Stats struct {
	DevicePermits int      `json:"device_permits"`
	Waiting       int64    `json:"waiting"`
	Running       int64    `json:"running"`
	InFlight      []string `json:"in_flight"`
	Completed     uint64   `json:"completed"`
	Failed        uint64   `json:"failed"`
	TimedOut      uint64   `json:"timed_out"`
}

// Gate guards the generation device.
type Gate struct {
	outer   *semaphore.Weighted
	inner   *semaphore.Weighted
	permits int
	timeout time.Duration

	waiting   atomic.Int64
	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64

	mu       sync.Mutex
	inFlight mapset.Set[string]
}

// New creates a gate.
func New(cfg Config) *Gate {
	permits := cfg.DevicePermits
	if permits <= 0 {
		permits = DefaultDevicePermits
	}
	return &Gate{
		outer:    semaphore.NewWeighted(1),
		inner:    semaphore.NewWeighted(int64(permits)),
		permits:  permits,
		timeout:  cfg.AcquireTimeout,
		inFlight: mapset.New[string](),
	}
}

// Do runs fn while holding the gate.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.DoFor(ctx, "", fn)
}

// DoFor runs fn while holding the gate and reports key as in flight.
//
// Waiting honours ctx and the acquire timeout. Once acquired, fn receives a
// context detached from ctx's cancellation so a client disconnect does not
// abort a generation pass. Both locks are released on every exit path,
// including a panic in fn.
func (g *Gate) DoFor(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.outer.Release(1)
	defer g.inner.Release(1)

	g.running.Add(1)
	if key != "" {
		g.mu.Lock()
		g.inFlight.Put(key)
		g.mu.Unlock()
	}

	ok := false
	defer func() {
		if key != "" {
			g.mu.Lock()
			g.inFlight.Remove(key)
			g.mu.Unlock()
		}
		g.running.Add(-1)
		if ok {
			g.completed.Add(1)
		} else {
			g.failed.Add(1)
		}
	}()

	err := fn(context.WithoutCancel(ctx))
	ok = err == nil
	return err
}

func (g *Gate) acquire(ctx context.Context) error {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	if err := g.outer.Acquire(waitCtx, 1); err != nil {
		return g.acquireErr(ctx, err)
	}
	if err := g.inner.Acquire(waitCtx, 1); err != nil {
		g.outer.Release(1)
		return g.acquireErr(ctx, err)
	}
	return nil
}

func (g *Gate) acquireErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("gate: %w", ctxErr)
	}
	g.timedOut.Add(1)
	return fmt.Errorf("%w after %s", ErrAcquireTimeout, g.timeout)
}

// Stats returns current usage.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	keys := make([]string, 0, g.inFlight.Size())
	g.inFlight.Each(func(k string) {
		keys = append(keys, k)
	})
	g.mu.Unlock()
	sort.Strings(keys)

	return Stats{
		DevicePermits: g.permits,
		Waiting:       g.waiting.Load(),
		Running:       g.running.Load(),
		InFlight:      keys,
		Completed:     g.completed.Load(),
		Failed:        g.failed.Load(),
		TimedOut:      g.timedOut.Load(),
	}
}
