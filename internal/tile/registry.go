package tile

import (
	"context"
	"fmt"
	"sync"
)

// SnapshotStore persists whole registry snapshots keyed by Coord.Key.
type SnapshotStore interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, entries map[string]string) error
}

// Registry maps tile coordinates to the prompt their image was generated with.
// A coordinate is present only after an image was produced for it.
type Registry struct {
	mu      sync.RWMutex
	prompts map[Coord]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: make(map[Coord]string)}
}

// Get returns the stored prompt for c.
func (r *Registry) Get(c Coord) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[c]
	return p, ok
}

// Put stores prompt for c, replacing any previous value.
func (r *Registry) Put(c Coord, prompt string) {
	r.mu.Lock()
	r.prompts[c] = prompt
	r.mu.Unlock()
}

// Len returns the number of generated tiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompts)
}

// Snapshot copies the registry into its serialized "x_y" -> prompt form.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.prompts))
	for c, p := range r.prompts {
		out[c.Key()] = p
	}
	return out
}

// Restore replaces the registry contents with entries. If any key is
// malformed the registry is left unchanged.
func (r *Registry) Restore(entries map[string]string) error {
	next := make(map[Coord]string, len(entries))
	for k, p := range entries {
		c, err := ParseKey(k)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		next[c] = p
	}

	r.mu.Lock()
	r.prompts = next
	r.mu.Unlock()
	return nil
}

// SaveTo writes a snapshot of r to store.
func (r *Registry) SaveTo(ctx context.Context, store SnapshotStore) error {
	return store.Save(ctx, r.Snapshot())
}

// LoadFrom replaces r with the snapshot held by store.
func (r *Registry) LoadFrom(ctx context.Context, store SnapshotStore) error {
	entries, err := store.Load(ctx)
	if err != nil {
		return err
	}
	return r.Restore(entries)
}
