package server

import (
	"context"
	"sync"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

// Checkpointer saves the registry snapshot periodically and once more at
// shutdown.
type Checkpointer struct {
	registry *tile.Registry
	store    tile.SnapshotStore
	interval time.Duration

	mu       sync.Mutex // serializes saves
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCheckpointer creates a checkpointer. interval 0 disables periodic saves.
func NewCheckpointer(registry *tile.Registry, store tile.SnapshotStore, interval time.Duration) *Checkpointer {
	return &Checkpointer{
		registry: registry,
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic save loop.
func (c *Checkpointer) Start() {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop()
}

func (c *Checkpointer) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Save(context.Background()); err != nil {
				logger.Error("Registry checkpoint failed", "error", err)
			}
		case <-c.stopChan:
			return
		}
	}
}

// Save writes the current snapshot.
func (c *Checkpointer) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.registry.SaveTo(ctx, c.store); err != nil {
		return err
	}
	logger.Debug("Registry saved", "tiles", c.registry.Len())
	return nil
}

// Stop ends the periodic loop and writes a final snapshot.
func (c *Checkpointer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()

	if err := c.Save(ctx); err != nil {
		return err
	}
	logger.Info("Registry saved on shutdown", "tiles", c.registry.Len())
	return nil
}
