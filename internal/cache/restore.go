package cache

import (
	"context"
	"slices"

	"golang.org/x/time/rate"
)

// Initialize starts the mirror worker and restores the most recent durable
// entries into memory in the background. Restore runs in RestoreBatch-sized
// batches paced by a limiter so a large store never blocks startup;
// everything else is loaded lazily on first miss. Restored() closes when
// the restore finishes. Calling Initialize again is a no-op.
func (c *Cache) Initialize(ctx context.Context) error {
	c.restoreOnce.Do(func() {
		if c.durable == nil {
			close(c.restored)
			return
		}
		c.startMirror()
		go c.restore(ctx)
	})
	return nil
}

func (c *Cache) restore(ctx context.Context) {
	defer close(c.restored)

	recent, err := c.durable.GetRecent(ctx, c.cfg.RestoreLimit)
	if err != nil {
		c.logger.Warn("cache: durable tier unavailable, serving from memory only", "error", err)
		return
	}

	// Oldest first so insertion order matches capture order.
	slices.Reverse(recent)

	limiter := rate.NewLimiter(rate.Every(c.cfg.RestoreInterval), 1)
	restored := 0
	for batch := range slices.Chunk(recent, c.cfg.RestoreBatch) {
		if err := limiter.Wait(ctx); err != nil {
			c.logger.Info("cache: restore interrupted", "restored", restored, "error", err)
			return
		}
		c.mu.Lock()
		for _, e := range batch {
			c.insertIfAbsentLocked(e)
		}
		c.mu.Unlock()
		restored += len(batch)
	}

	c.logger.Info("cache: restored recent snapshots", "count", restored)
}
