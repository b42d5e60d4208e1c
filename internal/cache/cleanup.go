package cache

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports what a cleanup removed. Counts refer to the durable
// tier, or to the memory tier when the cache runs memory-only.
type CleanupResult struct {
	ExpiredCount  int `json:"expiredCount"`
	OverflowCount int `json:"overflowCount"`
}

// Cleanup deletes entries older than MaxAge, then the oldest remaining
// entries until the durable tier is back under DurableCap. Pending writes
// are flushed first so the cap applies to everything put before the call.
func (c *Cache) Cleanup(ctx context.Context) (CleanupResult, error) {
	if err := c.Flush(ctx); err != nil {
		return CleanupResult{}, err
	}

	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	cutoff := c.now().Add(-c.cfg.MaxAge)
	memExpired, memOverflow := c.evictMemory(cutoff.UnixMilli(), min(c.cfg.MemoryCap, c.cfg.DurableCap))

	res := CleanupResult{ExpiredCount: memExpired, OverflowCount: memOverflow}
	if c.durable != nil {
		expired, err := c.durable.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("failed to delete expired snapshots: %w", err)
		}
		overflow, err := c.durable.DeleteOldestUntilCount(ctx, c.cfg.DurableCap)
		if err != nil {
			return CleanupResult{ExpiredCount: expired}, fmt.Errorf("failed to delete overflow snapshots: %w", err)
		}
		res = CleanupResult{ExpiredCount: expired, OverflowCount: overflow}
	}

	c.lastCleanup = &res
	c.lastCleanupAt = c.now()
	c.logger.Info("cache: cleanup finished",
		"expired", res.ExpiredCount,
		"overflow", res.OverflowCount,
		"cutoff", cutoff.Format(time.RFC3339))
	return res, nil
}

// evictMemory removes expired entries and trims the memory tier to limit.
func (c *Cache) evictMemory(cutoffMillis int64, limit int) (expired, overflow int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.byID {
		if e.CapturedAt < cutoffMillis {
			c.removeLocked(e)
			expired++
		}
	}
	for len(c.byID) > limit {
		c.removeLocked(c.oldestLocked())
		overflow++
	}
	return expired, overflow
}

// trimDurable runs the cap phase when a mirror batch left the durable tier
// above DurableCap. It runs on the mirror worker.
func (c *Cache) trimDurable(ctx context.Context) {
	n, err := c.durable.Count(ctx)
	if err != nil || n <= c.cfg.DurableCap {
		return
	}

	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	removed, err := c.durable.DeleteOldestUntilCount(ctx, c.cfg.DurableCap)
	if err != nil {
		c.logger.Warn("cache: size-triggered cleanup failed", "error", err)
		return
	}
	c.logger.Info("cache: size-triggered cleanup", "removed", removed, "cap", c.cfg.DurableCap)
}

// Run triggers Cleanup every CleanupInterval. Blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	c.logger.Info("cache: cleanup scheduler started",
		"interval", c.cfg.CleanupInterval,
		"max_age", c.cfg.MaxAge,
		"durable_cap", c.cfg.DurableCap)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache: cleanup scheduler stopped")
			return
		case <-ticker.C:
			if _, err := c.Cleanup(ctx); err != nil {
				c.logger.Warn("cache: scheduled cleanup failed", "error", err)
			}
		}
	}
}
