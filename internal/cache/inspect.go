package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/store"
)

// Stats is a point-in-time view of the cache.
type Stats struct {
	MemoryEntries int `json:"memoryEntries"`
	HashIndexSize int `json:"hashIndexSize"`
	PendingWrites int `json:"pendingWrites"`
	// DurableEntries is -1 when the durable tier is missing or unavailable.
	DurableEntries int            `json:"durableEntries"`
	DurableFetches int64          `json:"durableFetches"`
	LastCleanup    *CleanupResult `json:"lastCleanup,omitempty"`
	LastCleanupAt  time.Time      `json:"lastCleanupAt,omitzero"`
}

// Stats reports cache statistics.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.RLock()
	s := Stats{
		MemoryEntries:  len(c.byID),
		HashIndexSize:  len(c.byHash),
		DurableEntries: -1,
	}
	c.mu.RUnlock()

	s.PendingWrites = c.mirror.size()
	s.DurableFetches = c.durableFetches.Load()

	c.cleanupMu.Lock()
	if c.lastCleanup != nil {
		r := *c.lastCleanup
		s.LastCleanup = &r
		s.LastCleanupAt = c.lastCleanupAt
	}
	c.cleanupMu.Unlock()

	if c.durable != nil {
		if n, err := c.durable.Count(ctx); err == nil {
			s.DurableEntries = n
		} else {
			c.logger.Warn("cache: durable count failed", "error", err)
		}
	}
	return s
}

// Similar returns durable entries whose page structure is closest to content.
func (c *Cache) Similar(ctx context.Context, content string, limit int) ([]store.Similar, error) {
	if c.durable == nil {
		return nil, nil
	}
	sig := snapshot.Signature(content)
	if sig == nil {
		return nil, fmt.Errorf("failed to compute signature: content is not a hierarchy dump")
	}
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	results, err := c.durable.SearchSimilar(ctx, sig, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar snapshots: %w", err)
	}
	return results, nil
}

// Diff returns a unified diff between the contents of two cached snapshots.
// Dumps are split at element boundaries so hunks follow nodes.
func (c *Cache) Diff(ctx context.Context, idA, idB string) (string, error) {
	a, err := c.Get(ctx, idA)
	if err != nil {
		return "", err
	}
	b, err := c.Get(ctx, idB)
	if err != nil {
		return "", err
	}
	if a == nil || b == nil {
		missing := idA
		if a != nil {
			missing = idB
		}
		return "", fmt.Errorf("snapshot %q not found", missing)
	}
	if a.ContentHash == b.ContentHash {
		return "", nil
	}

	u := difflib.UnifiedDiff{
		A:        difflib.SplitLines(splitElements(a.Content)),
		B:        difflib.SplitLines(splitElements(b.Content)),
		FromFile: idA,
		ToFile:   idB,
		Context:  2,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil {
		return "", fmt.Errorf("failed to diff snapshots: %w", err)
	}
	return s, nil
}

func splitElements(content string) string {
	return strings.ReplaceAll(content, "><", ">\n<")
}
