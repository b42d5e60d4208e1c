// Package cache implements the two-tier snapshot cache: a bounded memory tier
// in front of a durable store, with content-hash deduplication and
// asynchronous mirroring of writes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/store"
)

var (
	// ErrHashMismatch is returned by Put when the supplied hash is a valid
	// digest of some other content.
	ErrHashMismatch = errors.New("supplied hash does not match content")
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("cache closed")
)

// Config controls cache capacities, retention and background work.
type Config struct {
	// MemoryCap bounds the number of entries resident in memory.
	MemoryCap int
	// DurableCap bounds the number of entries kept by the durable tier.
	DurableCap int
	// MaxAge is the retention age of an entry.
	MaxAge time.Duration
	// CleanupInterval is how often Run triggers a cleanup.
	CleanupInterval time.Duration
	// RestoreLimit is how many recent entries Initialize loads into memory.
	RestoreLimit int
	// RestoreBatch is how many entries are restored between pauses.
	RestoreBatch int
	// RestoreInterval is the pause between restore batches.
	RestoreInterval time.Duration
	// MirrorBatch caps the entries written per durable transaction.
	MirrorBatch int
	// WriteTimeout bounds a single durable batch write.
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MemoryCap <= 0 {
		c.MemoryCap = 50
	}
	if c.DurableCap <= 0 {
		c.DurableCap = 500
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RestoreLimit <= 0 {
		c.RestoreLimit = 20
	}
	if c.RestoreBatch <= 0 {
		c.RestoreBatch = 5
	}
	if c.RestoreInterval <= 0 {
		c.RestoreInterval = 10 * time.Millisecond
	}
	if c.MirrorBatch <= 0 {
		c.MirrorBatch = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// PutRequest describes a captured snapshot to store.
type PutRequest struct {
	// ID is the cache key. A UUIDv7 is generated when empty.
	ID      string
	Content string
	// Hash is optional. Legacy-shaped hashes are ignored and recomputed.
	Hash string
	// CapturedAt is in unix milliseconds; zero means now.
	CapturedAt int64
	Origin     snapshot.Origin
	// PageContext is derived from Content when nil.
	PageContext *snapshot.PageContext
	Meta        *snapshot.Meta
}

// Cache is the two-tier snapshot cache. A nil durable store runs the cache
// memory-only.
type Cache struct {
	durable store.Store
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	byID   map[string]*snapshot.Entry
	byHash map[fingerprint.Hash]*snapshot.Entry
	seq    int64
	// lastUse orders memory residency by access; the least recently used
	// entry is evicted when the memory tier is full.
	lastUse map[string]int64
	useTick int64

	mirror mirror

	restoreOnce sync.Once
	restored    chan struct{}

	cleanupMu     sync.Mutex
	lastCleanup   *CleanupResult
	lastCleanupAt time.Time

	durableFetches atomic.Int64
	closed         atomic.Bool
}

// New creates a cache over durable. Call Initialize to restore recent
// entries and Close to flush pending writes on shutdown.
func New(durable store.Store, cfg Config, logger *slog.Logger) *Cache {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		durable:  durable,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		byID:     make(map[string]*snapshot.Entry),
		byHash:   make(map[fingerprint.Hash]*snapshot.Entry),
		lastUse:  make(map[string]int64),
		restored: make(chan struct{}),
	}
	c.mirror.init()
	return c
}

// Put stores a snapshot in the memory tier and queues it for the durable
// tier. It returns as soon as the memory tier is updated.
func (c *Cache) Put(ctx context.Context, req PutRequest) (*snapshot.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	hash := fingerprint.Of(req.Content)
	if fingerprint.Valid(req.Hash) && fingerprint.Hash(req.Hash) != hash {
		return nil, fmt.Errorf("%w: got %s, computed %s", ErrHashMismatch, req.Hash, hash)
	}

	e := &snapshot.Entry{
		ID:          req.ID,
		Content:     req.Content,
		ContentHash: hash,
		CapturedAt:  req.CapturedAt,
		Origin:      req.Origin,
		Meta:        req.Meta,
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CapturedAt == 0 {
		e.CapturedAt = c.now().UnixMilli()
	}
	if req.PageContext != nil {
		e.PageContext = *req.PageContext
	} else {
		e.PageContext = snapshot.Analyze(req.Content)
	}
	if e.Meta != nil {
		m := *e.Meta
		e.Meta = &m
	}

	c.mu.Lock()
	c.insertLocked(e)
	c.mu.Unlock()

	if c.durable != nil {
		c.startMirror()
		c.mirror.enqueue(e)
	}
	return e.Clone(), nil
}

// Get returns the entry stored under id, reading through to the durable
// tier on a memory miss. A miss on both tiers returns (nil, nil).
func (c *Cache) Get(ctx context.Context, id string) (*snapshot.Entry, error) {
	c.mu.Lock()
	e := c.byID[id]
	if e != nil {
		c.touchLocked(e)
	}
	c.mu.Unlock()
	if e != nil {
		return e.Clone(), nil
	}

	if p := c.mirror.pending(func(p *snapshot.Entry) bool { return p.ID == id }); p != nil {
		return p.Clone(), nil
	}

	return c.readThrough(ctx, "id", id, func(ctx context.Context) (*snapshot.Entry, error) {
		return c.durable.Get(ctx, id)
	})
}

// GetByHash returns the newest entry with the given content hash.
func (c *Cache) GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error) {
	c.mu.Lock()
	e := c.byHash[hash]
	if e != nil {
		c.touchLocked(e)
	}
	c.mu.Unlock()
	if e != nil {
		return e.Clone(), nil
	}

	if p := c.mirror.pending(func(p *snapshot.Entry) bool { return p.ContentHash == hash }); p != nil {
		return p.Clone(), nil
	}

	return c.readThrough(ctx, "hash", string(hash), func(ctx context.Context) (*snapshot.Entry, error) {
		return c.durable.GetByHash(ctx, hash)
	})
}

func (c *Cache) readThrough(ctx context.Context, key, value string, fetch func(context.Context) (*snapshot.Entry, error)) (*snapshot.Entry, error) {
	if c.durable == nil {
		return nil, nil
	}

	c.durableFetches.Add(1)
	e, err := fetch(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("cache: durable read failed", key, value, "error", err)
		return nil, nil
	}
	if e == nil {
		return nil, nil
	}

	c.mu.Lock()
	e = c.insertIfAbsentLocked(e)
	c.mu.Unlock()
	return e.Clone(), nil
}

// GetLatest returns the most recently captured entry across both tiers.
// When filter names a package or activity, only matching entries are
// considered; if none match, the unrestricted latest is returned and a
// warning is logged.
func (c *Cache) GetLatest(ctx context.Context, filter *snapshot.Meta) (*snapshot.Entry, error) {
	scoped := filter != nil && (filter.PackageName != "" || filter.Activity != "")

	e, err := c.latest(ctx, filter)
	if err != nil || e != nil || !scoped {
		return e, err
	}

	c.logger.Warn("cache: no snapshot matches page filter, falling back to latest",
		"package", filter.PackageName, "activity", filter.Activity)
	return c.latest(ctx, nil)
}

func (c *Cache) latest(ctx context.Context, filter *snapshot.Meta) (*snapshot.Entry, error) {
	var best *snapshot.Entry
	c.mu.RLock()
	for _, e := range c.byID {
		if e.Matches(filter) && e.Newer(best) {
			best = e
		}
	}
	c.mu.RUnlock()

	if c.durable != nil {
		c.durableFetches.Add(1)
		d, err := c.durable.GetLatest(ctx, filter)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.logger.Warn("cache: durable latest lookup failed", "error", err)
		case d != nil && (best == nil || d.CapturedAt > best.CapturedAt):
			c.mu.Lock()
			best = c.insertIfAbsentLocked(d)
			c.mu.Unlock()
		}
	}

	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// ClearMemory drops the memory tier. Durable entries and pending writes are kept.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]*snapshot.Entry)
	c.byHash = make(map[fingerprint.Hash]*snapshot.Entry)
	c.lastUse = make(map[string]int64)
}

// Restored is closed once the startup restore started by Initialize finishes.
func (c *Cache) Restored() <-chan struct{} {
	return c.restored
}

// Close flushes pending durable writes and stops the mirror worker.
// The durable store itself is left open for its owner to close.
func (c *Cache) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.mirror.stop(ctx)
}

// insertLocked adds e to the memory tier, sharing content with any resident
// entry of the same hash, then evicts the least recently used entries down
// to MemoryCap. e itself is never evicted.
func (c *Cache) insertLocked(e *snapshot.Entry) {
	if old, ok := c.byID[e.ID]; ok {
		c.removeLocked(old)
	}
	if same, ok := c.byHash[e.ContentHash]; ok {
		e.Content = same.Content
	}

	c.seq++
	e.Seq = c.seq
	c.byID[e.ID] = e
	if cur := c.byHash[e.ContentHash]; cur == nil || e.Newer(cur) {
		c.byHash[e.ContentHash] = e
	}

	c.touchLocked(e)

	for len(c.byID) > c.cfg.MemoryCap {
		c.removeLocked(c.leastUsedLocked(e))
	}
}

// insertIfAbsentLocked inserts an entry read from the durable tier unless
// the memory tier already holds that id, and returns the resident entry.
func (c *Cache) insertIfAbsentLocked(e *snapshot.Entry) *snapshot.Entry {
	if cur, ok := c.byID[e.ID]; ok {
		c.touchLocked(cur)
		return cur
	}
	c.insertLocked(e)
	return e
}

func (c *Cache) touchLocked(e *snapshot.Entry) {
	c.useTick++
	c.lastUse[e.ID] = c.useTick
}

// leastUsedLocked returns the resident entry accessed longest ago, other
// than keep.
func (c *Cache) leastUsedLocked(keep *snapshot.Entry) *snapshot.Entry {
	var lru *snapshot.Entry
	for id, e := range c.byID {
		if e == keep {
			continue
		}
		if lru == nil || c.lastUse[id] < c.lastUse[lru.ID] {
			lru = e
		}
	}
	return lru
}

func (c *Cache) oldestLocked() *snapshot.Entry {
	var oldest *snapshot.Entry
	for _, e := range c.byID {
		if oldest == nil || oldest.Newer(e) {
			oldest = e
		}
	}
	return oldest
}

func (c *Cache) removeLocked(e *snapshot.Entry) {
	delete(c.byID, e.ID)
	delete(c.lastUse, e.ID)
	if c.byHash[e.ContentHash] != e {
		return
	}
	delete(c.byHash, e.ContentHash)
	var next *snapshot.Entry
	for _, o := range c.byID {
		if o.ContentHash == e.ContentHash && o.Newer(next) {
			next = o
		}
	}
	if next != nil {
		c.byHash[e.ContentHash] = next
	}
}
