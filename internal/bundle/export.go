package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/steps"
)

// ExportOptions tune Export.
type ExportOptions struct {
	// Concurrency bounds parallel snapshot lookups. Defaults to 4.
	Concurrency int
	// KeepInline leaves retained inline copies on exported steps.
	KeepInline bool
	Logger     *slog.Logger
	Now        func() time.Time
}

type ref struct {
	cacheID string
	hash    fingerprint.Hash
	inline  string
}

// Export builds a bundle of list and every snapshot it references. A
// snapshot that cannot be found is logged and left out.
func Export(ctx context.Context, list []steps.Step, src Source, opts ExportOptions) (*Bundle, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Bundle{
		Metadata: Metadata{ExportVersion: Version, ExportedAt: opts.Now().UTC()},
		Steps:    make([]steps.Step, 0, len(list)),
		XMLCache: make(map[string]CachedSnapshot),
	}

	refs := make(map[fingerprint.Hash]ref)
	for _, s := range list {
		out := s.Clone()
		r, ok := stepRef(out)
		if !ok {
			b.Steps = append(b.Steps, out)
			continue
		}
		// Bundled steps reference snapshots by hash only; the importer
		// binds them to whatever local id holds the content.
		out.SetBinding(steps.Binding{Hash: r.hash})
		if !opts.KeepInline {
			delete(out.Parameters, steps.KeySnapshot)
		}
		b.Steps = append(b.Steps, out)
		if prev, seen := refs[r.hash]; !seen || (prev.inline == "" && r.inline != "") {
			refs[r.hash] = r
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, r := range refs {
		g.Go(func() error {
			snap, err := lookup(gctx, src, r)
			if err != nil {
				return err
			}
			if snap == nil {
				opts.Logger.Warn("bundle: referenced snapshot not found", "hash", r.hash.Short(), "cache_id", r.cacheID)
				return nil
			}
			mu.Lock()
			b.XMLCache[r.hash.String()] = *snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to export snapshots: %w", err)
	}

	opts.Logger.Info("bundle: exported", "steps", len(b.Steps), "snapshots", len(b.XMLCache))
	return b, nil
}

// stepRef returns the snapshot a step points at.
func stepRef(s steps.Step) (ref, bool) {
	inline, hasInline := s.InlineContent()
	if binding, ok := s.Binding(); ok && fingerprint.Valid(binding.Hash.String()) {
		r := ref{cacheID: binding.CacheID, hash: binding.Hash}
		if hasInline && fingerprint.Of(inline) == binding.Hash {
			r.inline = inline
		}
		return r, true
	}
	if hasInline {
		return ref{hash: fingerprint.Of(inline), inline: inline}, true
	}
	return ref{}, false
}

// lookup prefers the step's own cache entry, then any entry with the same
// content, then the step's inline copy.
func lookup(ctx context.Context, src Source, r ref) (*CachedSnapshot, error) {
	var e *snapshot.Entry
	if r.cacheID != "" {
		got, err := src.Get(ctx, r.cacheID)
		if err != nil {
			return nil, fmt.Errorf("failed to get snapshot %s: %w", r.cacheID, err)
		}
		if got != nil && got.ContentHash == r.hash {
			e = got
		}
	}
	if e == nil {
		got, err := src.GetByHash(ctx, r.hash)
		if err != nil {
			return nil, fmt.Errorf("failed to get snapshot %s: %w", r.hash.Short(), err)
		}
		e = got
	}
	switch {
	case e != nil:
		return &CachedSnapshot{Content: e.Content, Metadata: metadataOf(e)}, nil
	case r.inline != "":
		var md *SnapshotMetadata
		if r.cacheID != "" {
			md = &SnapshotMetadata{CacheID: r.cacheID}
		}
		return &CachedSnapshot{Content: r.inline, Metadata: md}, nil
	}
	return nil, nil
}
