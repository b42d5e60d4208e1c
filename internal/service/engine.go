// Package service is the composition root of the locator core. It ties the
// snapshot cache, locator builder, resolver and step migrator together
// behind capture, bind and replay operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/easeaico/snaplocator/internal/bundle"
	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/matcher"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/steps"
)

// ErrSnapshotNotFound is returned when no snapshot is available for a bind
// or replay.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Source names where a replay took its snapshot from.
type Source string

const (
	SourceLive   Source = "live"
	SourceInline Source = "inline"
	SourceCache  Source = "cache"
)

// Engine owns the core components for one process.
type Engine struct {
	cache    *cache.Cache
	builder  *locator.Builder
	resolver *matcher.Resolver
	migrator *steps.Migrator
	logger   *slog.Logger
}

// NewEngine wires the components around c.
func NewEngine(c *cache.Cache, builder *locator.Builder, resolver *matcher.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:    c,
		builder:  builder,
		resolver: resolver,
		migrator: steps.NewMigrator(c, logger),
		logger:   logger,
	}
}

// Cache returns the engine's snapshot cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Resolver returns the engine's resolver.
func (e *Engine) Resolver() *matcher.Resolver { return e.resolver }

// Capture stores a snapshot handed over by the capture side.
func (e *Engine) Capture(ctx context.Context, req cache.PutRequest) (*snapshot.Entry, error) {
	entry, err := e.cache.Put(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return entry, nil
}

// BindRequest attaches a selected element to a step.
type BindRequest struct {
	Step steps.Step
	// SnapshotID is the owning snapshot. When empty the latest snapshot
	// matching Meta is used.
	SnapshotID string
	Meta       *snapshot.Meta
	Element    locator.SelectedElement
	// RetainInline keeps a full copy of the snapshot on the step.
	RetainInline bool
}

// Bind builds a locator for the selected element and returns the step with
// the locator and a reference to its snapshot. The input step is not
// modified.
func (e *Engine) Bind(ctx context.Context, req BindRequest) (steps.Step, *locator.ElementLocator, error) {
	var (
		entry *snapshot.Entry
		err   error
	)
	if req.SnapshotID != "" {
		entry, err = e.cache.Get(ctx, req.SnapshotID)
	} else {
		entry, err = e.cache.GetLatest(ctx, req.Meta)
	}
	if err != nil {
		return steps.Step{}, nil, fmt.Errorf("failed to load owning snapshot: %w", err)
	}
	if entry == nil {
		return steps.Step{}, nil, ErrSnapshotNotFound
	}

	loc, err := e.builder.Build(req.Element, entry.Content)
	if err != nil {
		return steps.Step{}, nil, err
	}

	out := req.Step.Clone()
	if err := out.SetLocator(loc); err != nil {
		return steps.Step{}, nil, err
	}
	out.SetBinding(steps.Binding{CacheID: entry.ID, Hash: entry.ContentHash})
	if req.RetainInline {
		out.Retain(entry.Content)
	} else if out.Parameters != nil {
		delete(out.Parameters, steps.KeySnapshot)
	}
	return out, loc, nil
}

// ReplayRequest resolves a bound step against a snapshot.
type ReplayRequest struct {
	Step steps.Step
	// Live is the current screen, when the caller has one.
	Live    string
	Options matcher.Options
}

// ReplayResult is the resolution and the snapshot it ran against.
type ReplayResult struct {
	Source Source           `json:"source"`
	Hash   fingerprint.Hash `json:"hash"`
	*matcher.Result
}

// Replay resolves the step's locator. The snapshot comes from the live
// screen when given, else from the step's retained copy, else from the
// cache entry the step references.
func (e *Engine) Replay(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	loc, err := req.Step.Locator()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		xp, _ := req.Step.Parameters[steps.KeyAbsoluteXPath].(string)
		loc = &locator.ElementLocator{AbsoluteXPath: xp}
	}
	if err := loc.Validate(); err != nil {
		return nil, fmt.Errorf("step %s: %w", req.Step.ID, err)
	}

	content, source, err := e.source(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := e.resolver.Resolve(loc, content, req.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve step %s: %w", req.Step.ID, err)
	}

	out := &ReplayResult{Source: source, Hash: fingerprint.Of(content), Result: res}
	e.logger.Debug("service: replayed step", "step", req.Step.ID, "source", source, "accepted", res.Accepted)
	return out, nil
}

func (e *Engine) source(ctx context.Context, req ReplayRequest) (string, Source, error) {
	if req.Live != "" {
		return req.Live, SourceLive, nil
	}
	if content, ok := req.Step.InlineContent(); ok {
		return content, SourceInline, nil
	}
	b, ok := req.Step.Binding()
	if !ok {
		return "", "", ErrSnapshotNotFound
	}
	if b.CacheID != "" {
		entry, err := e.cache.Get(ctx, b.CacheID)
		if err != nil {
			return "", "", err
		}
		if entry != nil && (b.Hash == "" || entry.ContentHash == b.Hash) {
			return entry.Content, SourceCache, nil
		}
	}
	if fingerprint.Valid(b.Hash.String()) {
		entry, err := e.cache.GetByHash(ctx, b.Hash)
		if err != nil {
			return "", "", err
		}
		if entry != nil {
			return entry.Content, SourceCache, nil
		}
	}
	return "", "", ErrSnapshotNotFound
}

// Migrate rewrites legacy steps into the reference shape.
func (e *Engine) Migrate(ctx context.Context, list []steps.Step, opts steps.Options) ([]steps.Result, error) {
	return e.migrator.MigrateAll(ctx, list, opts)
}

// Export bundles steps with the snapshots they reference.
func (e *Engine) Export(ctx context.Context, list []steps.Step) (*bundle.Bundle, error) {
	return bundle.Export(ctx, list, e.cache, bundle.ExportOptions{Logger: e.logger})
}

// Import merges a bundle into the cache.
func (e *Engine) Import(ctx context.Context, b *bundle.Bundle) (bundle.ImportReport, error) {
	return bundle.Import(ctx, b, e.cache, bundle.ImportOptions{Logger: e.logger})
}

// Close flushes pending cache writes.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}
