package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

// Interner stores snapshot content on behalf of steps. *cache.Cache
// satisfies it.
type Interner interface {
	Put(ctx context.Context, req cache.PutRequest) (*snapshot.Entry, error)
	Get(ctx context.Context, id string) (*snapshot.Entry, error)
	GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error)
}

// Options control a migration.
type Options struct {
	// RetainInline keeps one full copy of the snapshot on the step next to
	// the cache reference, so the step stays portable on its own.
	RetainInline bool
}

// Result describes the outcome of migrating one step.
type Result struct {
	Step     Step     `json:"step"`
	Migrated bool     `json:"migrated"`
	Changes  []string `json:"changes,omitempty"`
}

// Migrator rewrites steps that inline their snapshot, or use legacy field
// names, into the reference shape.
type Migrator struct {
	cache  Interner
	logger *slog.Logger
}

// NewMigrator creates a migrator that interns content into c.
func NewMigrator(c Interner, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{cache: c, logger: logger}
}

// Migrate returns the migrated form of step. The input is never modified.
// Migrating an already migrated step returns it unchanged with Migrated
// set to false.
func (m *Migrator) Migrate(ctx context.Context, step Step, opts Options) (Result, error) {
	if len(step.Parameters) == 0 {
		return Result{Step: step}, nil
	}
	out := step.Clone()
	var changes []string

	if key := renameXPath(out.Parameters); key != "" {
		changes = append(changes, "renamed "+key+" to "+KeyAbsoluteXPath)
	}

	var (
		ch  []string
		err error
	)
	if content := inlineContent(out.Parameters); content != "" {
		ch, err = m.intern(ctx, &out, content, opts)
	} else {
		ch, err = m.rebind(ctx, &out)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to migrate step %s: %w", step.ID, err)
	}
	changes = append(changes, ch...)

	if len(changes) == 0 {
		return Result{Step: step}, nil
	}
	m.logger.Debug("steps: migrated", "step", step.ID, "changes", changes)
	return Result{Step: out, Migrated: true, Changes: changes}, nil
}

// MigrateAll migrates steps in order and stops at the first error.
func (m *Migrator) MigrateAll(ctx context.Context, steps []Step, opts Options) ([]Result, error) {
	results := make([]Result, 0, len(steps))
	migrated := 0
	for _, s := range steps {
		res, err := m.Migrate(ctx, s, opts)
		if err != nil {
			return results, err
		}
		if res.Migrated {
			migrated++
		}
		results = append(results, res)
	}
	m.logger.Info("steps: migration finished", "steps", len(steps), "migrated", migrated)
	return results, nil
}

// intern moves inline content into the cache and replaces it with a
// reference.
func (m *Migrator) intern(ctx context.Context, s *Step, content string, opts Options) ([]string, error) {
	p := s.Parameters
	hash := fingerprint.Of(content)
	if retainedCopy(p, hash) {
		return nil, nil
	}

	snap, _ := p[KeySnapshot].(map[string]any)
	cacheID, _ := snap[snapshotCacheID].(string)
	if cacheID == "" {
		if b, ok := s.Binding(); ok && b.Hash == hash {
			cacheID = b.CacheID
		}
	}
	if cacheID == "" {
		cacheID = "migrated_" + hash.Short()
	}

	stated, _ := snap[snapshotHash].(string)
	if stated == "" {
		stated, _ = p[legacyXMLHash].(string)
	}
	if stated != "" && stated != hash.String() {
		m.logger.Debug("steps: recomputed stale hash", "step", s.ID, "stated", stated, "hash", hash.Short())
	}

	cacheID, existing, err := m.resolveID(ctx, cacheID, hash)
	if err != nil {
		return nil, err
	}
	var changes []string
	if existing {
		changes = append(changes, "bound to cached snapshot "+cacheID)
	} else {
		var capturedAt int64
		if ts, ok := snap["timestamp"].(float64); ok {
			capturedAt = int64(ts)
		}
		if _, err := m.cache.Put(ctx, cache.PutRequest{ID: cacheID, Content: content, CapturedAt: capturedAt}); err != nil {
			return nil, fmt.Errorf("failed to intern snapshot: %w", err)
		}
		changes = append(changes, "interned snapshot "+hash.Short()+" as "+cacheID)
	}
	for _, k := range []string{KeySnapshot, legacyXMLContent, legacyOriginalXML, legacyXMLHash} {
		delete(p, k)
	}
	s.SetBinding(Binding{CacheID: cacheID, Hash: hash})
	if opts.RetainInline {
		s.Retain(content)
		changes = append(changes, "retained inline copy")
	}
	return changes, nil
}

// resolveID picks the cache id for content with the given hash. A cached
// entry already holding the content is reused as is. An id that holds
// different content is never overwritten.
func (m *Migrator) resolveID(ctx context.Context, cacheID string, hash fingerprint.Hash) (string, bool, error) {
	e, err := m.cache.Get(ctx, cacheID)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up snapshot: %w", err)
	}
	if e != nil && e.ContentHash == hash {
		return cacheID, true, nil
	}

	byHash, err := m.cache.GetByHash(ctx, hash)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up snapshot: %w", err)
	}
	if byHash != nil {
		return byHash.ID, true, nil
	}
	if e != nil {
		m.logger.Warn("steps: cache id holds other content, interning under a new id", "cache_id", cacheID, "hash", hash.Short())
		cacheID = "migrated_" + hash.Short()
	}
	return cacheID, false, nil
}

// rebind upgrades references written without content: a bare xmlCacheId or
// a reference carrying a legacy hash.
func (m *Migrator) rebind(ctx context.Context, s *Step) ([]string, error) {
	p := s.Parameters
	if b, ok := s.Binding(); ok {
		if fingerprint.Valid(b.Hash.String()) || b.CacheID == "" {
			return nil, nil
		}
		e, err := m.cache.Get(ctx, b.CacheID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			m.logger.Warn("steps: referenced snapshot missing, keeping legacy hash", "step", s.ID, "cache_id", b.CacheID)
			return nil, nil
		}
		s.SetBinding(Binding{CacheID: b.CacheID, Hash: e.ContentHash})
		return []string{"recomputed hash for " + b.CacheID}, nil
	}

	snap, ok := p[KeySnapshot].(map[string]any)
	if !ok {
		return nil, nil
	}
	cacheID, _ := snap[snapshotCacheID].(string)
	if cacheID == "" {
		return nil, nil
	}
	e, err := m.cache.Get(ctx, cacheID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		m.logger.Warn("steps: referenced snapshot missing, step left as is", "step", s.ID, "cache_id", cacheID)
		return nil, nil
	}
	delete(p, KeySnapshot)
	delete(p, legacyXMLHash)
	s.SetBinding(Binding{CacheID: cacheID, Hash: e.ContentHash})
	return []string{"bound " + cacheID}, nil
}

// inlineContent finds a full snapshot carried on the step.
func inlineContent(p map[string]any) string {
	if snap, ok := p[KeySnapshot].(map[string]any); ok {
		if s, _ := snap[snapshotContent].(string); s != "" {
			return s
		}
	}
	for _, k := range []string{legacyXMLContent, legacyOriginalXML} {
		if s, _ := p[k].(string); s != "" {
			return s
		}
	}
	return ""
}

// retainedCopy reports whether the only inline content is a retained copy
// that agrees with the step's reference.
func retainedCopy(p map[string]any, hash fingerprint.Hash) bool {
	for _, k := range []string{legacyXMLContent, legacyOriginalXML, legacyXMLHash} {
		if _, ok := p[k]; ok {
			return false
		}
	}
	snap, ok := p[KeySnapshot].(map[string]any)
	if !ok || len(snap) != 2 {
		return false
	}
	if h, _ := snap[snapshotHash].(string); h != hash.String() {
		return false
	}
	b, ok := Step{Parameters: p}.Binding()
	return ok && b.Hash == hash
}

// renameXPath moves the first non-empty legacy xpath field to absoluteXPath,
// unless one is already set, and drops all legacy fields. It returns the
// first legacy key found.
func renameXPath(p map[string]any) string {
	var from string
	value, _ := p[KeyAbsoluteXPath].(string)

	if orig, ok := p[legacyOriginal].(map[string]any); ok {
		if xp, ok := orig["selected_xpath"].(string); ok {
			from = legacyOriginal + ".selected_xpath"
			if value == "" {
				value = xp
			}
			delete(orig, "selected_xpath")
			if len(orig) == 0 {
				delete(p, legacyOriginal)
			}
		}
	}
	for _, k := range legacyXPathKeys {
		raw, ok := p[k]
		if !ok {
			continue
		}
		if xp, _ := raw.(string); value == "" {
			value = xp
		}
		if from == "" {
			from = k
		}
		delete(p, k)
	}
	if from != "" && value != "" {
		p[KeyAbsoluteXPath] = value
	}
	return from
}
