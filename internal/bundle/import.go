package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/steps"
)

// ImportOptions tune Import.
type ImportOptions struct {
	Logger *slog.Logger
}

// ImportReport summarizes an import. Steps are the bundle's steps with each
// reference pointed at the local entry now holding its snapshot.
type ImportReport struct {
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
	Invalid int          `json:"invalid"`
	Steps   []steps.Step `json:"steps"`
}

// Import merges b into sink. Snapshots whose hash is already present are
// skipped, so importing the same bundle twice creates nothing the second
// time. Entries whose content does not match their key are counted as
// invalid and dropped. A bundled cache id already used locally for other
// content is not reused.
func Import(ctx context.Context, b *Bundle, sink Sink, opts ImportOptions) (ImportReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	major, minor, err := parseVersion(b.Metadata.ExportVersion)
	if err != nil {
		return ImportReport{}, err
	}
	wantMajor, wantMinor, _ := parseVersion(Version)
	if major != wantMajor {
		return ImportReport{}, fmt.Errorf("%w: got %s, want %d.x", ErrIncompatibleVersion, b.Metadata.ExportVersion, wantMajor)
	}
	if minor != wantMinor {
		logger.Warn("bundle: version mismatch, importing anyway", "bundle", b.Metadata.ExportVersion, "current", Version)
	}

	var report ImportReport
	remap := make(map[fingerprint.Hash]fingerprint.Hash)
	local := make(map[fingerprint.Hash]string)

	keys := make([]string, 0, len(b.XMLCache))
	for k := range b.XMLCache {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		snap := b.XMLCache[key]
		hash := fingerprint.Of(snap.Content)
		switch {
		case snap.Content == "":
			report.Invalid++
			logger.Warn("bundle: empty snapshot dropped", "key", key)
			continue
		case !fingerprint.Valid(key):
			remap[fingerprint.Hash(key)] = hash
		case fingerprint.Hash(key) != hash:
			report.Invalid++
			logger.Warn("bundle: snapshot does not match its hash, dropped", "key", key)
			continue
		}

		existing, err := sink.GetByHash(ctx, hash)
		if err != nil {
			return report, fmt.Errorf("failed to check snapshot %s: %w", hash.Short(), err)
		}
		if existing != nil {
			report.Skipped++
			local[hash] = existing.ID
			continue
		}

		req := cache.PutRequest{Content: snap.Content, Hash: hash.String()}
		if md := snap.Metadata; md != nil {
			req.ID = md.CacheID
			req.CapturedAt = md.CapturedAt
			req.Origin = md.Origin
			req.PageContext = md.PageContext
			req.Meta = md.Meta
		}
		if req.ID != "" {
			taken, err := sink.Get(ctx, req.ID)
			if err != nil {
				return report, fmt.Errorf("failed to check cache id %s: %w", req.ID, err)
			}
			if taken != nil {
				logger.Warn("bundle: cache id holds other content, importing under a new id", "cache_id", req.ID, "hash", hash.Short())
				req.ID = ""
			}
		}
		if req.ID == "" {
			req.ID = "imported_" + hash.Short()
		}
		e, err := sink.Put(ctx, req)
		if err != nil {
			return report, fmt.Errorf("failed to import snapshot %s: %w", hash.Short(), err)
		}
		local[hash] = e.ID
		report.Created++
	}

	report.Steps = make([]steps.Step, 0, len(b.Steps))
	for _, s := range b.Steps {
		out := s.Clone()
		if binding, ok := out.Binding(); ok {
			rebound := binding
			if h, ok := remap[rebound.Hash]; ok {
				rebound.Hash = h
			}
			if id, ok := local[rebound.Hash]; ok {
				rebound.CacheID = id
			}
			if rebound != binding {
				out.SetBinding(rebound)
			}
		}
		report.Steps = append(report.Steps, out)
	}

	logger.Info("bundle: imported", "created", report.Created, "skipped", report.Skipped, "invalid", report.Invalid)
	return report, nil
}
