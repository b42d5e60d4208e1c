// Package bundle exports steps together with the snapshots they reference,
// and imports such bundles into another cache.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
	"github.com/easeaico/snaplocator/internal/steps"
)

// Version is the bundle format written by Export.
const Version = "1.1"

// ErrIncompatibleVersion is returned by Import for a bundle whose major
// version differs from Version.
var ErrIncompatibleVersion = errors.New("incompatible bundle version")

// Metadata describes the export.
type Metadata struct {
	ExportVersion string    `json:"exportVersion"`
	ExportedAt    time.Time `json:"exportedAt"`
}

// SnapshotMetadata is carried next to a snapshot's content so the receiving
// cache can keep the original id and capture details.
type SnapshotMetadata struct {
	CacheID     string                `json:"cacheId,omitempty"`
	CapturedAt  int64                 `json:"capturedAt,omitempty"`
	Origin      snapshot.Origin       `json:"origin,omitzero"`
	PageContext *snapshot.PageContext `json:"pageContext,omitempty"`
	Meta        *snapshot.Meta        `json:"disambiguationMeta,omitempty"`
}

// CachedSnapshot is one entry of the xmlCache map.
type CachedSnapshot struct {
	Content  string            `json:"content"`
	Metadata *SnapshotMetadata `json:"metadata,omitempty"`
}

// Bundle is the portable export document. Steps reference snapshots by hash
// only; XMLCache supplies the content.
type Bundle struct {
	Metadata Metadata                  `json:"metadata"`
	Steps    []steps.Step              `json:"steps"`
	XMLCache map[string]CachedSnapshot `json:"xmlCache"`
}

// Source is where Export reads snapshots. *cache.Cache satisfies it.
type Source interface {
	Get(ctx context.Context, id string) (*snapshot.Entry, error)
	GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error)
}

// Sink is where Import writes snapshots. *cache.Cache satisfies it.
type Sink interface {
	Get(ctx context.Context, id string) (*snapshot.Entry, error)
	GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error)
	Put(ctx context.Context, req cache.PutRequest) (*snapshot.Entry, error)
}

// Encode writes b as indented JSON.
func (b *Bundle) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	return nil
}

// Decode reads a bundle document.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &b, nil
}

func metadataOf(e *snapshot.Entry) *SnapshotMetadata {
	pc := e.PageContext
	return &SnapshotMetadata{
		CacheID:     e.ID,
		CapturedAt:  e.CapturedAt,
		Origin:      e.Origin,
		PageContext: &pc,
		Meta:        e.Meta,
	}
}

// parseVersion reads "major.minor", ignoring any patch part. A missing
// minor is 0.
func parseVersion(v string) (major, minor int, err error) {
	majStr, minStr, _ := strings.Cut(strings.TrimSpace(v), ".")
	if major, err = strconv.Atoi(majStr); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrIncompatibleVersion, v)
	}
	minStr, _, _ = strings.Cut(minStr, ".")
	if minStr == "" {
		return major, 0, nil
	}
	if minor, err = strconv.Atoi(minStr); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrIncompatibleVersion, v)
	}
	return major, minor, nil
}
