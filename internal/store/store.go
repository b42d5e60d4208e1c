// Package store provides the durable tier of the snapshot cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

// ErrUnavailable is returned by operations on a closed store.
var ErrUnavailable = errors.New("durable store unavailable")

// Store defines the contract for the durable snapshot tier.
// Lookups return (nil, nil) when nothing matches. Every write is its own
// transaction, so a failed write leaves previously committed entries intact.
type Store interface {
	// Put stores a single entry, replacing any entry with the same id.
	Put(ctx context.Context, e *snapshot.Entry) error

	// PutBatch stores entries in one transaction, in order.
	PutBatch(ctx context.Context, entries []*snapshot.Entry) error

	// Get returns the entry stored under id.
	Get(ctx context.Context, id string) (*snapshot.Entry, error)

	// GetByHash returns the most recently captured entry with the given content hash.
	GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error)

	// GetRecent returns up to n entries, newest first.
	GetRecent(ctx context.Context, n int) ([]*snapshot.Entry, error)

	// GetLatest returns the newest entry whose package and activity satisfy filter.
	GetLatest(ctx context.Context, filter *snapshot.Meta) (*snapshot.Entry, error)

	// HasContent reports whether content with the given hash is stored.
	HasContent(ctx context.Context, hash fingerprint.Hash) (bool, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// DeleteOlderThan removes entries captured before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteOldestUntilCount removes the oldest entries until at most limit remain.
	// Ties on capture time are broken by insertion order.
	DeleteOldestUntilCount(ctx context.Context, limit int) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// SearchSimilar returns the entries whose page signature is closest to vec.
	SearchSimilar(ctx context.Context, vec []float32, limit int) ([]Similar, error)

	// Close releases any resources held by the store.
	Close() error
}

// Similar is a similarity search hit.
type Similar struct {
	Entry *snapshot.Entry
	Score float32
}
