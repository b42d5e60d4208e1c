package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database.
// Contents are stored once per hash in snapshot_contents; snapshots rows
// reference them. Similarity search runs in application memory.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStore opens the database at dbPath (a file path or ":memory:")
// and verifies connectivity with a ping.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// InitSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshot_contents (
			content_hash TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			signature BLOB,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL REFERENCES snapshot_contents(content_hash),
			captured_at INTEGER NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			device_name TEXT NOT NULL DEFAULT '',
			app_package TEXT NOT NULL DEFAULT '',
			activity_name TEXT NOT NULL DEFAULT '',
			page_title TEXT NOT NULL DEFAULT '',
			page_type TEXT NOT NULL DEFAULT '',
			element_count INTEGER NOT NULL DEFAULT 0,
			clickable_count INTEGER NOT NULL DEFAULT 0,
			input_count INTEGER NOT NULL DEFAULT 0,
			meta_package TEXT NOT NULL DEFAULT '',
			meta_activity TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_captured ON snapshots(captured_at, seq);
		CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON snapshots(content_hash);
		CREATE INDEX IF NOT EXISTS idx_snapshots_page ON snapshots(meta_package, meta_activity);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Put stores a single entry.
func (s *SQLiteStore) Put(ctx context.Context, e *snapshot.Entry) error {
	return s.PutBatch(ctx, []*snapshot.Entry{e})
}

// PutBatch stores entries in one transaction.
func (s *SQLiteStore) PutBatch(ctx context.Context, entries []*snapshot.Entry) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := s.insert(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, e *snapshot.Entry) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM snapshot_contents WHERE content_hash = ?`, string(e.ContentHash)).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sig := encodeVector(snapshot.Signature(e.Content))
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshot_contents (content_hash, content, signature, created_at)
			VALUES (?, ?, ?, ?)`,
			string(e.ContentHash), e.Content, sig, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save content %s: %w", e.ContentHash.Short(), err)
		}
	case err != nil:
		return fmt.Errorf("failed to check content %s: %w", e.ContentHash.Short(), err)
	}

	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}

	// OR REPLACE deletes the old row first, so a re-put gets a fresh seq.
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (
			id, content_hash, captured_at, device_id, device_name,
			app_package, activity_name, page_title, page_type,
			element_count, clickable_count, input_count,
			meta_package, meta_activity, meta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.ContentHash), e.CapturedAt, e.Origin.DeviceID, e.Origin.DeviceName,
		e.PageContext.AppPackage, e.PageContext.ActivityName, e.PageContext.PageTitle, e.PageContext.PageType,
		e.PageContext.ElementCount, e.PageContext.ClickableCount, e.PageContext.InputCount,
		e.PackageName(), e.Activity(), meta,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry stored under id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*snapshot.Entry, error) {
	return s.queryOne(ctx, `SELECT `+entryColumns+entryFrom+` WHERE s.id = ?`, id)
}

// GetByHash returns the newest entry with the given content hash.
func (s *SQLiteStore) GetByHash(ctx context.Context, hash fingerprint.Hash) (*snapshot.Entry, error) {
	return s.queryOne(ctx, `SELECT `+entryColumns+entryFrom+`
		WHERE s.content_hash = ?
		ORDER BY s.captured_at DESC, s.seq DESC
		LIMIT 1`, string(hash))
}

// GetLatest returns the newest entry matching filter.
func (s *SQLiteStore) GetLatest(ctx context.Context, filter *snapshot.Meta) (*snapshot.Entry, error) {
	var pkg, activity string
	if filter != nil {
		pkg, activity = filter.PackageName, filter.Activity
	}
	return s.queryOne(ctx, `SELECT `+entryColumns+entryFrom+`
		WHERE (? = '' OR s.meta_package = ?)
		  AND (? = '' OR s.meta_activity = ?)
		ORDER BY s.captured_at DESC, s.seq DESC
		LIMIT 1`, pkg, pkg, activity, activity)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*snapshot.Entry, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return e, nil
}

// GetRecent returns up to n entries, newest first.
func (s *SQLiteStore) GetRecent(ctx context.Context, n int) ([]*snapshot.Entry, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+entryFrom+`
		ORDER BY s.captured_at DESC, s.seq DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent snapshots: %w", err)
	}
	defer rows.Close()

	var entries []*snapshot.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return entries, nil
}

// HasContent reports whether content with the given hash is stored.
func (s *SQLiteStore) HasContent(ctx context.Context, hash fingerprint.Hash) (bool, error) {
	if s.closed.Load() {
		return false, ErrUnavailable
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshot_contents WHERE content_hash = ?`, string(hash)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrUnavailable
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes entries captured before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(ctx, `DELETE FROM snapshots WHERE captured_at < ?`, cutoff.UnixMilli())
}

// DeleteOldestUntilCount removes the oldest entries until at most limit remain.
func (s *SQLiteStore) DeleteOldestUntilCount(ctx context.Context, limit int) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	excess := n - max(limit, 0)
	if excess <= 0 {
		return 0, nil
	}
	return s.deleteWhere(ctx, `
		DELETE FROM snapshots WHERE seq IN (
			SELECT seq FROM snapshots ORDER BY captured_at ASC, seq ASC LIMIT ?
		)`, excess)
}

// Clear removes every entry and content row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.deleteWhere(ctx, `DELETE FROM snapshots`)
	return err
}

// deleteWhere runs a snapshots delete and drops content rows no longer referenced.
func (s *SQLiteStore) deleteWhere(ctx context.Context, query string, args ...any) (int, error) {
	if s.closed.Load() {
		return 0, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted snapshots: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM snapshot_contents
		WHERE content_hash NOT IN (SELECT content_hash FROM snapshots)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned contents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(affected), nil
}

type hashScore struct {
	hash  string
	score float32
}

// SearchSimilar scores every stored signature against vec with cosine
// similarity and returns the newest entry of each of the best contents.
// Suitable for the few hundred contents the cache retains.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, vec []float32, limit int) ([]Similar, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, signature FROM snapshot_contents WHERE signature IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}

	var scored []hashScore
	for rows.Next() {
		var (
			hash string
			blob []byte
		)
		if err := rows.Scan(&hash, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		stored := decodeVector(blob)
		if len(stored) > 0 && len(stored) == len(vec) {
			scored = append(scored, hashScore{hash: hash, score: cosineSimilarity(vec, stored)})
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating signatures: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return strings.Compare(scored[i].hash, scored[j].hash) < 0
	})

	topK := min(limit, len(scored))
	results := make([]Similar, 0, topK)
	for _, hs := range scored[:topK] {
		e, err := s.GetByHash(ctx, fingerprint.Hash(hs.hash))
		if err != nil {
			return nil, err
		}
		if e != nil {
			results = append(results, Similar{Entry: e, Score: hs.score})
		}
	}
	return results, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
