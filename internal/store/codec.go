package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

// entryColumns is the projection shared by every entry query. Both drivers
// scan it through scanEntry.
const entryColumns = `
	s.seq, s.id, s.content_hash, c.content, s.captured_at,
	s.device_id, s.device_name,
	s.app_package, s.activity_name, s.page_title, s.page_type,
	s.element_count, s.clickable_count, s.input_count, s.meta`

const entryFrom = `
	FROM snapshots s
	JOIN snapshot_contents c ON c.content_hash = s.content_hash`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*snapshot.Entry, error) {
	var (
		e    snapshot.Entry
		hash string
		meta string
	)
	err := row.Scan(
		&e.Seq,
		&e.ID,
		&hash,
		&e.Content,
		&e.CapturedAt,
		&e.Origin.DeviceID,
		&e.Origin.DeviceName,
		&e.PageContext.AppPackage,
		&e.PageContext.ActivityName,
		&e.PageContext.PageTitle,
		&e.PageContext.PageType,
		&e.PageContext.ElementCount,
		&e.PageContext.ClickableCount,
		&e.PageContext.InputCount,
		&meta,
	)
	if err != nil {
		return nil, err
	}
	e.ContentHash = fingerprint.Hash(hash)
	if e.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeMeta(m *snapshot.Meta) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode meta: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s string) (*snapshot.Meta, error) {
	if s == "" {
		return nil, nil
	}
	var m snapshot.Meta
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return &m, nil
}

// encodeVector converts a float32 slice to a byte slice for storage.
// Each float32 is encoded as 4 bytes in little-endian format.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a byte slice back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity calculates the cosine similarity between two vectors.
// The result is in range [-1, 1], where 1 means identical direction.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
