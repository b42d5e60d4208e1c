package locator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/easeaico/snaplocator/internal/uitree"
)

type boundsKind uint8

const (
	boundsNone boundsKind = iota
	boundsRect
	boundsString
)

// Bounds is either a rectangle or a bounds string as sent by the capture
// side. It is normalized once, at Build.
type Bounds struct {
	kind boundsKind
	rect uitree.Rect
	raw  string
}

// RectBounds wraps a rectangle.
func RectBounds(r uitree.Rect) Bounds { return Bounds{kind: boundsRect, rect: r} }

// StringBounds wraps a bounds string.
func StringBounds(s string) Bounds { return Bounds{kind: boundsString, raw: s} }

// IsZero reports whether no bounds were given.
func (b Bounds) IsZero() bool { return b.kind == boundsNone }

// Rect returns the normalized rectangle.
func (b Bounds) Rect() (uitree.Rect, bool) {
	switch b.kind {
	case boundsRect:
		return b.rect, true
	case boundsString:
		return uitree.ParseBounds(b.raw)
	}
	return uitree.Rect{}, false
}

// UnmarshalJSON accepts "[l,t][r,b]" or {"left":..,"top":..,"right":..,"bottom":..}.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = Bounds{}
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = StringBounds(s)
	case len(data) > 0 && data[0] == '{':
		var r uitree.Rect
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		*b = RectBounds(r)
	default:
		return fmt.Errorf("bounds must be a string or an object, got %s", data)
	}
	return nil
}

// MarshalJSON writes the canonical string form when the bounds parse.
func (b Bounds) MarshalJSON() ([]byte, error) {
	if r, ok := b.Rect(); ok {
		return json.Marshal(r.String())
	}
	if b.kind == boundsString {
		return json.Marshal(b.raw)
	}
	return []byte("null"), nil
}
