// Package steps binds recorded automation steps to cached snapshots and
// migrates steps written by older releases to the current parameter shape.
package steps

import (
	"encoding/json"
	"fmt"

	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/locator"
)

// Parameter keys of the current step shape.
const (
	KeyCacheRef      = "xmlCacheRef"
	KeySnapshot      = "xmlSnapshot"
	KeyLocator       = "elementLocator"
	KeyAbsoluteXPath = "absoluteXPath"
)

// Keys inside xmlSnapshot.
const (
	snapshotContent = "xmlContent"
	snapshotHash    = "xmlHash"
	snapshotCacheID = "xmlCacheId"
)

// Legacy keys that carried the whole snapshot inline.
const (
	legacyXMLContent  = "xmlContent"
	legacyOriginalXML = "original_xml"
	legacyXMLHash     = "xmlHash"
	legacyOriginal    = "original_data"
)

// legacyXPathKeys are older names of absoluteXPath, in preference order.
// The original_data entry is nested.
var legacyXPathKeys = []string{"selected_xpath", "element_global_xpath", "elementGlobalXPath"}

// Step is a recorded automation step. Parameters keep the loosely typed JSON
// shape steps are persisted in.
type Step struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Binding is the reference from a step to its snapshot in the cache.
type Binding struct {
	CacheID string           `json:"cacheId"`
	Hash    fingerprint.Hash `json:"hash"`
}

func (b Binding) value() map[string]any {
	return map[string]any{"cacheId": b.CacheID, "hash": b.Hash.String()}
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.Parameters != nil {
		out.Parameters = cloneValue(s.Parameters).(map[string]any)
	}
	return out
}

// Binding returns the step's cache reference.
func (s Step) Binding() (Binding, bool) {
	ref, ok := s.Parameters[KeyCacheRef].(map[string]any)
	if !ok {
		return Binding{}, false
	}
	id, _ := ref["cacheId"].(string)
	hash, _ := ref["hash"].(string)
	if id == "" && hash == "" {
		return Binding{}, false
	}
	return Binding{CacheID: id, Hash: fingerprint.Hash(hash)}, true
}

// SetBinding stores b as the step's cache reference.
func (s *Step) SetBinding(b Binding) {
	if s.Parameters == nil {
		s.Parameters = make(map[string]any)
	}
	s.Parameters[KeyCacheRef] = b.value()
}

// InlineContent returns the full snapshot copy retained on the step, if any.
func (s Step) InlineContent() (string, bool) {
	snap, ok := s.Parameters[KeySnapshot].(map[string]any)
	if !ok {
		return "", false
	}
	content, _ := snap[snapshotContent].(string)
	return content, content != ""
}

// Retain keeps a full copy of content on the step so it stays
// self-contained outside this machine's cache.
func (s *Step) Retain(content string) {
	if s.Parameters == nil {
		s.Parameters = make(map[string]any)
	}
	s.Parameters[KeySnapshot] = map[string]any{
		snapshotContent: content,
		snapshotHash:    fingerprint.Of(content).String(),
	}
}

// Locator decodes the element locator stored on the step.
func (s Step) Locator() (*locator.ElementLocator, error) {
	raw, ok := s.Parameters[KeyLocator]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode locator: %w", err)
	}
	var loc locator.ElementLocator
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to decode locator: %w", err)
	}
	if loc.AbsoluteXPath == "" {
		if xp, ok := s.Parameters[KeyAbsoluteXPath].(string); ok {
			loc.AbsoluteXPath = xp
		}
	}
	return &loc, nil
}

// SetLocator stores loc on the step in its JSON shape, keeping
// absoluteXPath in sync.
func (s *Step) SetLocator(loc *locator.ElementLocator) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to encode locator: %w", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to encode locator: %w", err)
	}
	if s.Parameters == nil {
		s.Parameters = make(map[string]any)
	}
	s.Parameters[KeyLocator] = v
	if loc.AbsoluteXPath != "" {
		s.Parameters[KeyAbsoluteXPath] = loc.AbsoluteXPath
	}
	return nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	}
	return v
}
