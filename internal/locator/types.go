// Package locator builds portable element locators from a selected element
// and the snapshot it was selected in.
package locator

import (
	"errors"
	"strings"

	"github.com/easeaico/snaplocator/internal/uitree"
)

// ErrCorruptLocator is returned when a locator carries no usable attribute.
var ErrCorruptLocator = errors.New("locator has no usable attribute")

// Attributes are the element attributes matched on replay.
type Attributes struct {
	ResourceID  string `json:"resourceId,omitempty"`
	Text        string `json:"text,omitempty"`
	ContentDesc string `json:"contentDesc,omitempty"`
	ClassName   string `json:"className,omitempty"`
	PackageName string `json:"packageName,omitempty"`
}

// StructuralContext describes the element's surroundings at capture time.
type StructuralContext struct {
	IndexPath       []int    `json:"indexPath,omitempty"`
	ParentSignature string   `json:"parentSignature,omitempty"`
	SiblingTexts    []string `json:"siblingTexts,omitempty"`
	ChildTexts      []string `json:"childTexts,omitempty"`
}

// Empty reports whether the context carries nothing to match on.
func (s StructuralContext) Empty() bool {
	return s.ParentSignature == "" && len(s.SiblingTexts) == 0 && len(s.ChildTexts) == 0
}

// ElementLocator is a portable description of one element. It is built once
// and re-evaluated, never mutated, on every replay.
type ElementLocator struct {
	AbsoluteXPath  string            `json:"absoluteXPath,omitempty"`
	PredicateXPath string            `json:"predicateXPath,omitempty"`
	Attributes     Attributes        `json:"attributes"`
	Bounds         string            `json:"bounds,omitempty"`
	Context        StructuralContext `json:"structuralContext"`
	Confidence     float64           `json:"confidence"`
}

// XPath returns the authoritative path: the absolute one when present.
func (l *ElementLocator) XPath() string {
	if l.AbsoluteXPath != "" {
		return l.AbsoluteXPath
	}
	return l.PredicateXPath
}

// Rect parses the canonical bounds string.
func (l *ElementLocator) Rect() (uitree.Rect, bool) {
	return uitree.ParseBounds(l.Bounds)
}

// Validate checks that at least one of xpath, resource id, text with
// bounds, or content description is present.
func (l *ElementLocator) Validate() error {
	a := l.Attributes
	switch {
	case strings.TrimSpace(l.XPath()) != "":
	case a.ResourceID != "":
	case a.ContentDesc != "":
	case a.Text != "" && l.Bounds != "":
	default:
		return ErrCorruptLocator
	}
	return nil
}

// SelectedElement is the raw description of an element picked by a user or
// an automation, as produced by the capture side.
type SelectedElement struct {
	XPath       string  `json:"xpath,omitempty"`
	ResourceID  string  `json:"resourceId,omitempty"`
	Text        string  `json:"text,omitempty"`
	ContentDesc string  `json:"contentDesc,omitempty"`
	ClassName   string  `json:"className,omitempty"`
	PackageName string  `json:"packageName,omitempty"`
	Bounds      Bounds  `json:"bounds,omitzero"`
	Confidence  float64 `json:"confidence,omitempty"`
}
