package locator

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/easeaico/snaplocator/internal/uitree"
)

// Config tunes the builder.
type Config struct {
	// MenuKeywords mark menu-like controls, matched case-insensitively
	// against resource id, content description and text.
	MenuKeywords []string
	// MenuAreaRatio is the largest plausible share of the screen a
	// menu-like control may cover.
	MenuAreaRatio float64
	// MenuFallback replaces implausible menu bounds when the snapshot has no
	// better candidate. A zero rectangle drops the bounds instead.
	MenuFallback uitree.Rect
	// MaxContextTexts caps sibling and child texts.
	MaxContextTexts int
}

func (c *Config) defaults() {
	if len(c.MenuKeywords) == 0 {
		c.MenuKeywords = []string{"menu", "菜单", "更多", "more options"}
	}
	if c.MenuAreaRatio <= 0 {
		c.MenuAreaRatio = 0.25
	}
	if c.MaxContextTexts <= 0 {
		c.MaxContextTexts = 5
	}
}

// Builder turns selected elements into locators.
type Builder struct {
	cfg    Config
	logger *slog.Logger
}

// NewBuilder creates a locator builder.
func NewBuilder(cfg Config, logger *slog.Logger) *Builder {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build converts el, selected inside the owning snapshot, into a locator.
// The snapshot enriches the locator with structural context; when it cannot
// be parsed the locator is built from el alone. Build returns
// ErrCorruptLocator when nothing usable survives.
func (b *Builder) Build(el SelectedElement, owning string) (*ElementLocator, error) {
	var tree *uitree.Tree
	if owning != "" {
		t, err := uitree.Parse(owning)
		if err != nil {
			b.logger.Warn("locator: owning snapshot unparseable, building without context", "error", err)
		} else {
			tree = t
		}
	}
	return b.BuildTree(el, tree)
}

// BuildTree is Build over an already parsed snapshot, which may be nil.
func (b *Builder) BuildTree(el SelectedElement, tree *uitree.Tree) (*ElementLocator, error) {
	rect, hasRect := el.Bounds.Rect()
	node := findSelected(tree, el, rect, hasRect)

	loc := &ElementLocator{
		Attributes: Attributes{
			ResourceID:  el.ResourceID,
			Text:        strings.TrimSpace(el.Text),
			ContentDesc: strings.TrimSpace(el.ContentDesc),
			ClassName:   el.ClassName,
			PackageName: el.PackageName,
		},
		Confidence: el.Confidence,
	}
	if node != nil {
		fillFromNode(&loc.Attributes, node)
		if !hasRect && node.HasBounds {
			rect, hasRect = node.Bounds, true
		}
	}

	// 1. paths
	switch {
	case uitree.WellFormedXPath(el.XPath):
		loc.AbsoluteXPath = el.XPath
	case node != nil:
		loc.AbsoluteXPath = node.XPath
	}
	loc.PredicateXPath = predicateXPath(loc.Attributes)

	// 2. bounds
	if hasRect {
		rect, hasRect = b.correctBounds(loc.Attributes, rect, tree)
	}
	if hasRect {
		loc.Bounds = rect.String()
	}

	// 3. structural context
	if tree != nil {
		if node != nil {
			loc.Context.IndexPath = slices.Clone(node.IndexPath)
		}
		if hasRect {
			b.fillContext(&loc.Context, tree, rect, loc.Attributes)
		}
	}

	// 4. validation
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if loc.Confidence <= 0 {
		loc.Confidence = initialConfidence(loc)
	}
	return loc, nil
}

// findSelected locates el in tree by path first, then by bounds and attributes.
func findSelected(tree *uitree.Tree, el SelectedElement, rect uitree.Rect, hasRect bool) *uitree.Node {
	if tree == nil {
		return nil
	}
	if uitree.WellFormedXPath(el.XPath) {
		if nodes, err := tree.Query(el.XPath); err == nil && len(nodes) == 1 {
			return nodes[0]
		}
	}
	if !hasRect {
		return nil
	}
	for _, n := range tree.WithBounds(rect) {
		if attrsAgree(n, el) {
			return n
		}
	}
	return nil
}

func attrsAgree(n *uitree.Node, el SelectedElement) bool {
	if el.ResourceID != "" && n.ResourceID != el.ResourceID {
		return false
	}
	if el.Text != "" && n.Text != strings.TrimSpace(el.Text) {
		return false
	}
	if el.ContentDesc != "" && n.ContentDesc != strings.TrimSpace(el.ContentDesc) {
		return false
	}
	return true
}

func fillFromNode(a *Attributes, n *uitree.Node) {
	if a.ResourceID == "" {
		a.ResourceID = n.ResourceID
	}
	if a.Text == "" {
		a.Text = n.Text
	}
	if a.ContentDesc == "" {
		a.ContentDesc = n.ContentDesc
	}
	if a.ClassName == "" {
		a.ClassName = n.Class
	}
	if a.PackageName == "" {
		a.PackageName = n.Package
	}
}

// predicateXPath synthesizes a path from the strongest attribute:
// resource id, then content description, then text, then class.
func predicateXPath(a Attributes) string {
	switch {
	case a.ResourceID != "":
		return uitree.AttrPredicate("resource-id", a.ResourceID)
	case a.ContentDesc != "":
		return uitree.AttrPredicate("content-desc", a.ContentDesc)
	case a.Text != "":
		return uitree.AttrPredicate("text", a.Text)
	case a.ClassName != "":
		return uitree.AttrPredicate("class", a.ClassName)
	}
	return ""
}

func initialConfidence(l *ElementLocator) float64 {
	switch {
	case l.Attributes.ResourceID != "":
		return 0.95
	case l.AbsoluteXPath != "":
		return 0.9
	case l.Attributes.ContentDesc != "":
		return 0.85
	case l.Attributes.Text != "":
		return 0.8
	}
	return 0.6
}
