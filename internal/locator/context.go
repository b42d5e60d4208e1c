package locator

import (
	"sort"
	"strings"

	"github.com/easeaico/snaplocator/internal/uitree"
)

// correctBounds replaces implausibly large bounds on menu-like controls.
// The snapshot's own node for the control is preferred over the configured
// fallback.
func (b *Builder) correctBounds(a Attributes, r uitree.Rect, tree *uitree.Tree) (uitree.Rect, bool) {
	if tree == nil || !b.menuLike(a) {
		return r, true
	}
	screen := tree.Screen()
	limit := float64(screen.Area()) * b.cfg.MenuAreaRatio
	if screen.Empty() || float64(r.Area()) <= limit {
		return r, true
	}

	for _, n := range tree.Nodes {
		if !n.HasBounds || n.Bounds.Empty() || float64(n.Bounds.Area()) > limit {
			continue
		}
		if (a.ResourceID != "" && n.ResourceID == a.ResourceID) ||
			(a.ContentDesc != "" && n.ContentDesc == a.ContentDesc) {
			b.logger.Info("locator: corrected implausible menu bounds",
				"from", r.String(), "to", n.Bounds.String(), "source", "snapshot")
			return n.Bounds, true
		}
	}

	if b.cfg.MenuFallback.Empty() {
		b.logger.Info("locator: dropped implausible menu bounds", "bounds", r.String())
		return uitree.Rect{}, false
	}
	b.logger.Info("locator: corrected implausible menu bounds",
		"from", r.String(), "to", b.cfg.MenuFallback.String(), "source", "config")
	return b.cfg.MenuFallback, true
}

func (b *Builder) menuLike(a Attributes) bool {
	fields := []string{strings.ToLower(a.ResourceID), strings.ToLower(a.ContentDesc), strings.ToLower(a.Text)}
	for _, kw := range b.cfg.MenuKeywords {
		kw = strings.ToLower(kw)
		for _, f := range fields {
			if f != "" && strings.Contains(f, kw) {
				return true
			}
		}
	}
	return false
}

// fillContext collects the parent signature, sibling texts and child texts
// of the element at r. Nesting is decided by bounds containment rather than
// tree edges.
func (b *Builder) fillContext(sc *StructuralContext, tree *uitree.Tree, r uitree.Rect, a Attributes) {
	own := map[string]bool{a.Text: true, a.ContentDesc: true}

	container := tree.Container(r)
	if container != nil {
		sc.ParentSignature = container.Signature()

		var siblings []*uitree.Node
		for _, n := range tree.Contained(container.Bounds) {
			if n.Label() == "" || own[n.Label()] || r.Contains(n.Bounds) || n.Bounds.Contains(r) {
				continue
			}
			siblings = append(siblings, n)
		}
		sort.SliceStable(siblings, func(i, j int) bool {
			return siblings[i].Bounds.CenterDistance(r) < siblings[j].Bounds.CenterDistance(r)
		})
		sc.SiblingTexts = b.labels(siblings)
	}

	var children []*uitree.Node
	for _, n := range tree.Contained(r) {
		if n.Label() == "" || own[n.Label()] || n.Bounds == r {
			continue
		}
		children = append(children, n)
	}
	uitree.ReadingOrder(children)
	sc.ChildTexts = b.labels(children)
}

func (b *Builder) labels(nodes []*uitree.Node) []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range nodes {
		l := n.Label()
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
		if len(out) == b.cfg.MaxContextTexts {
			break
		}
	}
	return out
}
