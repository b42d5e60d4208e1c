package matcher

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/uitree"
)

const (
	confResourceID = 0.95
	confDescText   = 0.9
	confSingleText = 0.85
	confXPath      = 0.85
	confContext    = 0.95
	confProximity  = 0.7
	confPositional = 0.75
	confFuzzy      = 0.8
	maxNodeLabels  = 5
)

// resolution is the state of one Resolve call.
type resolution struct {
	loc     *locator.ElementLocator
	tree    *uitree.Tree
	opts    Options
	radius  int
	exclude *exclusion

	pool          []*uitree.Node
	excludedCount int
	// ambiguous holds the direct matches when there was more than one.
	ambiguous []*uitree.Node

	ranked map[*uitree.Node]*Candidate
	labels map[*uitree.Node][]string
}

// buildPool drops unbounded nodes and applies the exclusion rules.
func (run *resolution) buildPool() {
	targets := run.targetLabels()
	for _, n := range run.tree.Nodes {
		if !n.HasBounds || n.Bounds.Empty() {
			continue
		}
		if ok, _ := run.exclude.excluded(targets, run.nodeLabels(n)); ok {
			run.excludedCount++
			continue
		}
		run.pool = append(run.pool, n)
	}
}

func (run *resolution) targetLabels() []string {
	a := run.loc.Attributes
	out := []string{a.Text, a.ContentDesc}
	return append(out, run.loc.Context.ChildTexts...)
}

// nodeLabels returns the node's own label plus labels drawn inside it.
func (run *resolution) nodeLabels(n *uitree.Node) []string {
	if l, ok := run.labels[n]; ok {
		return l
	}
	l := []string{n.Text, n.ContentDesc}
	for _, c := range run.tree.Contained(n.Bounds) {
		if c == n || c.Label() == "" {
			continue
		}
		l = append(l, c.Label())
		if len(l) >= maxNodeLabels+2 {
			break
		}
	}
	run.labels[n] = l
	return l
}

func (run *resolution) add(n *uitree.Node, s Strategy, conf float64, fallback bool, trace string) {
	if c, ok := run.ranked[n]; ok {
		if c.Confidence >= conf {
			c.DebugTrace = append(c.DebugTrace, trace)
			return
		}
		c.Strategy, c.Confidence, c.FallbackUsed = s, conf, fallback
		c.DebugTrace = append(c.DebugTrace, trace)
		return
	}
	x, y := n.Bounds.Center()
	run.ranked[n] = &Candidate{
		Node:         n,
		XPath:        n.XPath,
		Bounds:       n.Bounds.String(),
		X:            x,
		Y:            y,
		Text:         n.Label(),
		ResourceID:   n.ResourceID,
		Strategy:     s,
		Confidence:   conf,
		FallbackUsed: fallback,
		DebugTrace:   []string{trace},
	}
}

func (run *resolution) filter(keep func(*uitree.Node) bool) []*uitree.Node {
	var out []*uitree.Node
	for _, n := range run.pool {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// direct matches on resource id, then content description and text, then
// the stored path. Multiple matches are left in ambiguous for later stages.
func (run *resolution) direct() {
	a := run.loc.Attributes

	if a.ResourceID != "" {
		m := run.filter(func(n *uitree.Node) bool { return n.ResourceID == a.ResourceID })
		switch len(m) {
		case 1:
			run.add(m[0], StrategyResourceID, confResourceID, false, "unique resource-id "+a.ResourceID)
			return
		case 0:
		default:
			run.ambiguous = m
		}
	}

	if a.ContentDesc != "" || a.Text != "" {
		m := run.filter(func(n *uitree.Node) bool {
			return (a.ContentDesc == "" || n.ContentDesc == a.ContentDesc) &&
				(a.Text == "" || n.Text == a.Text)
		})
		if len(run.ambiguous) > 0 {
			m = intersect(run.ambiguous, m)
		}
		conf := confSingleText
		if a.ContentDesc != "" && a.Text != "" {
			conf = confDescText
		}
		switch len(m) {
		case 1:
			run.add(m[0], StrategyDescText, conf, false, fmt.Sprintf("unique desc+text %q/%q", a.ContentDesc, a.Text))
			return
		case 0:
		default:
			run.ambiguous = m
		}
	}

	if run.loc.AbsoluteXPath != "" {
		nodes, err := run.tree.Query(run.loc.AbsoluteXPath)
		if err != nil || len(nodes) != 1 {
			return
		}
		n := nodes[0]
		if !slices.Contains(run.pool, n) || !consistent(n, a) {
			return
		}
		// Among look-alikes a positional path is weaker evidence than context.
		if len(run.ambiguous) > 0 && (!run.loc.Context.Empty() || !slices.Contains(run.ambiguous, n)) {
			return
		}
		run.add(n, StrategyXPath, confXPath, false, "absolute xpath "+run.loc.AbsoluteXPath)
	}
}

// consistent rejects a path hit whose identifying attributes contradict the locator.
func consistent(n *uitree.Node, a locator.Attributes) bool {
	if a.ResourceID != "" && n.ResourceID != "" && n.ResourceID != a.ResourceID {
		return false
	}
	if a.ClassName != "" && n.Class != a.ClassName {
		return false
	}
	return true
}

func intersect(a, b []*uitree.Node) []*uitree.Node {
	var out []*uitree.Node
	for _, n := range a {
		if slices.Contains(b, n) {
			out = append(out, n)
		}
	}
	return out
}

// sameKind returns the ambiguous direct matches, or pool nodes sharing the
// locator's resource id or class.
func (run *resolution) sameKind() []*uitree.Node {
	if len(run.ambiguous) > 0 {
		return run.ambiguous
	}
	a := run.loc.Attributes
	switch {
	case a.ResourceID != "":
		return run.filter(func(n *uitree.Node) bool { return n.ResourceID == a.ResourceID })
	case a.ClassName != "":
		return run.filter(func(n *uitree.Node) bool { return n.Class == a.ClassName })
	}
	return nil
}

// positional picks by ordinal among same-kind candidates in reading order.
// It only runs when the caller asked for it.
func (run *resolution) positional() {
	if run.opts.Position == PositionNone {
		return
	}
	set := slices.Clone(run.sameKind())
	if len(set) == 0 {
		return
	}
	uitree.ReadingOrder(set)

	idx := -1
	switch run.opts.Position {
	case PositionFirst:
		idx = 0
	case PositionLast:
		idx = len(set) - 1
	case PositionMiddle:
		idx = len(set) / 2
	case PositionIndex:
		if run.opts.Index >= 0 && run.opts.Index < len(set) {
			idx = run.opts.Index
		}
	}
	if idx < 0 {
		return
	}
	run.add(set[idx], StrategyPositional, confPositional, true,
		fmt.Sprintf("position %s %d of %d", run.opts.Position, idx, len(set)))
}

// contextual scores same-kind candidates by how much of the captured
// structural context they reproduce, falling back to distance from the
// captured bounds.
func (run *resolution) contextual() {
	set := run.sameKind()
	sc := run.loc.Context

	scored := false
	if !sc.Empty() {
		for _, n := range set {
			matched, total := run.contextMatch(n, sc)
			if matched == 0 {
				continue
			}
			frac := float64(matched) / float64(total)
			run.add(n, StrategyContext, confContext*frac, false, fmt.Sprintf("context %d/%d", matched, total))
			scored = true
		}
	}
	if scored {
		return
	}

	rect, ok := run.loc.Rect()
	if !ok {
		return
	}
	for _, n := range set {
		d := n.Bounds.CenterDistance(rect)
		if d > float64(run.radius) {
			continue
		}
		prox := 1 - d/float64(run.radius)
		run.add(n, StrategyProximity, confProximity*prox, true, fmt.Sprintf("proximity %.0fpx", d))
	}
}

func (run *resolution) contextMatch(n *uitree.Node, sc locator.StructuralContext) (matched, total int) {
	container := run.tree.Container(n.Bounds)

	if sc.ParentSignature != "" {
		total++
		if container != nil && container.Signature() == sc.ParentSignature {
			matched++
		}
	}

	siblings := make(map[string]bool)
	if container != nil {
		for _, c := range run.tree.Contained(container.Bounds) {
			if n.Bounds.Contains(c.Bounds) || c.Bounds.Contains(n.Bounds) {
				continue
			}
			siblings[c.Label()] = true
		}
	}
	for _, t := range sc.SiblingTexts {
		total++
		if siblings[t] {
			matched++
		}
	}

	children := make(map[string]bool)
	for _, c := range run.tree.Contained(n.Bounds) {
		if c != n {
			children[c.Label()] = true
		}
	}
	for _, t := range sc.ChildTexts {
		total++
		if children[t] {
			matched++
		}
	}
	return matched, total
}

// fuzzy scores free-text similarity in both directions: the target as a
// subsequence of a candidate label, or a label as a subsequence of the target.
func (run *resolution) fuzzy() {
	target := run.primaryLabel()
	if target == "" {
		return
	}
	nt := normalize(target)

	var nodes []*uitree.Node
	var labels []string
	for _, n := range run.pool {
		if l := normalize(n.Label()); l != "" {
			nodes = append(nodes, n)
			labels = append(labels, l)
		}
	}

	hit := make(map[int]bool)
	for _, m := range fuzzy.Find(nt, labels) {
		hit[m.Index] = true
	}
	for i, l := range labels {
		if !hit[i] && len(fuzzy.Find(l, []string{nt})) > 0 {
			hit[i] = true
		}
	}

	for i := range hit {
		ratio := lengthRatio(nt, labels[i])
		run.add(nodes[i], StrategyFuzzy, confFuzzy*ratio, true,
			fmt.Sprintf("fuzzy %q~%q ratio %.2f", target, nodes[i].Label(), ratio))
	}
}

func (run *resolution) primaryLabel() string {
	a := run.loc.Attributes
	switch {
	case a.Text != "":
		return a.Text
	case a.ContentDesc != "":
		return a.ContentDesc
	case len(run.loc.Context.ChildTexts) > 0:
		return run.loc.Context.ChildTexts[0]
	}
	return ""
}

func lengthRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	return float64(min(la, lb)) / float64(max(la, lb))
}
