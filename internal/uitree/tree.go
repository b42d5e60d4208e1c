// Package uitree parses uiautomator hierarchy dumps into a navigable tree and
// evaluates XPath expressions against it.
package uitree

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
)

// ErrEmptySnapshot is returned when the content has no root element.
var ErrEmptySnapshot = errors.New("snapshot has no root element")

// Node is one element of the hierarchy with its uiautomator attributes decoded.
type Node struct {
	Text        string
	ResourceID  string
	ContentDesc string
	Class       string
	Package     string
	Clickable   bool
	Enabled     bool

	Bounds    Rect
	HasBounds bool

	// XPath is the absolute, position-indexed path of the element.
	XPath string
	// IndexPath holds the 0-based element-child positions from the root element.
	IndexPath []int
	Depth     int
	// Order is the position of the node in document order.
	Order int

	Parent   *Node
	Children []*Node

	raw *xmlquery.Node
}

// Label returns the visible text of the node, falling back to its content description.
func (n *Node) Label() string {
	if n.Text != "" {
		return n.Text
	}
	return n.ContentDesc
}

// Signature identifies the node's kind without its text: class plus resource id.
func (n *Node) Signature() string {
	if n.ResourceID == "" {
		return n.Class
	}
	return n.Class + "#" + n.ResourceID
}

// Tree is a parsed snapshot.
type Tree struct {
	Root  *Node
	Nodes []*Node

	doc   *xmlquery.Node
	byRaw map[*xmlquery.Node]*Node
}

// Parse parses a hierarchy dump.
func Parse(content string) (*Tree, error) {
	doc, err := xmlquery.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	t := &Tree{doc: doc, byRaw: make(map[*xmlquery.Node]*Node)}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			t.Root = t.build(c, nil, "/"+c.Data, nil, 0)
			break
		}
	}
	if t.Root == nil {
		return nil, ErrEmptySnapshot
	}
	return t, nil
}

func (t *Tree) build(raw *xmlquery.Node, parent *Node, xpath string, indexPath []int, depth int) *Node {
	n := &Node{
		Text:        strings.TrimSpace(raw.SelectAttr("text")),
		ResourceID:  raw.SelectAttr("resource-id"),
		ContentDesc: strings.TrimSpace(raw.SelectAttr("content-desc")),
		Class:       raw.SelectAttr("class"),
		Package:     raw.SelectAttr("package"),
		Clickable:   raw.SelectAttr("clickable") == "true",
		Enabled:     raw.SelectAttr("enabled") != "false",
		XPath:       xpath,
		IndexPath:   indexPath,
		Depth:       depth,
		Order:       len(t.Nodes),
		Parent:      parent,
		raw:         raw,
	}
	if b := raw.SelectAttr("bounds"); b != "" {
		n.Bounds, n.HasBounds = ParseBounds(b)
	}
	t.Nodes = append(t.Nodes, n)
	t.byRaw[raw] = n

	sameName := make(map[string]int)
	childIdx := 0
	for c := raw.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		sameName[c.Data]++
		childPath := xpath + "/" + c.Data + "[" + strconv.Itoa(sameName[c.Data]) + "]"
		ip := make([]int, len(indexPath)+1)
		copy(ip, indexPath)
		ip[len(indexPath)] = childIdx
		childIdx++
		n.Children = append(n.Children, t.build(c, n, childPath, ip, depth+1))
	}
	return n
}

// Query evaluates an XPath expression and returns the matching element nodes
// in document order.
func (t *Tree) Query(expr string) ([]*Node, error) {
	raws, err := xmlquery.QueryAll(t.doc, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate xpath %q: %w", expr, err)
	}
	out := make([]*Node, 0, len(raws))
	for _, r := range raws {
		if n, ok := t.byRaw[r]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Screen returns the extent of the hierarchy: the union of all node bounds.
func (t *Tree) Screen() Rect {
	var s Rect
	first := true
	for _, n := range t.Nodes {
		if !n.HasBounds || n.Bounds.Empty() {
			continue
		}
		if first {
			s = n.Bounds
			first = false
			continue
		}
		s.Left = min(s.Left, n.Bounds.Left)
		s.Top = min(s.Top, n.Bounds.Top)
		s.Right = max(s.Right, n.Bounds.Right)
		s.Bottom = max(s.Bottom, n.Bounds.Bottom)
	}
	return s
}

// Contained returns the nodes whose bounds lie inside outer, in document order.
func (t *Tree) Contained(outer Rect) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.HasBounds && !n.Bounds.Empty() && outer.Contains(n.Bounds) {
			out = append(out, n)
		}
	}
	return out
}

// Container returns the smallest node whose bounds strictly contain r, or nil.
// Visual nesting is used instead of tree edges because dumps do not always
// nest overlay controls under the element that draws them.
func (t *Tree) Container(r Rect) *Node {
	var best *Node
	for _, n := range t.Nodes {
		if !n.HasBounds || n.Bounds == r || !n.Bounds.Contains(r) {
			continue
		}
		if best == nil || n.Bounds.Area() < best.Bounds.Area() ||
			(n.Bounds.Area() == best.Bounds.Area() && n.Depth > best.Depth) {
			best = n
		}
	}
	return best
}

// WithBounds returns the nodes whose bounds equal r, deepest first.
func (t *Tree) WithBounds(r Rect) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.HasBounds && n.Bounds == r {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth > out[j].Depth })
	return out
}

// ReadingOrder sorts nodes top-to-bottom, then left-to-right.
func ReadingOrder(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Bounds, nodes[j].Bounds
		if a.Top != b.Top {
			return a.Top < b.Top
		}
		return a.Left < b.Left
	})
}
