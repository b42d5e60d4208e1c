package uitree

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var boundsPattern = regexp.MustCompile(`^\[\s*(-?\d+)\s*,\s*(-?\d+)\s*\]\s*\[\s*(-?\d+)\s*,\s*(-?\d+)\s*\]$`)

// Rect is a screen rectangle in device pixels. Right and Bottom are exclusive
// edges as reported by uiautomator.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// ParseBounds parses the canonical "[l,t][r,b]" form.
func ParseBounds(s string) (Rect, bool) {
	m := boundsPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Rect{}, false
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Rect{}, false
		}
		v[i] = n
	}
	return Rect{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, true
}

// String returns the canonical "[l,t][r,b]" form.
func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Area returns the rectangle area, zero for empty rectangles.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	return int64(r.Width()) * int64(r.Height())
}

// Center returns the tap point of the rectangle.
func (r Rect) Center() (int, int) {
	return r.Left + r.Width()/2, r.Top + r.Height()/2
}

// Contains reports whether o lies entirely inside r. Edges may touch.
func (r Rect) Contains(o Rect) bool {
	return o.Left >= r.Left && o.Top >= r.Top && o.Right <= r.Right && o.Bottom <= r.Bottom
}

// CenterDistance is the euclidean distance between the two centers.
func (r Rect) CenterDistance(o Rect) float64 {
	ax, ay := r.Center()
	bx, by := o.Center()
	dx, dy := float64(ax-bx), float64(ay-by)
	return math.Sqrt(dx*dx + dy*dy)
}
