package uitree

import (
	"strings"

	"github.com/antchfx/xpath"
)

// WellFormedXPath reports whether expr is an absolute path that compiles.
func WellFormedXPath(expr string) bool {
	if !strings.HasPrefix(expr, "/") {
		return false
	}
	_, err := xpath.Compile(expr)
	return err == nil
}

// Literal quotes s as an XPath string literal.
func Literal(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + p + "'")
	}
	b.WriteString(")")
	return b.String()
}

// AttrPredicate builds //node[@attr=value].
func AttrPredicate(attr, value string) string {
	return "//node[@" + attr + "=" + Literal(value) + "]"
}
