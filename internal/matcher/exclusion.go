package matcher

import "strings"

// exclusion is a compiled Rules set plus caller exclusions.
type exclusion struct {
	pairs    []AntonymPair
	exclude  []string
	prefixes []string
	generic  bool
}

func compile(r *Rules, extra []string) *exclusion {
	ex := &exclusion{generic: !r.NoGenericPatterns}
	for _, p := range r.Pairs {
		if p.Disabled {
			continue
		}
		ex.pairs = append(ex.pairs, AntonymPair{
			Positive: normalize(p.Positive),
			Negative: normalize(p.Negative),
			OneWay:   p.OneWay,
		})
	}
	for _, s := range append(append([]string(nil), r.Exclude...), extra...) {
		if n := normalize(s); n != "" {
			ex.exclude = append(ex.exclude, n)
		}
	}
	for _, p := range r.ActionPrefixes {
		ex.prefixes = append(ex.prefixes, normalize(p))
	}
	return ex
}

// excluded reports whether a candidate with the given labels must be
// removed for a target with the given labels, and why.
func (ex *exclusion) excluded(targets, candidates []string) (bool, string) {
	for _, c := range candidates {
		nc := normalize(c)
		if nc == "" {
			continue
		}
		for _, e := range ex.exclude {
			if strings.Contains(nc, e) {
				return true, "excluded text " + e
			}
		}
		for _, t := range targets {
			nt := normalize(t)
			if nt == "" || nt == nc {
				continue
			}
			if ok, why := ex.opposite(nt, nc); ok {
				return true, why
			}
		}
	}
	return false, ""
}

// opposite checks target and candidate, both normalized, against the pairs
// and the generic patterns.
func (ex *exclusion) opposite(target, candidate string) (bool, string) {
	for _, p := range ex.pairs {
		if has(target, p.Positive, p.Negative) && strings.Contains(candidate, p.Negative) {
			return true, "antonym " + p.Positive + "/" + p.Negative
		}
		if !p.OneWay && strings.Contains(target, p.Negative) && has(candidate, p.Positive, p.Negative) {
			return true, "antonym " + p.Negative + "/" + p.Positive
		}
	}
	if !ex.generic {
		return false, ""
	}

	base := ex.baseWord(target)
	if base == "" {
		return false, ""
	}
	for _, prefix := range []string{"已", "取消", "un", "already"} {
		if strings.HasPrefix(base, prefix) {
			continue
		}
		if strings.Contains(candidate, prefix+base) {
			return true, "pattern " + prefix + base
		}
	}
	return false, ""
}

// has reports whether text contains word without containing its opposite.
func has(text, word, opposite string) bool {
	return strings.Contains(text, word) && !strings.Contains(text, opposite)
}

func (ex *exclusion) baseWord(target string) string {
	for _, p := range ex.prefixes {
		if p != "" && strings.HasPrefix(target, p) {
			return strings.TrimPrefix(target, p)
		}
	}
	return target
}
