// Package matcher re-finds a located element in a new snapshot. Strategies
// run from most to least specific and stop at the first one whose best
// candidate clears the confidence floor.
package matcher

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/uitree"
)

// Strategy names how a candidate was found.
type Strategy string

const (
	StrategyResourceID Strategy = "direct:resource-id"
	StrategyDescText   Strategy = "direct:desc+text"
	StrategyXPath      Strategy = "direct:xpath"
	StrategyContext    Strategy = "contextual:structure"
	StrategyProximity  Strategy = "contextual:proximity"
	StrategyPositional Strategy = "positional"
	StrategyFuzzy      Strategy = "fuzzy:text"
)

// Position selects among equivalent candidates by ordinal.
type Position string

const (
	PositionNone   Position = ""
	PositionFirst  Position = "first"
	PositionLast   Position = "last"
	PositionMiddle Position = "middle"
	PositionIndex  Position = "index"
)

// Candidate is a scored guess at the element in a specific snapshot.
// Candidates are never reused across snapshots.
type Candidate struct {
	Node         *uitree.Node `json:"-"`
	XPath        string       `json:"xpath"`
	Bounds       string       `json:"bounds"`
	X            int          `json:"x"`
	Y            int          `json:"y"`
	Text         string       `json:"text,omitempty"`
	ResourceID   string       `json:"resourceId,omitempty"`
	Strategy     Strategy     `json:"strategyUsed"`
	Confidence   float64      `json:"confidence"`
	FallbackUsed bool         `json:"fallbackUsed"`
	DebugTrace   []string     `json:"debugTrace,omitempty"`
}

// Result is the outcome of one resolution attempt. A result below the floor
// is not an error: Accepted is false and the ranked candidates are kept so
// the caller can decide.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Accepted   bool        `json:"accepted"`
	Floor      float64     `json:"floor"`
	Excluded   int         `json:"excluded"`
	Trace      []string    `json:"trace,omitempty"`
}

// Best returns the top candidate, or nil.
func (r *Result) Best() *Candidate {
	if len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Options tune a single resolution.
type Options struct {
	// Floor overrides the resolver's confidence floor when positive.
	Floor float64
	// Exclude removes candidates whose label contains any of these strings.
	Exclude []string
	// Position requests ordinal selection among equivalent candidates.
	Position Position
	// Index is the 0-based ordinal for PositionIndex.
	Index int
	// SearchRadius overrides the proximity radius in pixels when positive.
	SearchRadius int
}

// Config holds resolver defaults.
type Config struct {
	Floor        float64
	SearchRadius int
}

func (c *Config) defaults() {
	if c.Floor <= 0 {
		c.Floor = 0.6
	}
	if c.SearchRadius <= 0 {
		c.SearchRadius = 300
	}
}

// Resolver resolves locators against snapshots. It is safe for concurrent use.
type Resolver struct {
	rules  *Rules
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a resolver. Nil rules use DefaultRules.
func NewResolver(rules *Rules, cfg Config, logger *slog.Logger) *Resolver {
	cfg.defaults()
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{rules: rules, cfg: cfg, logger: logger}
}

// Resolve finds loc in content. Errors are reserved for an invalid locator
// or unparseable content.
func (r *Resolver) Resolve(loc *locator.ElementLocator, content string, opts Options) (*Result, error) {
	tree, err := uitree.Parse(content)
	if err != nil {
		return nil, err
	}
	return r.ResolveTree(loc, tree, opts)
}

// ResolveTree is Resolve over an already parsed snapshot.
func (r *Resolver) ResolveTree(loc *locator.ElementLocator, tree *uitree.Tree, opts Options) (*Result, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	floor := opts.Floor
	if floor <= 0 {
		floor = r.cfg.Floor
	}
	radius := opts.SearchRadius
	if radius <= 0 {
		radius = r.cfg.SearchRadius
	}

	run := &resolution{
		loc:     loc,
		tree:    tree,
		opts:    opts,
		radius:  radius,
		ranked:  make(map[*uitree.Node]*Candidate),
		labels:  make(map[*uitree.Node][]string),
		exclude: compile(r.rules, opts.Exclude),
	}
	run.buildPool()

	res := &Result{Floor: floor, Excluded: run.excludedCount}
	stages := []struct {
		name string
		fn   func()
	}{
		{"direct", run.direct},
		{"positional", run.positional},
		{"contextual", run.contextual},
		{"fuzzy", run.fuzzy},
	}
	for _, st := range stages {
		st.fn()
		best := run.best()
		res.Trace = append(res.Trace, fmt.Sprintf("%s: %d candidates, best %.2f", st.name, len(run.ranked), bestConfidence(best)))
		if best != nil && best.Confidence >= floor {
			break
		}
	}

	res.Candidates = run.sorted()
	res.Accepted = len(res.Candidates) > 0 && res.Candidates[0].Confidence >= floor
	if !res.Accepted {
		r.logger.Info("matcher: no candidate cleared the floor",
			"xpath", loc.XPath(), "floor", floor, "candidates", len(res.Candidates))
	}
	return res, nil
}

func bestConfidence(c *Candidate) float64 {
	if c == nil {
		return 0
	}
	return c.Confidence
}

func (run *resolution) best() *Candidate {
	var best *Candidate
	for _, c := range run.ranked {
		if best == nil || c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && c.Node.Order < best.Node.Order) {
			best = c
		}
	}
	return best
}

func (run *resolution) sorted() []Candidate {
	out := make([]Candidate, 0, len(run.ranked))
	for _, c := range run.ranked {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Node.Order < out[j].Node.Order
	})
	return out
}
