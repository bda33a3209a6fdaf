package rules

import (
	"sort"

	"github.com/hopper-run/hopper/internal/hoppercore"
)

// Match is one rule's successful evaluation, kept alongside its engine
// priority for the final (priority DESC, score DESC) ordering.
type Match struct {
	Rule  Rule
	Score float64
}

// Engine evaluates an enabled rule set in descending priority and reports
// the best destination (spec §4.4: "collects matches, emits the best
// destination by (priority DESC, score DESC)").
type Engine struct {
	rules []Rule
}

func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every enabled rule, in descending Priority, and returns all
// matches sorted best-first.
func (e *Engine) Evaluate(task Task) []Match {
	var matches []Match
	for _, r := range e.rules {
		meta := r.Meta()
		if !meta.Enabled {
			continue
		}
		if score, ok := r.Evaluate(task); ok {
			matches = append(matches, Match{Rule: r, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		pi, pj := matches[i].Rule.Meta().Priority, matches[j].Rule.Meta().Priority
		if pi != pj {
			return pi > pj
		}
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// Best returns the single best match, if any.
func (e *Engine) Best(task Task) (Match, bool) {
	matches := e.Evaluate(task)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// BestDestination is a convenience over Best returning only the winning
// destination and score.
func (e *Engine) BestDestination(task Task) (destination string, score float64, ok bool) {
	m, ok := e.Best(task)
	if !ok {
		return "", 0, false
	}
	return m.Rule.Meta().Destination, m.Score, true
}

// validateCommon enforces the constraints config.py's
// validate_rule_config checks: non-empty name and destination, weight in
// [0,1].
func validateCommon(c Common) error {
	if c.Name == "" {
		return hoppercore.Validation("rules.validate", "name", "must not be empty")
	}
	if c.Destination == "" {
		return hoppercore.Validation("rules.validate", "destination", "must not be empty")
	}
	if c.Weight < 0 || c.Weight > 1 {
		return hoppercore.Validation("rules.validate", "weight", "must be in [0, 1]")
	}
	return nil
}
