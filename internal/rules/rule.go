// Package rules implements the declarative rule engine (spec §4.4):
// keyword, tag, priority and composite rules, each scoring a task in
// [0,1] and scaled by the rule's own weight.
package rules

import (
	"regexp"
	"strings"

	"github.com/hopper-run/hopper/internal/hoppercore"
)

// CompositeOperator is the boolean combinator a CompositeRule applies to
// its sub-rules.
type CompositeOperator string

const (
	OpAnd CompositeOperator = "and"
	OpOr  CompositeOperator = "or"
	OpNot CompositeOperator = "not"
)

// priorityLadder is the rules engine's own ordering, deliberately distinct
// from hopperapi.TaskPriority (see SPEC_FULL.md §7 item 5): lower index is
// higher priority, exactly as intelligence/rules/rule.py's
// PriorityRule._priority_order does.
var priorityLadder = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

// Task is the minimal view a rule needs; callers pass hopperapi.Task
// fields through a small adapter so this package stays decoupled from the
// wider domain model.
type Task struct {
	Title       string
	Description string
	Tags        []string
	Priority    string // matched against priorityLadder values, not hopperapi.TaskPriority
}

// Common holds the fields every rule variant carries (spec §4.4).
type Common struct {
	ID          string
	Name        string
	Destination string
	Weight      float64
	Enabled     bool
	Priority    int
}

// Rule is one matcher, evaluated in descending engine priority.
type Rule interface {
	Evaluate(task Task) (score float64, ok bool)
	Meta() Common
}

// ---- Keyword ----

type KeywordRule struct {
	Common
	Keywords       []string
	KeywordWeights map[string]float64 // optional per-keyword weight, default 1.0
	CaseSensitive  bool
	WholeWord      bool
}

func NewKeywordRule(c Common, keywords []string, weights map[string]float64, caseSensitive, wholeWord bool) (*KeywordRule, error) {
	if len(keywords) == 0 {
		return nil, hoppercore.Validation("rules.NewKeywordRule", "keywords", "must not be empty")
	}
	return &KeywordRule{Common: c, Keywords: keywords, KeywordWeights: weights, CaseSensitive: caseSensitive, WholeWord: wholeWord}, nil
}

func (r *KeywordRule) Meta() Common { return r.Common }

func (r *KeywordRule) Evaluate(task Task) (float64, bool) {
	haystack := task.Title + " " + task.Description
	if !r.CaseSensitive {
		haystack = strings.ToLower(haystack)
	}

	var sum float64
	var matched bool
	for _, kw := range r.Keywords {
		needle := kw
		if !r.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if r.contains(haystack, needle) {
			matched = true
			w := 1.0
			if r.KeywordWeights != nil {
				if ww, ok := r.KeywordWeights[kw]; ok {
					w = ww
				}
			}
			sum += w
		}
	}
	if !matched {
		return 0, false
	}
	score := sum / float64(len(r.Keywords))
	if score > 1 {
		score = 1
	}
	return score * r.Weight, true
}

func (r *KeywordRule) contains(haystack, needle string) bool {
	if !r.WholeWord {
		return strings.Contains(haystack, needle)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(needle) + `\b`)
	return re.MatchString(haystack)
}

// ---- Tag ----

type TagRule struct {
	Common
	Required []string
	Optional []string
	Patterns []string // regex patterns matched against title+description
}

func NewTagRule(c Common, required, optional, patterns []string) *TagRule {
	return &TagRule{Common: c, Required: required, Optional: optional, Patterns: patterns}
}

func (r *TagRule) Meta() Common { return r.Common }

func (r *TagRule) Evaluate(task Task) (float64, bool) {
	taskTags := make(map[string]bool, len(task.Tags))
	for _, t := range task.Tags {
		taskTags[t] = true
	}

	var score float64
	matchedSomething := false

	if len(r.Required) > 0 {
		for _, req := range r.Required {
			if !taskTags[req] {
				return 0, false
			}
		}
		score += 0.5
		matchedSomething = true
	}

	if len(r.Optional) > 0 {
		overlap := 0
		for _, opt := range r.Optional {
			if taskTags[opt] {
				overlap++
			}
		}
		ratio := float64(overlap) / float64(len(r.Optional))
		score += 0.3 * ratio
		if overlap > 0 {
			matchedSomething = true
		}
	}

	if len(r.Patterns) > 0 {
		haystack := task.Title + " " + task.Description
		for _, pat := range r.Patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				continue
			}
			if re.MatchString(haystack) {
				score += 0.2
				matchedSomething = true
			}
		}
	}

	if !matchedSomething {
		return 0, false
	}
	if score > 1 {
		score = 1
	}
	return score * r.Weight, true
}

// ---- Priority ----

type PriorityRule struct {
	Common
	Priorities  []string // exact set membership, e.g. {"critical", "low"}
	MinPriority string   // inclusive lower bound (higher urgency) of the interval
	MaxPriority string   // inclusive upper bound (lower urgency) of the interval
}

func NewPriorityRule(c Common, priorities []string, minP, maxP string) *PriorityRule {
	return &PriorityRule{Common: c, Priorities: priorities, MinPriority: minP, MaxPriority: maxP}
}

func (r *PriorityRule) Meta() Common { return r.Common }

func (r *PriorityRule) Evaluate(task Task) (float64, bool) {
	taskRank, ok := priorityLadder[task.Priority]
	if !ok {
		return 0, false
	}

	if len(r.Priorities) > 0 {
		for _, p := range r.Priorities {
			if rank, ok := priorityLadder[p]; ok && rank == taskRank {
				return 1.0 * r.Weight, true
			}
		}
		return 0, false
	}

	if r.MinPriority != "" || r.MaxPriority != "" {
		lo, hi := 0, 3
		if r.MinPriority != "" {
			if v, ok := priorityLadder[r.MinPriority]; ok {
				lo = v
			}
		}
		if r.MaxPriority != "" {
			if v, ok := priorityLadder[r.MaxPriority]; ok {
				hi = v
			}
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if taskRank >= lo && taskRank <= hi {
			return 0.8 * r.Weight, true
		}
	}
	return 0, false
}

// ---- Composite ----

type CompositeRule struct {
	Common
	Operator CompositeOperator
	SubRules []Rule
}

// NewCompositeRule validates zero-child AND/OR at construction time
// (SPEC_FULL.md §7 item 7, strengthening rule.py's original NOT-only
// check) and the NOT operator's exactly-one-child invariant.
func NewCompositeRule(c Common, op CompositeOperator, subRules []Rule) (*CompositeRule, error) {
	switch op {
	case OpAnd, OpOr:
		if len(subRules) == 0 {
			return nil, hoppercore.Validation("rules.NewCompositeRule", "sub_rules", "and/or require at least one sub-rule")
		}
	case OpNot:
		if len(subRules) != 1 {
			return nil, hoppercore.Validation("rules.NewCompositeRule", "sub_rules", "not requires exactly one sub-rule")
		}
	default:
		return nil, hoppercore.Validation("rules.NewCompositeRule", "operator", "must be one of and, or, not")
	}
	return &CompositeRule{Common: c, Operator: op, SubRules: subRules}, nil
}

func (r *CompositeRule) Meta() Common { return r.Common }

// Evaluate combines sub-rule scores without re-scaling by the composite's
// own weight for and/or (the children already carry their own weights);
// not has no child score to combine, so it reports its own weight flat on
// success. This matches rule.py's CompositeRule.evaluate exactly.
func (r *CompositeRule) Evaluate(task Task) (float64, bool) {
	switch r.Operator {
	case OpAnd:
		var sum float64
		for _, sub := range r.SubRules {
			score, ok := sub.Evaluate(task)
			if !ok {
				return 0, false
			}
			sum += score
		}
		return clamp01(sum / float64(len(r.SubRules))), true

	case OpOr:
		var best float64
		matched := false
		for _, sub := range r.SubRules {
			score, ok := sub.Evaluate(task)
			if ok && score > best {
				best = score
				matched = true
			}
		}
		if !matched {
			return 0, false
		}
		return clamp01(best), true

	case OpNot:
		_, ok := r.SubRules[0].Evaluate(task)
		if ok {
			return 0, false
		}
		return r.Weight, true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
