package rules

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hopper-run/hopper/internal/hoppercore"
)

// RuleType tags a RuleDoc's variant on the wire. Only the four spec §4.4
// types are first-class (SPEC_FULL.md §7 item 6 drops the original's
// separate project/pattern rule types as redundant with existing
// mechanisms).
type RuleType string

const (
	TypeKeyword   RuleType = "keyword"
	TypeTag       RuleType = "tag"
	TypePriority  RuleType = "priority"
	TypeComposite RuleType = "composite"
)

// RuleDoc is the single wire struct every rule variant marshals through,
// a dual yaml/json-tagged struct grounded field-for-field in config.py's
// _rule_to_config_dict / _create_rule_from_config round trip.
type RuleDoc struct {
	ID          string   `yaml:"id" json:"id"`
	Type        RuleType `yaml:"type" json:"type"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Destination string   `yaml:"destination" json:"destination"`
	Weight      float64  `yaml:"weight" json:"weight"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Priority    int      `yaml:"priority" json:"priority"`
	CreatedBy   string   `yaml:"created_by,omitempty" json:"created_by,omitempty"`

	// keyword
	Keywords       []string           `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	KeywordWeights map[string]float64 `yaml:"keyword_weights,omitempty" json:"keyword_weights,omitempty"`
	CaseSensitive  bool               `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	WholeWord      bool               `yaml:"whole_word,omitempty" json:"whole_word,omitempty"`

	// tag
	RequiredTags []string `yaml:"required_tags,omitempty" json:"required_tags,omitempty"`
	OptionalTags []string `yaml:"optional_tags,omitempty" json:"optional_tags,omitempty"`
	Patterns     []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`

	// priority
	Priorities  []string `yaml:"priorities,omitempty" json:"priorities,omitempty"`
	MinPriority string   `yaml:"min_priority,omitempty" json:"min_priority,omitempty"`
	MaxPriority string   `yaml:"max_priority,omitempty" json:"max_priority,omitempty"`

	// composite
	Operator CompositeOperator `yaml:"operator,omitempty" json:"operator,omitempty"`
	SubRules []RuleDoc         `yaml:"sub_rules,omitempty" json:"sub_rules,omitempty"`
}

// RuleFile is the top-level YAML document: a "rules" list, exactly as
// config.py's load_rules_from_dict expects `{"rules": [...]}`.
type RuleFile struct {
	Rules []RuleDoc `yaml:"rules" json:"rules"`
}

// LoadRules parses a YAML document into evaluatable Rules.
func LoadRules(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, hoppercore.NewWrapped("rules.LoadRules", err)
	}
	rules := make([]Rule, 0, len(file.Rules))
	for i := range file.Rules {
		r, err := fromDoc(file.Rules[i])
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SaveRules marshals Rules back to YAML. SaveRules(LoadRules(data)) is
// byte-for-field equal to data for any document this package produced
// (spec §8's round-trip property), since RuleDoc is the single wire
// struct both directions go through.
func SaveRules(rules []Rule) ([]byte, error) {
	docs := make([]RuleDoc, 0, len(rules))
	for _, r := range rules {
		docs = append(docs, toDoc(r))
	}
	return yaml.Marshal(RuleFile{Rules: docs})
}

func fromDoc(doc RuleDoc) (Rule, error) {
	common := Common{
		ID:          doc.ID,
		Name:        doc.Name,
		Destination: doc.Destination,
		Weight:      defaultWeight(doc.Weight),
		Enabled:     doc.Enabled,
		Priority:    doc.Priority,
	}
	if common.ID == "" {
		common.ID = uuid.NewString()
	}
	if err := validateCommon(common); err != nil {
		return nil, err
	}

	switch doc.Type {
	case TypeKeyword:
		return NewKeywordRule(common, doc.Keywords, doc.KeywordWeights, doc.CaseSensitive, doc.WholeWord)
	case TypeTag:
		return NewTagRule(common, doc.RequiredTags, doc.OptionalTags, doc.Patterns), nil
	case TypePriority:
		return NewPriorityRule(common, doc.Priorities, doc.MinPriority, doc.MaxPriority), nil
	case TypeComposite:
		sub := make([]Rule, 0, len(doc.SubRules))
		for _, sd := range doc.SubRules {
			r, err := fromDoc(sd)
			if err != nil {
				return nil, err
			}
			sub = append(sub, r)
		}
		return NewCompositeRule(common, doc.Operator, sub)
	default:
		return nil, hoppercore.Validation("rules.LoadRules", "type", fmt.Sprintf("unknown rule type %q", doc.Type))
	}
}

func defaultWeight(w float64) float64 {
	if w == 0 {
		return 1.0
	}
	return w
}

func toDoc(r Rule) RuleDoc {
	common := r.Meta()
	doc := RuleDoc{
		ID:          common.ID,
		Name:        common.Name,
		Destination: common.Destination,
		Weight:      common.Weight,
		Enabled:     common.Enabled,
		Priority:    common.Priority,
	}
	switch rule := r.(type) {
	case *KeywordRule:
		doc.Type = TypeKeyword
		doc.Keywords = rule.Keywords
		if len(rule.KeywordWeights) > 0 {
			doc.KeywordWeights = rule.KeywordWeights
		}
		doc.CaseSensitive = rule.CaseSensitive
		doc.WholeWord = rule.WholeWord
	case *TagRule:
		doc.Type = TypeTag
		doc.RequiredTags = rule.Required
		doc.OptionalTags = rule.Optional
		doc.Patterns = rule.Patterns
	case *PriorityRule:
		doc.Type = TypePriority
		doc.Priorities = rule.Priorities
		doc.MinPriority = rule.MinPriority
		doc.MaxPriority = rule.MaxPriority
	case *CompositeRule:
		doc.Type = TypeComposite
		doc.Operator = rule.Operator
		doc.SubRules = make([]RuleDoc, 0, len(rule.SubRules))
		for _, sub := range rule.SubRules {
			doc.SubRules = append(doc.SubRules, toDoc(sub))
		}
	}
	return doc
}

// DefaultRules mirrors config.py's get_default_rules(): a small starter
// set. cmd/hopperd falls back to it when no rule file is configured.
func DefaultRules() []Rule {
	czarinaKeyword, _ := NewKeywordRule(
		Common{ID: uuid.NewString(), Name: "czarina-keyword", Destination: "project:czarina", Weight: 1, Enabled: true, Priority: 10},
		[]string{"czarina", "trading", "portfolio"}, nil, false, false,
	)
	czarinaTag := NewTagRule(
		Common{ID: uuid.NewString(), Name: "czarina-tag", Destination: "project:czarina", Weight: 1, Enabled: true, Priority: 10},
		[]string{"czarina"}, []string{"trading", "finance"}, nil,
	)
	hopperKeyword, _ := NewKeywordRule(
		Common{ID: uuid.NewString(), Name: "hopper-keyword", Destination: "project:hopper", Weight: 1, Enabled: true, Priority: 10},
		[]string{"hopper", "routing", "delegation"}, nil, false, false,
	)
	hopperTag := NewTagRule(
		Common{ID: uuid.NewString(), Name: "hopper-tag", Destination: "project:hopper", Weight: 1, Enabled: true, Priority: 10},
		[]string{"hopper"}, []string{"routing", "orchestration"}, nil,
	)
	urgent := NewPriorityRule(
		Common{ID: uuid.NewString(), Name: "urgent-to-global", Destination: "instance:global", Weight: 0.6, Enabled: true, Priority: 5},
		nil, "critical", "high",
	)
	return []Rule{czarinaKeyword, czarinaTag, hopperKeyword, hopperTag, urgent}
}
