// Package consolidated holds the RoutingPattern store: learned rules mined
// by the pattern extractor, their criteria-scoring matcher, and the
// confidence EMA updated on every recorded outcome (spec §4.7).
package consolidated

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Store is the consolidated-pattern persistence + query contract.
type Store interface {
	Create(ctx context.Context, pattern *hopperapi.RoutingPattern) error
	Get(ctx context.Context, id string) (*hopperapi.RoutingPattern, error)
	ByName(ctx context.Context, name string) (*hopperapi.RoutingPattern, bool, error)
	All(ctx context.Context) ([]*hopperapi.RoutingPattern, error)
	Update(ctx context.Context, pattern *hopperapi.RoutingPattern) error

	// FindMatching scores every active pattern against the task and
	// returns matches at or above minConfidence, best-first, capped at
	// limit (spec §4.7, verbatim).
	FindMatching(ctx context.Context, tags []string, priority hopperapi.TaskPriority, title string, minConfidence float64, limit int) ([]Matched, error)

	// UpdateConfidence applies the EMA rule for one recorded outcome.
	UpdateConfidence(ctx context.Context, patternID string, success bool) error
}

// Matched pairs a pattern with its match score against one task.
type Matched struct {
	Pattern *hopperapi.RoutingPattern
	Score   float64
}

// Local is the default in-memory Store.
type Local struct {
	mu       sync.RWMutex
	patterns map[string]*hopperapi.RoutingPattern
}

func NewLocal() *Local {
	return &Local{patterns: make(map[string]*hopperapi.RoutingPattern)}
}

func (s *Local) Create(_ context.Context, pattern *hopperapi.RoutingPattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	if pattern.Name == "" {
		return hoppercore.Validation("consolidated.Create", "name", "must not be empty")
	}
	if pattern.TagCriteria == nil && pattern.TextCriteria == nil && pattern.PriorityCriteria == "" {
		return hoppercore.Validation("consolidated.Create", "criteria", "a pattern with no criteria is illegal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern.CreatedAt = time.Now()
	pattern.Active = true
	s.patterns[pattern.ID] = pattern
	return nil
}

func (s *Local) Get(_ context.Context, id string) (*hopperapi.RoutingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, hoppercore.NotFound("consolidated.Get", "pattern", id)
	}
	return p, nil
}

func (s *Local) ByName(_ context.Context, name string) (*hopperapi.RoutingPattern, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patterns {
		if p.Name == name {
			return p, true, nil
		}
	}
	return nil, false, nil
}

func (s *Local) All(_ context.Context) ([]*hopperapi.RoutingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hopperapi.RoutingPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	return out, nil
}

func (s *Local) Update(_ context.Context, pattern *hopperapi.RoutingPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[pattern.ID]; !ok {
		return hoppercore.NotFound("consolidated.Update", "pattern", pattern.ID)
	}
	s.patterns[pattern.ID] = pattern
	return nil
}

func (s *Local) FindMatching(_ context.Context, tags []string, priority hopperapi.TaskPriority, title string, minConfidence float64, limit int) ([]Matched, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Matched
	for _, p := range s.patterns {
		if !p.Active {
			continue
		}
		ok, score := MatchesTask(p, tags, priority, title)
		if ok && score >= minConfidence {
			out = append(out, Matched{Pattern: p, Score: score})
		}
	}
	// best score first, tie-broken by pattern id for determinism
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && (out[j].Score > out[j-1].Score ||
			(out[j].Score == out[j-1].Score && out[j].Pattern.ID < out[j-1].Pattern.ID)); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MatchesTask implements RoutingPattern.matches_task verbatim
// (memory/consolidated/models.py): required tags gate the match; optional
// tags contribute a bonus; priority exact-match and keyword overlap each
// contribute one criterion; final match requires the averaged criteria
// score to reach 0.5, and the returned score is that average scaled by the
// pattern's current confidence. A pattern with zero criteria is an
// internal-only catchall that always matches at the pattern's confidence.
func MatchesTask(p *hopperapi.RoutingPattern, taskTags []string, taskPriority hopperapi.TaskPriority, title string) (bool, float64) {
	criteriaCount := 0
	var sum float64

	if p.TagCriteria != nil && (len(p.TagCriteria.Required) > 0 || len(p.TagCriteria.Optional) > 0) {
		tagSet := make(map[string]bool, len(taskTags))
		for _, t := range taskTags {
			tagSet[t] = true
		}
		for _, req := range p.TagCriteria.Required {
			if !tagSet[req] {
				return false, 0
			}
		}
		criteriaCount++
		if len(p.TagCriteria.Optional) == 0 {
			sum += 1.0
		} else {
			matched := 0
			for _, opt := range p.TagCriteria.Optional {
				if tagSet[opt] {
					matched++
				}
			}
			sum += 1.0 + 0.2*(float64(matched)/float64(len(p.TagCriteria.Optional)))
		}
	}

	if p.PriorityCriteria != "" && taskPriority != "" {
		criteriaCount++
		if p.PriorityCriteria == taskPriority {
			sum += 1.0
		}
	}

	if p.TextCriteria != nil && len(p.TextCriteria.Keywords) > 0 {
		criteriaCount++
		lower := strings.ToLower(title)
		matched := 0
		for _, kw := range p.TextCriteria.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched++
			}
		}
		sum += float64(matched) / float64(len(p.TextCriteria.Keywords))
	}

	if criteriaCount == 0 {
		return true, p.Confidence
	}

	avg := sum / float64(criteriaCount)
	if avg < 0.5 {
		return false, 0
	}
	return true, avg * p.Confidence
}

// UpdateConfidence implements RoutingPattern._update_confidence verbatim:
// below 5 uses, usage/success counters move but confidence is untouched;
// at 5+ uses, confidence becomes a 0.3/0.7 EMA blend of its prior value
// and the pattern's overall success rate.
func (s *Local) UpdateConfidence(_ context.Context, patternID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[patternID]
	if !ok {
		return hoppercore.NotFound("consolidated.UpdateConfidence", "pattern", patternID)
	}
	RecordUsage(p, success)
	now := time.Now()
	p.LastUsedAt = &now
	return nil
}

// RecordUsage mutates pattern counters and confidence in place, exported
// so the extractor's refine path can apply the same rule outside Store.
func RecordUsage(p *hopperapi.RoutingPattern, success bool) {
	p.UsageCount++
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	if p.UsageCount < 5 {
		return
	}
	successRate := float64(p.SuccessCount) / float64(p.UsageCount)
	p.Confidence = p.Confidence*0.3 + successRate*0.7
}
