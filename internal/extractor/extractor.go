// Package extractor mines RoutingPatterns from successful episodes (spec
// §4.8), grounded verbatim in memory/consolidated/extractor.py's
// PatternExtractor.
package extractor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

const (
	defaultMinEpisodes   = 3
	requiredTagThreshold = 0.8
	optionalTagLow       = 0.3
	optionalTagHigh      = 0.8
	keywordThreshold     = 0.5
	priorityThreshold    = 0.7
	maxSourceEpisodes    = 20
)

var wordPattern = regexp.MustCompile(`[a-zA-Z]+`)

// Candidate is a not-yet-persisted pattern mined from one instance's
// successful-episode bucket.
type Candidate struct {
	TargetInstance string
	TagCriteria    *hopperapi.TagCriteria
	TextCriteria   *hopperapi.TextCriteria
	PriorityCriteria hopperapi.TaskPriority
	EpisodeCount   int
	SourceEpisodes []string
	Confidence     float64
}

// Summary is the result of one consolidation run, mirroring
// run_consolidation's returned dict.
type Summary struct {
	CandidatesFound    int
	PatternsCreated    int
	CreatedPatternIDs  []string
	TotalPatterns      int
	ActivePatterns     int
	Since              time.Time
	RanAt              time.Time
}

// Consolidate buckets successful episodes by chosen instance, extracts one
// candidate per bucket with at least minEpisodes members, and
// idempotently creates-or-refines a consolidated.RoutingPattern per
// candidate whose confidence reaches minConfidence.
func Consolidate(ctx context.Context, episodes episodic.Store, patterns consolidated.Store, since time.Time, minEpisodes int, minConfidence float64) (*Summary, error) {
	if minEpisodes <= 0 {
		minEpisodes = defaultMinEpisodes
	}

	successful, err := episodes.Successful(ctx, &since, 1000)
	if err != nil {
		return nil, err
	}

	byInstance := make(map[string][]*hopperapi.RoutingEpisode)
	for _, ep := range successful {
		byInstance[ep.ChosenInstance] = append(byInstance[ep.ChosenInstance], ep)
	}

	summary := &Summary{Since: since, RanAt: time.Now()}
	var candidates []Candidate
	for instanceID, bucket := range byInstance {
		if len(bucket) < minEpisodes {
			continue
		}
		if c := extractForInstance(instanceID, bucket); c != nil {
			candidates = append(candidates, *c)
		}
	}
	summary.CandidatesFound = len(candidates)

	for _, c := range candidates {
		if c.Confidence < minConfidence {
			continue
		}
		id, created, err := createOrRefine(ctx, patterns, c)
		if err != nil {
			return nil, err
		}
		if created {
			summary.PatternsCreated++
			summary.CreatedPatternIDs = append(summary.CreatedPatternIDs, id)
		}
	}

	all, err := patterns.All(ctx)
	if err != nil {
		return nil, err
	}
	summary.TotalPatterns = len(all)
	for _, p := range all {
		if p.Active {
			summary.ActivePatterns++
		}
	}
	return summary, nil
}

func extractForInstance(instanceID string, bucket []*hopperapi.RoutingEpisode) *Candidate {
	total := len(bucket)
	tagCounts := make(map[string]int)
	priorityCounts := make(map[hopperapi.TaskPriority]int)
	wordCounts := make(map[string]int)
	var sourceIDs []string

	for _, ep := range bucket {
		sourceIDs = append(sourceIDs, ep.ID)
		for _, tag := range ep.TaskSnapshot.Tags {
			tagCounts[tag]++
		}
		if ep.TaskSnapshot.Priority != "" {
			priorityCounts[ep.TaskSnapshot.Priority]++
		}
		for _, w := range titleWords(ep.TaskSnapshot.Title) {
			wordCounts[w]++
		}
	}

	var required, optional []string
	for tag, count := range tagCounts {
		ratio := float64(count) / float64(total)
		switch {
		case ratio >= requiredTagThreshold:
			required = append(required, tag)
		case ratio >= optionalTagLow && ratio < optionalTagHigh:
			optional = append(optional, tag)
		}
	}
	sort.Strings(required)
	sort.Strings(optional)

	keywords := topKeywords(wordCounts, total, 5)

	var priorityCriteria hopperapi.TaskPriority
	if dominant, count, ok := mode(priorityCounts); ok && float64(count)/float64(total) >= priorityThreshold {
		priorityCriteria = dominant
	}

	if len(required) == 0 && len(optional) == 0 && len(keywords) == 0 && priorityCriteria == "" {
		return nil
	}

	c := &Candidate{
		TargetInstance: instanceID,
		EpisodeCount:   total,
		SourceEpisodes: capEpisodeIDs(sourceIDs, maxSourceEpisodes),
	}
	if len(required) > 0 || len(optional) > 0 {
		c.TagCriteria = &hopperapi.TagCriteria{Required: required, Optional: optional}
	}
	if len(keywords) > 0 {
		c.TextCriteria = &hopperapi.TextCriteria{Keywords: keywords}
	}
	c.PriorityCriteria = priorityCriteria
	c.Confidence = confidence(required, keywords, total)
	return c
}

// titleWords lower-cases and extracts words longer than 3 characters from
// a title, matching extractor.py's common_words filter.
func titleWords(title string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(title), -1)
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

func topKeywords(counts map[string]int, total, limit int) []string {
	type kv struct {
		word  string
		count int
	}
	var all []kv
	for w, c := range counts {
		all = append(all, kv{w, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	if len(all) > limit {
		all = all[:limit]
	}
	var out []string
	for _, e := range all {
		if float64(e.count)/float64(total) >= keywordThreshold {
			out = append(out, e.word)
		}
	}
	return out
}

func mode(counts map[hopperapi.TaskPriority]int) (hopperapi.TaskPriority, int, bool) {
	var best hopperapi.TaskPriority
	bestCount := -1
	for p, c := range counts {
		if c > bestCount {
			best, bestCount = p, c
		}
	}
	return best, bestCount, bestCount >= 0
}

func capEpisodeIDs(ids []string, max int) []string {
	if len(ids) <= max {
		return ids
	}
	return ids[:max]
}

// confidence implements extractor.py's _calculate_confidence verbatim:
// a 0.1 base, plus up to 0.4 for required-tag count, up to 0.2 for
// keyword count, up to 0.3 for episode volume, clamped to 1.0.
func confidence(required, keywords []string, episodeCount int) float64 {
	c := 0.1
	if len(required) > 0 {
		c += min(0.4, float64(len(required))*0.1)
	}
	if len(keywords) > 0 {
		c += min(0.2, float64(len(keywords))*0.05)
	}
	c += min(0.3, float64(episodeCount)*0.03)
	return min(1.0, c)
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// createOrRefine looks up an existing pattern by the candidate's generated
// name; if found, it refines (union-merges) criteria in place, otherwise
// it creates a new pattern. Returns the pattern id and whether it was
// newly created.
func createOrRefine(ctx context.Context, patterns consolidated.Store, c Candidate) (string, bool, error) {
	name := generateName(c)
	existing, found, err := patterns.ByName(ctx, name)
	if err != nil {
		return "", false, err
	}
	if found {
		refine(existing, c)
		now := time.Now()
		existing.LastRefinedAt = &now
		if err := patterns.Update(ctx, existing); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}

	pType := determineType(c)
	pattern := &hopperapi.RoutingPattern{
		Name:             name,
		Type:             pType,
		TagCriteria:      c.TagCriteria,
		TextCriteria:     c.TextCriteria,
		PriorityCriteria: c.PriorityCriteria,
		TargetInstance:   c.TargetInstance,
		Confidence:       c.Confidence,
		SourceEpisodes:   c.SourceEpisodes,
	}
	if err := patterns.Create(ctx, pattern); err != nil {
		return "", false, err
	}
	return pattern.ID, true, nil
}

// refine union-merges criteria and raises confidence to the max of old
// and new, matching extractor.py's refine step (spec §4.8 step 6).
func refine(existing *hopperapi.RoutingPattern, c Candidate) {
	if c.Confidence > existing.Confidence {
		existing.Confidence = c.Confidence
	}
	if c.TagCriteria != nil {
		if existing.TagCriteria == nil {
			existing.TagCriteria = &hopperapi.TagCriteria{}
		}
		existing.TagCriteria.Required = unionStrings(existing.TagCriteria.Required, c.TagCriteria.Required)
		existing.TagCriteria.Optional = unionStrings(existing.TagCriteria.Optional, c.TagCriteria.Optional)
	}
	if c.TextCriteria != nil {
		if existing.TextCriteria == nil {
			existing.TextCriteria = &hopperapi.TextCriteria{}
		}
		existing.TextCriteria.Keywords = unionStrings(existing.TextCriteria.Keywords, c.TextCriteria.Keywords)
	}
	existing.SourceEpisodes = capEpisodeIDs(unionStrings(existing.SourceEpisodes, c.SourceEpisodes), maxSourceEpisodes)
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func determineType(c Candidate) hopperapi.PatternType {
	hasTags := c.TagCriteria != nil && (len(c.TagCriteria.Required) > 0 || len(c.TagCriteria.Optional) > 0)
	hasText := c.TextCriteria != nil && len(c.TextCriteria.Keywords) > 0
	hasPriority := c.PriorityCriteria != ""

	count := 0
	for _, has := range []bool{hasTags, hasText, hasPriority} {
		if has {
			count++
		}
	}
	if count > 1 {
		return hopperapi.PatternCombined
	}
	switch {
	case hasTags:
		return hopperapi.PatternTag
	case hasText:
		return hopperapi.PatternText
	case hasPriority:
		return hopperapi.PatternPriority
	default:
		return hopperapi.PatternCombined
	}
}

// generateName builds "{req1-req2-req3}_{priority?}_to-{target}" from the
// first three required tags, matching extractor.py's
// _generate_pattern_name exactly.
func generateName(c Candidate) string {
	var parts []string
	if c.TagCriteria != nil && len(c.TagCriteria.Required) > 0 {
		req := c.TagCriteria.Required
		if len(req) > 3 {
			req = req[:3]
		}
		parts = append(parts, strings.Join(req, "-"))
	} else {
		parts = append(parts, "pattern")
	}
	if c.PriorityCriteria != "" {
		parts = append(parts, string(c.PriorityCriteria))
	}
	parts = append(parts, fmt.Sprintf("to-%s", c.TargetInstance))
	return strings.Join(parts, "_")
}
