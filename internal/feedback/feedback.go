// Package feedback holds user verdicts on routing decisions and the
// analytics derived from them (spec §4.6), grounded in
// memory/episodic/feedback.py's FeedbackAnalyzer.
package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Store is the feedback persistence contract. Feedback is 1-1 with a
// task, so Record overwrites any prior feedback for the same task id.
type Store interface {
	Record(ctx context.Context, fb *hopperapi.Feedback) error
	Get(ctx context.Context, taskID string) (*hopperapi.Feedback, error)
	All(ctx context.Context) ([]*hopperapi.Feedback, error)
}

// Local is the default in-memory Store.
type Local struct {
	mu       sync.RWMutex
	feedback map[string]*hopperapi.Feedback
}

func NewLocal() *Local {
	return &Local{feedback: make(map[string]*hopperapi.Feedback)}
}

func (s *Local) Record(_ context.Context, fb *hopperapi.Feedback) error {
	if fb.TaskID == "" {
		return hoppercore.Validation("feedback.Record", "task_id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.feedback[fb.TaskID]; ok {
		fb.CreatedAt = existing.CreatedAt
	} else {
		fb.CreatedAt = now
	}
	fb.UpdatedAt = now
	s.feedback[fb.TaskID] = fb
	return nil
}

func (s *Local) Get(_ context.Context, taskID string) (*hopperapi.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fb, ok := s.feedback[taskID]
	if !ok {
		return nil, hoppercore.NotFound("feedback.Get", "feedback", taskID)
	}
	return fb, nil
}

func (s *Local) All(_ context.Context) ([]*hopperapi.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hopperapi.Feedback, 0, len(s.feedback))
	for _, fb := range s.feedback {
		out = append(out, fb)
	}
	return out, nil
}

// Summary mirrors FeedbackAnalyzer.get_feedback_summary.
type Summary struct {
	Total             int
	GoodMatches       int
	GoodMatchRate     float64
	AverageQuality    float64
	ReworkRate        float64
	TopMissingSkills  []string
	TopBlockers       []string
}

// GetFeedbackSummary aggregates every recorded feedback entry.
func GetFeedbackSummary(ctx context.Context, store Store) (*Summary, error) {
	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(all)}
	if s.Total == 0 {
		return s, nil
	}

	var qualitySum float64
	reworkCount := 0
	skillCounts := make(map[string]int)
	blockerCounts := make(map[string]int)

	for _, fb := range all {
		if fb.WasGoodMatch {
			s.GoodMatches++
		}
		qualitySum += fb.QualityScore
		if fb.RequiredRework {
			reworkCount++
		}
		for _, skill := range fb.MissingSkills {
			skillCounts[skill]++
		}
		for _, blocker := range fb.UnexpectedBlockers {
			blockerCounts[blocker]++
		}
	}

	s.GoodMatchRate = float64(s.GoodMatches) / float64(s.Total)
	s.AverageQuality = qualitySum / float64(s.Total)
	s.ReworkRate = float64(reworkCount) / float64(s.Total)
	s.TopMissingSkills = topN(skillCounts, 5)
	s.TopBlockers = topN(blockerCounts, 5)
	return s, nil
}

// RouteStat is one (chosen-instance) -> feedback-quality aggregate.
type RouteStat struct {
	InstanceID     string
	FeedbackCount  int
	GoodMatchRate  float64
	AverageQuality float64
}

// ProblematicRoutes returns instances whose good-match rate falls below
// threshold, worst first, requiring at least minSamples feedback entries
// to avoid noise on low-volume instances.
func ProblematicRoutes(ctx context.Context, store Store, episodes episodic.Store, threshold float64, minSamples int) ([]RouteStat, error) {
	stats, err := routeStats(ctx, store, episodes)
	if err != nil {
		return nil, err
	}
	var out []RouteStat
	for _, st := range stats {
		if st.FeedbackCount >= minSamples && st.GoodMatchRate < threshold {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoodMatchRate < out[j].GoodMatchRate })
	return out, nil
}

// HighPerformingRoutes is ProblematicRoutes' mirror: instances at or
// above threshold, best first.
func HighPerformingRoutes(ctx context.Context, store Store, episodes episodic.Store, threshold float64, minSamples int) ([]RouteStat, error) {
	stats, err := routeStats(ctx, store, episodes)
	if err != nil {
		return nil, err
	}
	var out []RouteStat
	for _, st := range stats {
		if st.FeedbackCount >= minSamples && st.GoodMatchRate >= threshold {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoodMatchRate > out[j].GoodMatchRate })
	return out, nil
}

// routeStats joins feedback entries to the episode that routed the same
// task, aggregating quality and good-match rate per chosen instance.
func routeStats(ctx context.Context, store Store, episodes episodic.Store) (map[string]RouteStat, error) {
	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	goodMatches := make(map[string]int)
	qualitySum := make(map[string]float64)

	for _, fb := range all {
		ep, err := episodes.LatestForTask(ctx, fb.TaskID)
		if err != nil {
			continue
		}
		instanceID := ep.ChosenInstance
		counts[instanceID]++
		qualitySum[instanceID] += fb.QualityScore
		if fb.WasGoodMatch {
			goodMatches[instanceID]++
		}
	}

	out := make(map[string]RouteStat, len(counts))
	for instanceID, count := range counts {
		out[instanceID] = RouteStat{
			InstanceID:     instanceID,
			FeedbackCount:  count,
			GoodMatchRate:  float64(goodMatches[instanceID]) / float64(count),
			AverageQuality: qualitySum[instanceID] / float64(count),
		}
	}
	return out, nil
}

// CalibrationBucket compares the router's stated confidence against the
// observed good-match rate for episodes falling in that confidence band.
type CalibrationBucket struct {
	Label           string
	Count           int
	AverageConfidence float64
	ObservedGoodRate  float64
}

// ConfidenceCalibration buckets episodes-with-feedback into low/medium/high
// confidence bands (<0.5, 0.5-0.8, >=0.8) and compares stated confidence
// against the observed good-match rate, surfacing over/under-confidence.
func ConfidenceCalibration(ctx context.Context, store Store, episodes episodic.Store) ([]CalibrationBucket, error) {
	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		confidenceSum float64
		goodCount     int
		count         int
	}
	buckets := map[string]*bucket{"low": {}, "medium": {}, "high": {}}

	for _, fb := range all {
		ep, err := episodes.LatestForTask(ctx, fb.TaskID)
		if err != nil {
			continue
		}
		label := confidenceBand(ep.Confidence)
		b := buckets[label]
		b.confidenceSum += ep.Confidence
		b.count++
		if fb.WasGoodMatch {
			b.goodCount++
		}
	}

	var out []CalibrationBucket
	for _, label := range []string{"low", "medium", "high"} {
		b := buckets[label]
		if b.count == 0 {
			continue
		}
		out = append(out, CalibrationBucket{
			Label:             label,
			Count:             b.count,
			AverageConfidence: b.confidenceSum / float64(b.count),
			ObservedGoodRate:  float64(b.goodCount) / float64(b.count),
		})
	}
	return out, nil
}

func confidenceBand(c float64) string {
	switch {
	case c < 0.5:
		return "low"
	case c < 0.8:
		return "medium"
	default:
		return "high"
	}
}

// Trend is one time-bucketed (day) feedback-quality aggregate.
type Trend struct {
	Day            string
	Count          int
	AverageQuality float64
	GoodMatchRate  float64
}

// FeedbackTrends buckets feedback by calendar day (UTC), oldest first.
func FeedbackTrends(ctx context.Context, store Store) ([]Trend, error) {
	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		qualitySum float64
		goodCount  int
		count      int
	}
	byDay := make(map[string]*bucket)
	for _, fb := range all {
		day := fb.CreatedAt.UTC().Format("2006-01-02")
		b, ok := byDay[day]
		if !ok {
			b = &bucket{}
			byDay[day] = b
		}
		b.count++
		b.qualitySum += fb.QualityScore
		if fb.WasGoodMatch {
			b.goodCount++
		}
	}

	out := make([]Trend, 0, len(byDay))
	for day, b := range byDay {
		out = append(out, Trend{
			Day:            day,
			Count:          b.count,
			AverageQuality: b.qualitySum / float64(b.count),
			GoodMatchRate:  float64(b.goodCount) / float64(b.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// Suggestion is one human-readable rule-improvement hint.
type Suggestion struct {
	InstanceID string
	Reason     string
}

// SuggestRuleImprovements flags instances with a poor good-match rate and
// recurring missing-skill feedback, suggesting they're being routed tasks
// their rules don't actually cover.
func SuggestRuleImprovements(ctx context.Context, store Store, episodes episodic.Store, threshold float64, minSamples int) ([]Suggestion, error) {
	problematic, err := ProblematicRoutes(ctx, store, episodes, threshold, minSamples)
	if err != nil {
		return nil, err
	}

	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}

	skillsByInstance := make(map[string]map[string]int)
	for _, fb := range all {
		if len(fb.MissingSkills) == 0 {
			continue
		}
		ep, err := episodes.LatestForTask(ctx, fb.TaskID)
		if err != nil {
			continue
		}
		if skillsByInstance[ep.ChosenInstance] == nil {
			skillsByInstance[ep.ChosenInstance] = make(map[string]int)
		}
		for _, skill := range fb.MissingSkills {
			skillsByInstance[ep.ChosenInstance][skill]++
		}
	}

	var out []Suggestion
	for _, route := range problematic {
		top := topN(skillsByInstance[route.InstanceID], 3)
		reason := "good-match rate below threshold"
		if len(top) > 0 {
			reason = "frequently missing skills: " + joinStrings(top)
		}
		out = append(out, Suggestion{InstanceID: route.InstanceID, Reason: reason})
	}
	return out, nil
}

func topN(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	var all []kv
	for k, c := range counts {
		all = append(all, kv{k, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.key
	}
	return out
}

func joinStrings(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
