// Package learning is the thin orchestration facade binding working
// memory, the episodic store, similarity searcher, consolidated store and
// feedback store together (spec §4.9), grounded in
// memory/learning_engine.py's LearningEngine. It holds no decision logic
// of its own beyond wiring and caching; every dependency is injected at
// construction time (Design Note §9: no package-level singletons).
package learning

import (
	"context"
	"sort"
	"time"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/extractor"
	"github.com/hopper-run/hopper/internal/feedback"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/memory"
	"github.com/hopper-run/hopper/internal/similarity"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// ContextTTL is the default working-memory cache lifetime for a built
// RoutingContext, spec §4.9.
const ContextTTL = time.Hour

// DefaultIncrementalWindow and DefaultFullWindow are the two `since`
// horizons run_consolidation chooses between (spec §4.8).
const (
	DefaultIncrementalWindow = 7 * 24 * time.Hour
	DefaultFullWindow        = 30 * 24 * time.Hour
)

// RoutingContext is the cached bundle build_context assembles (spec §4.9).
type RoutingContext struct {
	TaskID              string
	Title               string
	Tags                []string
	Priority            hopperapi.TaskPriority
	SimilarTasks        []similarity.Result
	AvailableInstances  []string
}

// Suggestion is one routing candidate surfaced by get_routing_suggestions,
// tagged with the source that produced it.
type Suggestion struct {
	InstanceID string
	Confidence float64
	Source     string // "pattern" or "similar_task"
	PatternID  string
}

// Engine is the learning facade.
type Engine struct {
	memory       memory.Store
	episodes     episodic.Store
	similarity   *similarity.Index
	patterns     consolidated.Store
	feedback     feedback.Store
	log          hoppercore.Logger
}

func New(mem memory.Store, episodes episodic.Store, sim *similarity.Index, patterns consolidated.Store, fb feedback.Store, log hoppercore.Logger) *Engine {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &Engine{
		memory:     mem,
		episodes:   episodes,
		similarity: sim,
		patterns:   patterns,
		feedback:   fb,
		log:        log,
	}
}

func contextCacheKey(taskID string) string {
	return "routing-context:" + taskID
}

// BuildContext checks the working-memory cache first; on a miss it
// assembles a RoutingContext, caches it for ContextTTL, and returns it.
func (e *Engine) BuildContext(ctx context.Context, task *hopperapi.Task, availableInstances []string) (*RoutingContext, error) {
	key := contextCacheKey(task.ID)
	if cached, ok, err := e.memory.Get(ctx, key); err == nil && ok {
		return decodeContext(cached), nil
	}

	similar := e.similarity.FindSimilar(task.Title, task.Tags, 5, 0, nil)
	rc := &RoutingContext{
		TaskID:             task.ID,
		Title:              task.Title,
		Tags:               task.Tags,
		Priority:           task.Priority,
		SimilarTasks:       similar,
		AvailableInstances: availableInstances,
	}
	if err := e.memory.Set(ctx, key, encodeContext(rc), ContextTTL); err != nil {
		return nil, err
	}
	return rc, nil
}

func encodeContext(rc *RoutingContext) map[string]interface{} {
	similar := make([]interface{}, len(rc.SimilarTasks))
	for i, s := range rc.SimilarTasks {
		similar[i] = map[string]interface{}{"id": s.ID, "score": s.Score}
	}
	tags := make([]interface{}, len(rc.Tags))
	for i, t := range rc.Tags {
		tags[i] = t
	}
	instances := make([]interface{}, len(rc.AvailableInstances))
	for i, inst := range rc.AvailableInstances {
		instances[i] = inst
	}
	return map[string]interface{}{
		"task_id":             rc.TaskID,
		"title":               rc.Title,
		"tags":                tags,
		"priority":            string(rc.Priority),
		"similar_tasks":       similar,
		"available_instances": instances,
	}
}

func decodeContext(data map[string]interface{}) *RoutingContext {
	rc := &RoutingContext{}
	if v, ok := data["task_id"].(string); ok {
		rc.TaskID = v
	}
	if v, ok := data["title"].(string); ok {
		rc.Title = v
	}
	if v, ok := data["priority"].(string); ok {
		rc.Priority = hopperapi.TaskPriority(v)
	}
	if v, ok := data["tags"].([]interface{}); ok {
		for _, t := range v {
			if s, ok := t.(string); ok {
				rc.Tags = append(rc.Tags, s)
			}
		}
	}
	if v, ok := data["available_instances"].([]interface{}); ok {
		for _, t := range v {
			if s, ok := t.(string); ok {
				rc.AvailableInstances = append(rc.AvailableInstances, s)
			}
		}
	}
	if v, ok := data["similar_tasks"].([]interface{}); ok {
		for _, entry := range v {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := m["id"].(string)
			score, _ := m["score"].(float64)
			rc.SimilarTasks = append(rc.SimilarTasks, similarity.Result{ID: id, Score: score})
		}
	}
	return rc
}

// GetRoutingSuggestions merges pattern matches and a similar-task
// suggestion, sorted by confidence descending, capped at limit (spec
// §4.9).
func (e *Engine) GetRoutingSuggestions(ctx context.Context, task *hopperapi.Task, limit int) ([]Suggestion, error) {
	matches, err := e.patterns.FindMatching(ctx, task.Tags, task.Priority, task.Title, 0, limit)
	if err != nil {
		return nil, err
	}

	var suggestions []Suggestion
	for _, m := range matches {
		suggestions = append(suggestions, Suggestion{
			InstanceID: m.Pattern.TargetInstance,
			Confidence: m.Score,
			Source:     "pattern",
			PatternID:  m.Pattern.ID,
		})
	}

	if similarSuggestion, ok, err := e.similarTaskSuggestion(ctx, task); err != nil {
		return nil, err
	} else if ok {
		suggestions = append(suggestions, similarSuggestion)
	}

	sort.SliceStable(suggestions, func(i, j int) bool { return suggestions[i].Confidence > suggestions[j].Confidence })
	if limit > 0 && len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions, nil
}

// similarTaskSuggestion mirrors router's strategy 3 scoring
// (success_rate * min(1, total/3)), kept here too so suggestions don't
// require a live router dependency.
func (e *Engine) similarTaskSuggestion(ctx context.Context, task *hopperapi.Task) (Suggestion, bool, error) {
	similar := e.similarity.FindSimilar(task.Title, task.Tags, 10, 0, nil)
	if len(similar) == 0 {
		return Suggestion{}, false, nil
	}

	type tally struct{ success, total int }
	byTarget := make(map[string]*tally)
	for _, s := range similar {
		ep, err := e.episodes.Get(ctx, s.ID)
		if err != nil {
			continue
		}
		t, ok := byTarget[ep.ChosenInstance]
		if !ok {
			t = &tally{}
			byTarget[ep.ChosenInstance] = t
		}
		t.total++
		if ep.Outcome.Success != nil && *ep.Outcome.Success {
			t.success++
		}
	}

	var bestTarget string
	var bestScore float64
	for target, t := range byTarget {
		if t.success == 0 {
			continue
		}
		score := (float64(t.success) / float64(t.total)) * min(1.0, float64(t.total)/3.0)
		if score > bestScore {
			bestScore, bestTarget = score, target
		}
	}
	if bestTarget == "" || bestScore < 0.3 {
		return Suggestion{}, false, nil
	}
	return Suggestion{InstanceID: bestTarget, Confidence: bestScore, Source: "similar_task"}, true, nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RecordRouting persists an episode for a routing decision, stamping
// decision_factors with the pattern id (if the suggestion came from one)
// or the similar-task ids consulted.
func (e *Engine) RecordRouting(ctx context.Context, task *hopperapi.Task, chosen string, confidence float64, strategy hopperapi.Strategy, reasoning string, suggestion *Suggestion) (*hopperapi.RoutingEpisode, error) {
	factors := map[string]interface{}{}
	if suggestion != nil && suggestion.PatternID != "" {
		factors["pattern_id"] = suggestion.PatternID
	}
	similar := e.similarity.FindSimilar(task.Title, task.Tags, 5, 0, nil)
	if len(similar) > 0 {
		ids := make([]string, len(similar))
		for i, s := range similar {
			ids[i] = s.ID
		}
		factors["similar_task_ids"] = ids
	}

	episode := &hopperapi.RoutingEpisode{
		TaskID: task.ID,
		TaskSnapshot: hopperapi.TaskSnapshot{
			ID:         task.ID,
			Title:      task.Title,
			Project:    task.Project,
			Status:     task.Status,
			Priority:   task.Priority,
			Tags:       task.Tags,
			InstanceID: task.InstanceID,
		},
		ChosenInstance:  chosen,
		Confidence:      confidence,
		Strategy:        strategy,
		Reasoning:       reasoning,
		DecisionFactors: factors,
	}
	if err := e.episodes.RecordEpisode(ctx, episode); err != nil {
		return nil, err
	}
	e.similarity.AddDocument(episode.ID, task.Title, task.Tags)
	return episode, nil
}

// RecordOutcome updates the latest episode for taskID with an outcome,
// propagating success to the pattern that produced it, if any.
func (e *Engine) RecordOutcome(ctx context.Context, taskID string, success bool, duration time.Duration, notes string) error {
	episode, err := e.episodes.RecordOutcome(ctx, taskID, hopperapi.Outcome{
		Success:  &success,
		Duration: duration,
		Notes:    notes,
	})
	if err != nil {
		return err
	}
	if patternID, ok := episode.DecisionFactors["pattern_id"].(string); ok && patternID != "" {
		if err := e.patterns.UpdateConfidence(ctx, patternID, success); err != nil {
			return err
		}
	}
	return nil
}

// ProcessFeedback upserts feedback for a task, records the human verdict
// as the latest episode's success when no outcome has been recorded yet
// (an existing outcome is left unchanged), and propagates the verdict to
// the pattern that produced the routing decision.
func (e *Engine) ProcessFeedback(ctx context.Context, fb *hopperapi.Feedback) error {
	if err := e.feedback.Record(ctx, fb); err != nil {
		return err
	}
	episode, err := e.episodes.LatestForTask(ctx, fb.TaskID)
	if hoppercore.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if episode.Outcome.Success == nil {
		episode.Outcome.Success = &fb.WasGoodMatch
	}
	if patternID, ok := episode.DecisionFactors["pattern_id"].(string); ok && patternID != "" {
		if err := e.patterns.UpdateConfidence(ctx, patternID, fb.WasGoodMatch); err != nil {
			return err
		}
	}
	return nil
}

// RunConsolidation invokes the pattern extractor. A zero since defaults
// to the full-window horizon (spec §4.8: "30d for full runs"); callers
// doing incremental runs should pass time.Now().Add(-DefaultIncrementalWindow).
func (e *Engine) RunConsolidation(ctx context.Context, since time.Time, minEpisodes int, minConfidence float64) (*extractor.Summary, error) {
	if since.IsZero() {
		since = time.Now().Add(-DefaultFullWindow)
	}
	return extractor.Consolidate(ctx, e.episodes, e.patterns, since, minEpisodes, minConfidence)
}
