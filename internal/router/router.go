// Package router implements the five-strategy layered task resolver of
// spec §4.2, grounded in routing/router.py's RoutingEngine.route.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/instance"
	"github.com/hopper-run/hopper/internal/rules"
	"github.com/hopper-run/hopper/internal/similarity"
	"github.com/hopper-run/hopper/internal/taskstore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// DefaultTimeout is the soft budget wrapping strategies 2-4 (pattern,
// similar-task, rules), spec §5.
const DefaultTimeout = 250 * time.Millisecond

// PatternMinConfidence is the score floor below which a pattern match is
// not trusted, routing.py's MIN_PATTERN_CONFIDENCE.
const PatternMinConfidence = 0.3

// SimilarTaskMinConfidence is the score floor for the similar-task
// strategy, spec §4.2 step 3.
const SimilarTaskMinConfidence = 0.3

// SimilarTaskSampleSize is N, the number of past tasks considered.
const SimilarTaskSampleSize = 10

// Router is stateless; every dependency is a store or index injected at
// construction time (spec §4.2: "all state lives in stores").
type Router struct {
	registry    instance.Store
	tasks       taskstore.Store
	patterns    consolidated.Store
	episodes    episodic.Store
	similarity  *similarity.Index
	rules       *rules.Engine
	timeout     time.Duration
	log         hoppercore.Logger
	telemetry   hoppercore.Telemetry
}

func New(registry instance.Store, tasks taskstore.Store, patterns consolidated.Store, episodes episodic.Store, sim *similarity.Index, ruleEngine *rules.Engine, log hoppercore.Logger, telemetry hoppercore.Telemetry) *Router {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = hoppercore.NoOpTelemetry{}
	}
	return &Router{
		registry:   registry,
		tasks:      tasks,
		patterns:   patterns,
		episodes:   episodes,
		similarity: sim,
		rules:      ruleEngine,
		timeout:    DefaultTimeout,
		log:        log,
		telemetry:  telemetry,
	}
}

// SetTimeout overrides the soft budget wrapping strategies 2-4 (spec §5),
// for hosts that need a tighter or looser window than DefaultTimeout.
func (r *Router) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Route tries each strategy in order, returning the first success (spec
// §4.2). source is the instance currently holding the task; candidates
// for strategies 2, 3 and 5 are filtered to instance.CanDelegate(source, *).
// The rules strategy (4) applies no such filter.
func (r *Router) Route(ctx context.Context, task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, error) {
	if result, ok, err := r.explicit(ctx, task); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	budgeted, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	budgeted, span := r.telemetry.StartSpan(budgeted, "router.route_within_budget")
	defer span.End()
	span.SetAttribute("task.id", task.ID)

	if result, ok, err := r.pattern(budgeted, task, source); err != nil {
		span.RecordError(err)
		return nil, err
	} else if ok {
		span.SetAttribute("strategy", string(result.Strategy))
		return result, nil
	}
	if timedOut(budgeted) {
		r.telemetry.RecordMetric("router.budget_exceeded", 1, map[string]string{"strategy": "pattern"})
		return r.timeoutFallback(ctx, task, source)
	}

	if result, ok, err := r.similarTask(budgeted, task, source); err != nil {
		span.RecordError(err)
		return nil, err
	} else if ok {
		span.SetAttribute("strategy", string(result.Strategy))
		return result, nil
	}
	if timedOut(budgeted) {
		r.telemetry.RecordMetric("router.budget_exceeded", 1, map[string]string{"strategy": "similar_task"})
		return r.timeoutFallback(ctx, task, source)
	}

	if result, ok := r.ruleMatch(task, source); ok {
		span.SetAttribute("strategy", string(result.Strategy))
		return result, nil
	}
	if timedOut(budgeted) {
		r.telemetry.RecordMetric("router.budget_exceeded", 1, map[string]string{"strategy": "rules"})
		return r.timeoutFallback(ctx, task, source)
	}

	return r.fallback(ctx, task, source)
}

func timedOut(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Router) timeoutFallback(ctx context.Context, task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, error) {
	result, err := r.fallback(ctx, task, source)
	if err != nil {
		return nil, err
	}
	if result.DecisionFactors == nil {
		result.DecisionFactors = map[string]interface{}{}
	}
	result.DecisionFactors["timeout"] = true
	result.Confidence = 0.5
	return result, nil
}

// explicit resolves T's named project to the instance (scope=project,
// name=project) if its status is runnable (spec §4.2 step 1).
func (r *Router) explicit(ctx context.Context, task *hopperapi.Task) (*hopperapi.RoutingResult, bool, error) {
	if task.Project == "" {
		return nil, false, nil
	}
	target, err := r.registry.ByScopeAndName(ctx, hopperapi.ScopeProject, task.Project)
	if hoppercore.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !instance.Runnable(target.Status) {
		return nil, false, nil
	}
	return &hopperapi.RoutingResult{
		Target:     target.ID,
		Confidence: 1.0,
		Strategy:   hopperapi.StrategyExplicit,
		Reasoning:  "task names project " + task.Project,
	}, true, nil
}

// pattern asks the consolidated store for the best matching pattern,
// skipping candidates whose target isn't runnable (spec §4.2 step 2).
func (r *Router) pattern(ctx context.Context, task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, bool, error) {
	matches, err := r.patterns.FindMatching(ctx, task.Tags, task.Priority, task.Title, PatternMinConfidence, 10)
	if err != nil {
		return nil, false, err
	}
	for _, m := range matches {
		target, err := r.registry.Get(ctx, m.Pattern.TargetInstance)
		if err != nil || !instance.Runnable(target.Status) || !instance.CanDelegate(source, target) {
			continue
		}
		return &hopperapi.RoutingResult{
			Target:     target.ID,
			Confidence: m.Score,
			Strategy:   hopperapi.StrategyLearning,
			Reasoning:  "matched learned pattern " + m.Pattern.Name,
			DecisionFactors: map[string]interface{}{
				"pattern_id": m.Pattern.ID,
			},
		}, true, nil
	}
	return nil, false, nil
}

// similarTask samples up to SimilarTaskSampleSize past episodes by text
// and tag similarity, scores each candidate target by success_rate *
// min(1, total/3), and accepts the best above SimilarTaskMinConfidence
// (spec §4.2 step 3).
func (r *Router) similarTask(ctx context.Context, task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, bool, error) {
	similar := r.similarity.FindSimilar(task.Title, task.Tags, SimilarTaskSampleSize, 0, nil)
	if len(similar) == 0 {
		return nil, false, nil
	}

	type tally struct {
		success int
		total   int
	}
	byTarget := make(map[string]*tally)
	for _, s := range similar {
		ep, err := r.episodes.Get(ctx, s.ID)
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
	for targetID, t := range byTarget {
		if t.success == 0 {
			continue
		}
		score := (float64(t.success) / float64(t.total)) * min(1.0, float64(t.total)/3.0)
		if score > bestScore {
			bestScore, bestTarget = score, targetID
		}
	}
	if bestTarget == "" || bestScore < SimilarTaskMinConfidence {
		return nil, false, nil
	}
	target, err := r.registry.Get(ctx, bestTarget)
	if err != nil || !instance.Runnable(target.Status) || !instance.CanDelegate(source, target) {
		return nil, false, nil
	}
	return &hopperapi.RoutingResult{
		Target:     target.ID,
		Confidence: bestScore,
		Strategy:   hopperapi.StrategySimilarTask,
		Reasoning:  "similar past tasks routed here successfully",
	}, true, nil
}

// ruleMatch evaluates the declarative rule set and takes the engine's best
// match (spec §4.2 step 4). The rule's destination string is returned as
// the target as written; it is not resolved against the registry, nor
// checked for runnability or instance.CanDelegate.
func (r *Router) ruleMatch(task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, bool) {
	if r.rules == nil {
		return nil, false
	}
	match, ok := r.rules.Best(rules.Task{
		Title:       task.Title,
		Description: task.Description,
		Tags:        task.Tags,
		Priority:    string(task.Priority),
	})
	if !ok {
		return nil, false
	}
	meta := match.Rule.Meta()
	return &hopperapi.RoutingResult{
		Target:     meta.Destination,
		Confidence: match.Score,
		Strategy:   hopperapi.StrategyRules,
		Reasoning:  "matched rule " + meta.Name,
	}, true
}

// fallback load-balances over valid, delegable children (spec §4.2 step
// 5). Candidates are drawn from source's own children across every scope,
// mirroring routing.py's fallback_instances lookup.
func (r *Router) fallback(ctx context.Context, task *hopperapi.Task, source *hopperapi.Instance) (*hopperapi.RoutingResult, error) {
	children, err := r.registry.Children(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	var candidates []*hopperapi.Instance
	for _, c := range children {
		if instance.CanDelegate(source, c) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, hoppercore.RoutingUnavailable("router.Route", "no delegable candidate for "+task.ID)
	}

	strategy := configString(source.Configuration, "fallback_strategy", "least_loaded")
	var target *hopperapi.Instance
	switch strategy {
	case "round_robin":
		target = roundRobin(candidates, source)
	default:
		var ok bool
		target, ok = leastLoadedCandidate(ctx, r.tasks, candidates)
		if !ok {
			return nil, hoppercore.RoutingUnavailable("router.Route", "no runnable candidate for "+task.ID)
		}
	}

	return &hopperapi.RoutingResult{
		Target:     target.ID,
		Confidence: 0.5,
		Strategy:   hopperapi.StrategyDefault,
		Reasoning:  "fallback load balancer (" + strategy + ")",
	}, nil
}

func configString(cfg map[string]interface{}, key, def string) string {
	if cfg == nil {
		return def
	}
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func leastLoadedCandidate(ctx context.Context, tasks taskstore.Store, candidates []*hopperapi.Instance) (*hopperapi.Instance, bool) {
	var best *hopperapi.Instance
	bestLoad := -1
	for _, cand := range candidates {
		active, err := tasks.ByStatus(ctx, cand.ID, hopperapi.TaskClaimed, hopperapi.TaskInProgress)
		if err != nil {
			continue
		}
		load := len(active)
		switch {
		case best == nil, load < bestLoad, load == bestLoad && cand.ID < best.ID:
			best, bestLoad = cand, load
		}
	}
	return best, best != nil
}

// roundRobin picks the next candidate after source's last-delegated
// target, by lexicographic id order, wrapping to the first candidate when
// there is no recorded last target or it's no longer present.
func roundRobin(candidates []*hopperapi.Instance, source *hopperapi.Instance) *hopperapi.Instance {
	sorted := append([]*hopperapi.Instance(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	last, _ := source.Metadata["last_delegation_target"].(string)
	if last == "" {
		return sorted[0]
	}
	for i, c := range sorted {
		if c.ID == last {
			return sorted[(i+1)%len(sorted)]
		}
	}
	return sorted[0]
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
