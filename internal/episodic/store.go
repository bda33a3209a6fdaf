// Package episodic holds the RoutingEpisode store: an append-mostly record
// of routing decisions, mutated at most once (outcome recording) and
// subject to a retention sweep (spec §3).
package episodic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// DefaultRetention is the 90-day horizon spec §3 names for episode
// retention, grounded in episodic/store.py's cleanup_old_episodes default.
const DefaultRetention = 90 * 24 * time.Hour

// Store is the episodic persistence contract.
type Store interface {
	RecordEpisode(ctx context.Context, episode *hopperapi.RoutingEpisode) error
	RecordOutcome(ctx context.Context, taskID string, outcome hopperapi.Outcome) (*hopperapi.RoutingEpisode, error)
	Get(ctx context.Context, id string) (*hopperapi.RoutingEpisode, error)
	ForTask(ctx context.Context, taskID string) ([]*hopperapi.RoutingEpisode, error)
	LatestForTask(ctx context.Context, taskID string) (*hopperapi.RoutingEpisode, error)
	ForInstance(ctx context.Context, instanceID string, limit int) ([]*hopperapi.RoutingEpisode, error)
	Successful(ctx context.Context, since *time.Time, limit int) ([]*hopperapi.RoutingEpisode, error)
	Failed(ctx context.Context, since *time.Time, limit int) ([]*hopperapi.RoutingEpisode, error)
	Statistics(ctx context.Context, since *time.Time) (*Statistics, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// Statistics mirrors episodic/store.py's get_statistics.
type Statistics struct {
	Total          int
	Successful     int
	Failed         int
	Pending        int
	SuccessRate    float64
	AverageConfidence float64
}

// Local is the default in-memory Store.
type Local struct {
	mu       sync.RWMutex
	episodes map[string]*hopperapi.RoutingEpisode
	byTask   map[string][]string // taskID -> episode ids, insertion order
	log      hoppercore.Logger
}

func NewLocal(log hoppercore.Logger) *Local {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &Local{
		episodes: make(map[string]*hopperapi.RoutingEpisode),
		byTask:   make(map[string][]string),
		log:      log,
	}
}

// RecordEpisode assigns an "ep-" id (the prefix followed by the first 12
// characters of a hyphenated UUID string) when the caller hasn't set one.
func (s *Local) RecordEpisode(_ context.Context, episode *hopperapi.RoutingEpisode) error {
	if episode.ID == "" {
		episode.ID = "ep-" + uuid.NewString()[:12]
	}
	if episode.TaskID == "" {
		return hoppercore.Validation("episodic.RecordEpisode", "task_id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	episode.CreatedAt = time.Now()
	s.episodes[episode.ID] = episode
	s.byTask[episode.TaskID] = append(s.byTask[episode.TaskID], episode.ID)
	return nil
}

// RecordOutcome mutates the latest episode for a task exactly once (spec
// §3: "mutated at most once when outcome is recorded; never updated after
// that").
func (s *Local) RecordOutcome(_ context.Context, taskID string, outcome hopperapi.Outcome) (*hopperapi.RoutingEpisode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTask[taskID]
	if len(ids) == 0 {
		return nil, hoppercore.NotFound("episodic.RecordOutcome", "episode-for-task", taskID)
	}
	episode := s.episodes[ids[len(ids)-1]]
	if episode.Outcome.Success != nil {
		return nil, hoppercore.ConflictingUpdate("episodic.RecordOutcome", episode.ID)
	}
	episode.Outcome = outcome
	return episode, nil
}

func (s *Local) Get(_ context.Context, id string) (*hopperapi.RoutingEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, hoppercore.NotFound("episodic.Get", "episode", id)
	}
	return ep, nil
}

func (s *Local) ForTask(_ context.Context, taskID string) ([]*hopperapi.RoutingEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTask[taskID]
	out := make([]*hopperapi.RoutingEpisode, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.episodes[id])
	}
	return out, nil
}

func (s *Local) LatestForTask(ctx context.Context, taskID string) (*hopperapi.RoutingEpisode, error) {
	eps, err := s.ForTask(ctx, taskID)
	if err != nil || len(eps) == 0 {
		return nil, hoppercore.NotFound("episodic.LatestForTask", "episode-for-task", taskID)
	}
	return eps[len(eps)-1], nil
}

func (s *Local) ForInstance(_ context.Context, instanceID string, limit int) ([]*hopperapi.RoutingEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hopperapi.RoutingEpisode
	for _, ep := range s.episodes {
		if ep.ChosenInstance == instanceID {
			out = append(out, ep)
		}
	}
	sortByCreatedDesc(out)
	return capSlice(out, limit), nil
}

func (s *Local) Successful(ctx context.Context, since *time.Time, limit int) ([]*hopperapi.RoutingEpisode, error) {
	return s.filterByOutcome(ctx, since, limit, true)
}

func (s *Local) Failed(ctx context.Context, since *time.Time, limit int) ([]*hopperapi.RoutingEpisode, error) {
	return s.filterByOutcome(ctx, since, limit, false)
}

func (s *Local) filterByOutcome(_ context.Context, since *time.Time, limit int, success bool) ([]*hopperapi.RoutingEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hopperapi.RoutingEpisode
	for _, ep := range s.episodes {
		if ep.Outcome.Success == nil || *ep.Outcome.Success != success {
			continue
		}
		if since != nil && ep.CreatedAt.Before(*since) {
			continue
		}
		out = append(out, ep)
	}
	sortByCreatedDesc(out)
	return capSlice(out, limit), nil
}

func (s *Local) Statistics(_ context.Context, since *time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Statistics{}
	var confidenceSum float64
	for _, ep := range s.episodes {
		if since != nil && ep.CreatedAt.Before(*since) {
			continue
		}
		stats.Total++
		confidenceSum += ep.Confidence
		switch {
		case ep.Outcome.Success == nil:
			stats.Pending++
		case *ep.Outcome.Success:
			stats.Successful++
		default:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.Total)
	}
	completed := stats.Successful + stats.Failed
	if completed > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(completed)
	}
	return stats, nil
}

// Prune deletes episodes older than olderThan, returning the count
// removed (episodic/store.py's cleanup_old_episodes).
func (s *Local) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ep := range s.episodes {
		if ep.CreatedAt.Before(cutoff) {
			delete(s.episodes, id)
			removed++
		}
	}
	for taskID, ids := range s.byTask {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.episodes[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byTask, taskID)
		} else {
			s.byTask[taskID] = kept
		}
	}
	if removed > 0 {
		s.log.Info("pruned episodes", map[string]interface{}{"removed": removed, "cutoff": cutoff})
	}
	return removed, nil
}

func sortByCreatedDesc(eps []*hopperapi.RoutingEpisode) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].CreatedAt.After(eps[j].CreatedAt) })
}

func capSlice(eps []*hopperapi.RoutingEpisode, limit int) []*hopperapi.RoutingEpisode {
	if limit > 0 && len(eps) > limit {
		return eps[:limit]
	}
	return eps
}
