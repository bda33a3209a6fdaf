package episodic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func TestRecordEpisodeAssignsID(t *testing.T) {
	s := NewLocal(nil)
	ep := &hopperapi.RoutingEpisode{TaskID: "task-1", ChosenInstance: "inst-a", Strategy: hopperapi.StrategyRules}
	require.NoError(t, s.RecordEpisode(context.Background(), ep))
	assert.NotEmpty(t, ep.ID)
	assert.False(t, ep.CreatedAt.IsZero())
}

func TestRecordEpisodeRequiresTaskID(t *testing.T) {
	s := NewLocal(nil)
	err := s.RecordEpisode(context.Background(), &hopperapi.RoutingEpisode{})
	assert.Error(t, err)
}

func TestRecordOutcomeMutatesLatestOnce(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	ep := &hopperapi.RoutingEpisode{TaskID: "task-1", ChosenInstance: "inst-a"}
	require.NoError(t, s.RecordEpisode(ctx, ep))

	success := true
	updated, err := s.RecordOutcome(ctx, "task-1", hopperapi.Outcome{Success: &success})
	require.NoError(t, err)
	require.NotNil(t, updated.Outcome.Success)
	assert.True(t, *updated.Outcome.Success)

	_, err = s.RecordOutcome(ctx, "task-1", hopperapi.Outcome{Success: &success})
	assert.Error(t, err, "outcome must be recorded at most once")
}

func TestRecordOutcomeUnknownTaskNotFound(t *testing.T) {
	s := NewLocal(nil)
	success := true
	_, err := s.RecordOutcome(context.Background(), "missing", hopperapi.Outcome{Success: &success})
	assert.Error(t, err)
}

func TestForInstanceOrdersDescendingAndCaps(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ep := &hopperapi.RoutingEpisode{TaskID: "t", ChosenInstance: "inst-a"}
		require.NoError(t, s.RecordEpisode(ctx, ep))
		time.Sleep(time.Millisecond)
	}

	all, err := s.ForInstance(ctx, "inst-a", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 0; i < len(all)-1; i++ {
		assert.True(t, !all[i].CreatedAt.Before(all[i+1].CreatedAt))
	}

	capped, err := s.ForInstance(ctx, "inst-a", 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestStatisticsComputesSuccessRateAndAverageConfidence(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()

	ok, fail := true, false
	ep1 := &hopperapi.RoutingEpisode{TaskID: "t1", Confidence: 0.8}
	ep2 := &hopperapi.RoutingEpisode{TaskID: "t2", Confidence: 0.4}
	ep3 := &hopperapi.RoutingEpisode{TaskID: "t3", Confidence: 0.6}
	require.NoError(t, s.RecordEpisode(ctx, ep1))
	require.NoError(t, s.RecordEpisode(ctx, ep2))
	require.NoError(t, s.RecordEpisode(ctx, ep3))
	_, err := s.RecordOutcome(ctx, "t1", hopperapi.Outcome{Success: &ok})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, "t2", hopperapi.Outcome{Success: &fail})
	require.NoError(t, err)

	stats, err := s.Statistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.InDelta(t, (0.8+0.4+0.6)/3.0, stats.AverageConfidence, 1e-9)
}

func TestPruneRemovesOlderThanCutoff(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	ep := &hopperapi.RoutingEpisode{TaskID: "t1"}
	require.NoError(t, s.RecordEpisode(ctx, ep))
	ep.CreatedAt = time.Now().Add(-DefaultRetention - time.Hour)

	removed, err := s.Prune(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.ForTask(ctx, "t1")
	require.NoError(t, err)
	got, err := s.ForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
