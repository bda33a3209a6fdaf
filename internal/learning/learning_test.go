package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/feedback"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/memory"
	"github.com/hopper-run/hopper/internal/similarity"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func newTestEngine() *Engine {
	return New(
		memory.NewLocalStore(100, hoppercore.NoOpLogger{}),
		episodic.NewLocal(hoppercore.NoOpLogger{}),
		similarity.NewIndex(),
		consolidated.NewLocal(),
		feedback.NewLocal(),
		hoppercore.NoOpLogger{},
	)
}

func TestBuildContextCachesOnMiss(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	task := &hopperapi.Task{ID: "t1", Title: "fix outage", Tags: []string{"incident"}}

	rc, err := e.BuildContext(ctx, task, []string{"inst-a"})
	require.NoError(t, err)
	assert.Equal(t, "t1", rc.TaskID)

	cached, err := e.BuildContext(ctx, task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, cached.AvailableInstances)
}

func TestRecordRoutingThenRecordOutcomeUpdatesPatternConfidence(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	pattern := &hopperapi.RoutingPattern{
		Name:           "billing_to-inst-a",
		TargetInstance: "inst-a",
		Confidence:     0.5,
		TagCriteria:    &hopperapi.TagCriteria{Required: []string{"billing"}},
	}
	require.NoError(t, e.patterns.Create(ctx, pattern))

	task := &hopperapi.Task{ID: "t1", Title: "billing issue", Tags: []string{"billing"}}
	_, err := e.RecordRouting(ctx, task, "inst-a", 0.9, hopperapi.StrategyLearning, "matched pattern", &Suggestion{PatternID: pattern.ID})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordOutcome(ctx, "t1", true, time.Second, ""))
		// RecordOutcome mutates-once; re-seed a fresh episode per iteration
		// so the usage counter on the pattern advances.
		if i < 4 {
			_, err = e.RecordRouting(ctx, task, "inst-a", 0.9, hopperapi.StrategyLearning, "matched pattern", &Suggestion{PatternID: pattern.ID})
			require.NoError(t, err)
		}
	}

	updated, err := e.patterns.Get(ctx, pattern.ID)
	require.NoError(t, err)
	assert.True(t, updated.UsageCount >= 5)
}

func TestProcessFeedbackBackfillsMissingOutcome(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	task := &hopperapi.Task{ID: "t1", Title: "some task"}
	_, err := e.RecordRouting(ctx, task, "inst-a", 0.6, hopperapi.StrategyDefault, "fallback", nil)
	require.NoError(t, err)

	require.NoError(t, e.ProcessFeedback(ctx, &hopperapi.Feedback{TaskID: "t1", WasGoodMatch: true, QualityScore: 0.8}))

	episode, err := e.episodes.LatestForTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, episode.Outcome.Success)
	assert.True(t, *episode.Outcome.Success)
}
