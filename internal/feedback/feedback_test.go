package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func recordRoutedTask(t *testing.T, episodes episodic.Store, fbStore Store, taskID, instanceID string, goodMatch bool, quality float64) {
	ctx := context.Background()
	ok := true
	require.NoError(t, episodes.RecordEpisode(ctx, &hopperapi.RoutingEpisode{
		TaskID:         taskID,
		ChosenInstance: instanceID,
		Confidence:     0.75,
		TaskSnapshot:   hopperapi.TaskSnapshot{ID: taskID},
		Outcome:        hopperapi.Outcome{Success: &ok},
	}))
	require.NoError(t, fbStore.Record(ctx, &hopperapi.Feedback{
		TaskID:       taskID,
		WasGoodMatch: goodMatch,
		QualityScore: quality,
	}))
}

func TestGetFeedbackSummaryAggregates(t *testing.T) {
	store := NewLocal()
	episodes := episodic.NewLocal(hoppercore.NoOpLogger{})
	recordRoutedTask(t, episodes, store, "t1", "inst-a", true, 0.9)
	recordRoutedTask(t, episodes, store, "t2", "inst-a", false, 0.3)

	summary, err := GetFeedbackSummary(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.GoodMatches)
	assert.InDelta(t, 0.5, summary.GoodMatchRate, 1e-9)
	assert.InDelta(t, 0.6, summary.AverageQuality, 1e-9)
}

func TestProblematicRoutesRequiresMinSamples(t *testing.T) {
	store := NewLocal()
	episodes := episodic.NewLocal(hoppercore.NoOpLogger{})
	recordRoutedTask(t, episodes, store, "t1", "inst-bad", false, 0.2)

	ctx := context.Background()
	routes, err := ProblematicRoutes(ctx, store, episodes, 0.5, 2)
	require.NoError(t, err)
	assert.Empty(t, routes)

	routes, err = ProblematicRoutes(ctx, store, episodes, 0.5, 1)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "inst-bad", routes[0].InstanceID)
}

func TestConfidenceCalibrationBucketsByBand(t *testing.T) {
	ctx := context.Background()
	store := NewLocal()
	episodes := episodic.NewLocal(hoppercore.NoOpLogger{})
	ok := true
	require.NoError(t, episodes.RecordEpisode(ctx, &hopperapi.RoutingEpisode{
		TaskID: "t1", ChosenInstance: "inst-a", Confidence: 0.9,
		Outcome: hopperapi.Outcome{Success: &ok},
	}))
	require.NoError(t, store.Record(ctx, &hopperapi.Feedback{TaskID: "t1", WasGoodMatch: true, QualityScore: 1}))

	buckets, err := ConfidenceCalibration(ctx, store, episodes)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "high", buckets[0].Label)
	assert.Equal(t, 1.0, buckets[0].ObservedGoodRate)
}

func TestFeedbackTrendsBucketsByDay(t *testing.T) {
	store := NewLocal()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, &hopperapi.Feedback{TaskID: "t1", WasGoodMatch: true, QualityScore: 0.8}))

	trends, err := FeedbackTrends(ctx, store)
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), trends[0].Day)
}

func TestRecordOverwritesPriorFeedbackForSameTask(t *testing.T) {
	store := NewLocal()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, &hopperapi.Feedback{TaskID: "t1", QualityScore: 0.2}))
	require.NoError(t, store.Record(ctx, &hopperapi.Feedback{TaskID: "t1", QualityScore: 0.9}))

	fb, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, fb.QualityScore)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
