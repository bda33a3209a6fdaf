package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func successOutcome() hopperapi.Outcome {
	ok := true
	return hopperapi.Outcome{Success: &ok}
}

func seedEpisodes(t *testing.T, store episodic.Store, n int, target string) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ep := &hopperapi.RoutingEpisode{
			TaskID:         "task-" + target + "-" + time.Now().Add(time.Duration(i)*time.Second).Format("150405.000000000"),
			ChosenInstance: target,
			Confidence:     0.8,
			TaskSnapshot: hopperapi.TaskSnapshot{
				Title:    "billing outage investigation",
				Priority: hopperapi.PriorityHigh,
				Tags:     []string{"billing", "urgent"},
			},
			Outcome: successOutcome(),
		}
		require.NoError(t, store.RecordEpisode(ctx, ep))
	}
}

func TestConsolidateSkipsBucketsBelowMinEpisodes(t *testing.T) {
	eps := episodic.NewLocal(hoppercore.NoOpLogger{})
	seedEpisodes(t, eps, 2, "inst-a")
	patterns := consolidated.NewLocal()

	summary, err := Consolidate(context.Background(), eps, patterns, time.Time{}, 3, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CandidatesFound)
	assert.Equal(t, 0, summary.PatternsCreated)
}

func TestConsolidateCreatesPatternFromConsistentBucket(t *testing.T) {
	eps := episodic.NewLocal(hoppercore.NoOpLogger{})
	seedEpisodes(t, eps, 5, "inst-a")
	patterns := consolidated.NewLocal()

	summary, err := Consolidate(context.Background(), eps, patterns, time.Time{}, 3, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CandidatesFound)
	assert.Equal(t, 1, summary.PatternsCreated)
	require.Len(t, summary.CreatedPatternIDs, 1)

	p, err := patterns.Get(context.Background(), summary.CreatedPatternIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "inst-a", p.TargetInstance)
	require.NotNil(t, p.TagCriteria)
	assert.Contains(t, p.TagCriteria.Required, "billing")
	assert.Contains(t, p.TagCriteria.Required, "urgent")
	assert.Equal(t, hopperapi.PriorityHigh, p.PriorityCriteria)
	assert.True(t, p.Confidence > 0)
}

func TestConsolidateRefinesExistingPatternByName(t *testing.T) {
	eps := episodic.NewLocal(hoppercore.NoOpLogger{})
	seedEpisodes(t, eps, 5, "inst-a")
	patterns := consolidated.NewLocal()

	ctx := context.Background()
	_, err := Consolidate(ctx, eps, patterns, time.Time{}, 3, 0.1)
	require.NoError(t, err)

	all, err := patterns.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	firstID := all[0].ID

	// second run over the same episodes should refine, not duplicate
	summary, err := Consolidate(ctx, eps, patterns, time.Time{}, 3, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.PatternsCreated)

	all, err = patterns.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, firstID, all[0].ID)
}

func TestConfidenceFormulaClampsAtOne(t *testing.T) {
	required := []string{"a", "b", "c", "d", "e"}
	keywords := []string{"x", "y", "z", "w", "v"}
	c := confidence(required, keywords, 100)
	assert.Equal(t, 1.0, c)
}

func TestGenerateNameUsesFirstThreeRequiredTags(t *testing.T) {
	c := Candidate{
		TargetInstance:   "inst-a",
		TagCriteria:      &hopperapi.TagCriteria{Required: []string{"a", "b", "c", "d"}},
		PriorityCriteria: hopperapi.PriorityHigh,
	}
	assert.Equal(t, "a-b-c_high_to-inst-a", generateName(c))
}
