package consolidated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func TestMatchesTaskRequiredTagGate(t *testing.T) {
	p := &hopperapi.RoutingPattern{
		Confidence:  0.9,
		TagCriteria: &hopperapi.TagCriteria{Required: []string{"billing"}, Optional: []string{"urgent"}},
	}
	ok, _ := MatchesTask(p, []string{"support"}, "", "")
	assert.False(t, ok)

	ok, score := MatchesTask(p, []string{"billing", "urgent"}, "", "")
	require.True(t, ok)
	// one criterion, full optional match -> avg = 1.0 + 0.2*1 = 1.2, * confidence
	assert.InDelta(t, 1.2*0.9, score, 1e-9)
}

func TestMatchesTaskZeroCriteriaIsCatchall(t *testing.T) {
	p := &hopperapi.RoutingPattern{Confidence: 0.4}
	ok, score := MatchesTask(p, nil, "", "")
	assert.True(t, ok)
	assert.Equal(t, 0.4, score)
}

func TestMatchesTaskBelowThresholdFails(t *testing.T) {
	p := &hopperapi.RoutingPattern{
		Confidence:       0.9,
		PriorityCriteria: hopperapi.PriorityHigh,
		TextCriteria:     &hopperapi.TextCriteria{Keywords: []string{"outage", "incident", "urgent", "sev1"}},
	}
	// priority matches (1.0), keywords 0/4 match (0.0) -> avg = 0.5 exactly -> passes
	ok, _ := MatchesTask(p, nil, hopperapi.PriorityHigh, "nothing relevant here")
	assert.True(t, ok)

	// priority mismatches (0), keywords 0/4 -> avg 0 -> fails
	ok, _ = MatchesTask(p, nil, hopperapi.PriorityLow, "nothing relevant here")
	assert.False(t, ok)
}

func TestMatchesTaskUnsetPriorityNotGatedByPriorityCriterion(t *testing.T) {
	// A priority-only pattern against a task with no priority must not count
	// the priority criterion at all — it falls back to the zero-criteria
	// catchall, not a spurious 0.0 contribution that halves the average.
	p := &hopperapi.RoutingPattern{Confidence: 0.8, PriorityCriteria: hopperapi.PriorityHigh}
	ok, score := MatchesTask(p, nil, "", "")
	require.True(t, ok)
	assert.Equal(t, 0.8, score)

	// With another real criterion present, the priority-less task is scored
	// on that criterion alone, not dragged down by an ungated priority miss.
	p2 := &hopperapi.RoutingPattern{
		Confidence:       0.8,
		PriorityCriteria: hopperapi.PriorityHigh,
		TextCriteria:     &hopperapi.TextCriteria{Keywords: []string{"outage"}},
	}
	ok, score = MatchesTask(p2, nil, "", "an outage occurred")
	require.True(t, ok)
	assert.Equal(t, 1.0*0.8, score)
}

func TestRecordUsageNoChangeBelowFive(t *testing.T) {
	p := &hopperapi.RoutingPattern{Confidence: 0.5}
	for i := 0; i < 4; i++ {
		RecordUsage(p, true)
	}
	assert.Equal(t, 0.5, p.Confidence)
	assert.Equal(t, 4, p.UsageCount)
}

func TestRecordUsageEMAAtFiveUses(t *testing.T) {
	p := &hopperapi.RoutingPattern{Confidence: 0.5}
	for i := 0; i < 4; i++ {
		RecordUsage(p, true)
	}
	RecordUsage(p, false) // 5th use, 4 success / 5 total
	wantRate := 4.0 / 5.0
	want := 0.5*0.3 + wantRate*0.7
	assert.InDelta(t, want, p.Confidence, 1e-9)
}

func TestFindMatchingOrdersByScoreDescending(t *testing.T) {
	store := NewLocal()
	ctx := context.Background()

	low := &hopperapi.RoutingPattern{Name: "low", Confidence: 0.5, TargetInstance: "a", TagCriteria: &hopperapi.TagCriteria{Required: []string{"x"}}}
	high := &hopperapi.RoutingPattern{Name: "high", Confidence: 0.9, TargetInstance: "b", TagCriteria: &hopperapi.TagCriteria{Required: []string{"x"}}}
	require.NoError(t, store.Create(ctx, low))
	require.NoError(t, store.Create(ctx, high))

	matches, err := store.FindMatching(ctx, []string{"x"}, "", "", 0.4, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].Pattern.Name)
}
