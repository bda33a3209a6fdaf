package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyword(t *testing.T, weight float64, keywords ...string) *KeywordRule {
	t.Helper()
	r, err := NewKeywordRule(Common{Name: "kw", Destination: "d", Weight: weight, Enabled: true}, keywords, nil, false, false)
	require.NoError(t, err)
	return r
}

func TestKeywordRuleScore(t *testing.T) {
	r := mustKeyword(t, 0.5, "urgent", "fire", "outage")
	task := Task{Title: "production fire drill", Description: "an outage occurred"}

	score, ok := r.Evaluate(task)
	require.True(t, ok)
	// 2 of 3 keywords matched ("fire", "outage"): min(1, 2/3) * 0.5
	assert.InDelta(t, (2.0/3.0)*0.5, score, 1e-9)
}

func TestKeywordRuleNoMatch(t *testing.T) {
	r := mustKeyword(t, 1, "database")
	_, ok := r.Evaluate(Task{Title: "frontend polish"})
	assert.False(t, ok)
}

func TestTagRuleRequiredGate(t *testing.T) {
	r := NewTagRule(Common{Name: "tag", Destination: "d", Weight: 1, Enabled: true}, []string{"billing"}, []string{"urgent", "vip"}, nil)

	_, ok := r.Evaluate(Task{Tags: []string{"support"}})
	assert.False(t, ok, "missing required tag must not match")

	score, ok := r.Evaluate(Task{Tags: []string{"billing", "urgent"}})
	require.True(t, ok)
	// 0.5 required + 0.3 * (1/2 optional matched)
	assert.InDelta(t, 0.5+0.3*0.5, score, 1e-9)
}

func TestPriorityRuleExactAndInterval(t *testing.T) {
	exact := NewPriorityRule(Common{Name: "p", Destination: "d", Weight: 1, Enabled: true}, []string{"high"}, "", "")
	score, ok := exact.Evaluate(Task{Priority: "high"})
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	_, ok = exact.Evaluate(Task{Priority: "medium"})
	assert.False(t, ok)

	interval := NewPriorityRule(Common{Name: "p2", Destination: "d", Weight: 1, Enabled: true}, nil, "critical", "high")
	score, ok = interval.Evaluate(Task{Priority: "high"})
	require.True(t, ok)
	assert.Equal(t, 0.8, score)
}

func TestPriorityRuleNonContiguousMembership(t *testing.T) {
	r := NewPriorityRule(Common{Name: "p3", Destination: "d", Weight: 1, Enabled: true}, []string{"critical", "low"}, "", "")

	score, ok := r.Evaluate(Task{Priority: "critical"})
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	score, ok = r.Evaluate(Task{Priority: "low"})
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	_, ok = r.Evaluate(Task{Priority: "medium"})
	assert.False(t, ok)
}

func TestCompositeAndRequiresAllChildren(t *testing.T) {
	kw := mustKeyword(t, 1, "billing")
	tag := NewTagRule(Common{Name: "tag", Destination: "d", Weight: 1, Enabled: true}, []string{"urgent"}, nil, nil)

	and, err := NewCompositeRule(Common{Name: "and", Destination: "d", Weight: 1, Enabled: true}, OpAnd, []Rule{kw, tag})
	require.NoError(t, err)

	_, ok := and.Evaluate(Task{Title: "billing issue", Tags: []string{"support"}})
	assert.False(t, ok, "tag child fails so AND must fail")

	score, ok := and.Evaluate(Task{Title: "billing issue", Tags: []string{"urgent"}})
	require.True(t, ok)
	assert.InDelta(t, (1.0+0.5)/2.0, score, 1e-9)
}

func TestCompositeOrTakesMaxChild(t *testing.T) {
	low := mustKeyword(t, 0.3, "minor")
	high := mustKeyword(t, 0.9, "critical")

	or, err := NewCompositeRule(Common{Name: "or", Destination: "d", Weight: 1, Enabled: true}, OpOr, []Rule{low, high})
	require.NoError(t, err)

	score, ok := or.Evaluate(Task{Title: "critical outage, minor cosmetic issue too"})
	require.True(t, ok)
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestCompositeNotRequiresExactlyOneChild(t *testing.T) {
	_, err := NewCompositeRule(Common{Name: "not", Destination: "d", Weight: 1}, OpNot, nil)
	assert.Error(t, err)

	kw := mustKeyword(t, 1, "spam")
	not, err := NewCompositeRule(Common{Name: "not", Destination: "d", Weight: 0.7, Enabled: true}, OpNot, []Rule{kw})
	require.NoError(t, err)

	score, ok := not.Evaluate(Task{Title: "legitimate request"})
	require.True(t, ok)
	assert.Equal(t, 0.7, score)

	_, ok = not.Evaluate(Task{Title: "spam request"})
	assert.False(t, ok)
}

func TestCompositeRejectsEmptyAndOr(t *testing.T) {
	_, err := NewCompositeRule(Common{Name: "and", Destination: "d", Weight: 1}, OpAnd, nil)
	assert.Error(t, err)
	_, err = NewCompositeRule(Common{Name: "or", Destination: "d", Weight: 1}, OpOr, nil)
	assert.Error(t, err)
}

func TestEngineOrdersByPriorityThenScore(t *testing.T) {
	lowPriHighScore := mustKeyword(t, 1, "urgent")
	lowPriHighScore.Priority = 1

	highPriLowScore, err := NewKeywordRule(Common{Name: "hp", Destination: "other", Weight: 0.2, Enabled: true, Priority: 10}, []string{"urgent"}, nil, false, false)
	require.NoError(t, err)

	engine := NewEngine([]Rule{lowPriHighScore, highPriLowScore})
	best, ok := engine.Best(Task{Title: "urgent request"})
	require.True(t, ok)
	assert.Equal(t, "other", best.Rule.Meta().Destination, "higher engine priority wins over higher score")
}

func TestRuleRoundTrip(t *testing.T) {
	original := DefaultRules()
	data, err := SaveRules(original)
	require.NoError(t, err)

	loaded, err := LoadRules(data)
	require.NoError(t, err)
	require.Len(t, loaded, len(original))

	reSaved, err := SaveRules(loaded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(reSaved))
}
