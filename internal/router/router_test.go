package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/instance"
	"github.com/hopper-run/hopper/internal/rules"
	"github.com/hopper-run/hopper/internal/similarity"
	"github.com/hopper-run/hopper/internal/taskstore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func newTestRouter(t *testing.T) (*Router, *instance.Registry, taskstore.Store) {
	registry := instance.NewRegistry(hoppercore.NoOpLogger{})
	tasks := taskstore.NewLocal(hoppercore.NoOpLogger{})
	patterns := consolidated.NewLocal()
	episodes := episodic.NewLocal(hoppercore.NoOpLogger{})
	sim := similarity.NewIndex()
	engine := rules.NewEngine(nil)
	return New(registry, tasks, patterns, episodes, sim, engine, hoppercore.NoOpLogger{}, hoppercore.NoOpTelemetry{}), registry, tasks
}

func mustCreateInstance(t *testing.T, registry *instance.Registry, id string, scope hopperapi.Scope, parentID string) *hopperapi.Instance {
	inst := &hopperapi.Instance{ID: id, Name: id, Scope: scope, ParentID: parentID, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(context.Background(), inst))
	return inst
}

func TestRouteExplicitProjectMatch(t *testing.T) {
	r, registry, _ := newTestRouter(t)
	global := mustCreateInstance(t, registry, "global", hopperapi.ScopeGlobal, "")
	mustCreateInstance(t, registry, "proj-a", hopperapi.ScopeProject, "global")

	task := &hopperapi.Task{ID: "t1", Project: "proj-a"}
	result, err := r.Route(context.Background(), task, global)
	require.NoError(t, err)
	assert.Equal(t, "proj-a", result.Target)
	assert.Equal(t, hopperapi.StrategyExplicit, result.Strategy)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestRouteFallsBackToLeastLoaded(t *testing.T) {
	r, registry, tasks := newTestRouter(t)
	global := mustCreateInstance(t, registry, "global", hopperapi.ScopeGlobal, "")
	mustCreateInstance(t, registry, "proj-a", hopperapi.ScopeProject, "global")
	mustCreateInstance(t, registry, "proj-b", hopperapi.ScopeProject, "global")

	ctx := context.Background()
	require.NoError(t, tasks.Create(ctx, &hopperapi.Task{ID: "busy1", InstanceID: "proj-a", Status: hopperapi.TaskClaimed}))

	task := &hopperapi.Task{ID: "t1"}
	result, err := r.Route(ctx, task, global)
	require.NoError(t, err)
	assert.Equal(t, "proj-b", result.Target)
	assert.Equal(t, hopperapi.StrategyDefault, result.Strategy)
}

func TestRouteFallbackErrorsWithNoDelegableCandidates(t *testing.T) {
	r, registry, _ := newTestRouter(t)
	global := mustCreateInstance(t, registry, "global", hopperapi.ScopeGlobal, "")

	_, err := r.Route(context.Background(), &hopperapi.Task{ID: "t1"}, global)
	require.Error(t, err)
	assert.True(t, hoppercore.IsRoutingUnavailable(err))
}
