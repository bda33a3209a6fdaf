package instance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/internal/taskstore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func TestOrchestrationQueueOrdersByPriorityThenFIFO(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	orch := &hopperapi.Instance{ID: "orch-1", Scope: hopperapi.ScopeOrchestration, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, orch))

	low := &hopperapi.Task{ID: "low", InstanceID: "orch-1", Priority: hopperapi.PriorityLow}
	require.NoError(t, tasks.Create(ctx, low))
	urgent := &hopperapi.Task{ID: "urgent", InstanceID: "orch-1", Priority: hopperapi.PriorityUrgent}
	require.NoError(t, tasks.Create(ctx, urgent))
	medium := &hopperapi.Task{ID: "medium", InstanceID: "orch-1", Priority: hopperapi.PriorityMedium}
	require.NoError(t, tasks.Create(ctx, medium))

	behavior := BehaviorFor(hopperapi.ScopeOrchestration, registry, tasks).(*OrchestrationBehavior)
	queue, err := behavior.GetTaskQueue(ctx, orch)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "urgent", queue[0].ID)
	assert.Equal(t, "medium", queue[1].ID)
	assert.Equal(t, "low", queue[2].ID)
}

func TestOrchestrationHandleIncomingQueuesUnderCapacity(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	orch := &hopperapi.Instance{
		ID: "orch-1", Scope: hopperapi.ScopeOrchestration, Status: hopperapi.InstanceRunning,
		Configuration: map[string]interface{}{"max_concurrent_tasks": 1},
	}
	require.NoError(t, registry.Create(ctx, orch))

	behavior := BehaviorFor(hopperapi.ScopeOrchestration, registry, tasks)
	task := &hopperapi.Task{ID: "t1", InstanceID: "orch-1"}
	require.NoError(t, tasks.Create(ctx, task))

	decision, err := behavior.HandleIncoming(ctx, task, orch)
	require.NoError(t, err)
	assert.Equal(t, ActionQueue, decision.Action)
}

func TestOrchestrationRejectsAtCapacity(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	orch := &hopperapi.Instance{
		ID: "orch-1", Scope: hopperapi.ScopeOrchestration, Status: hopperapi.InstanceRunning,
		Configuration: map[string]interface{}{"max_concurrent_tasks": 1},
	}
	require.NoError(t, registry.Create(ctx, orch))

	active := &hopperapi.Task{ID: "active", InstanceID: "orch-1"}
	require.NoError(t, tasks.Create(ctx, active))
	active.Status = hopperapi.TaskClaimed
	require.NoError(t, tasks.Update(ctx, active))

	incoming := &hopperapi.Task{ID: "incoming", InstanceID: "orch-1"}
	require.NoError(t, tasks.Create(ctx, incoming))

	behavior := BehaviorFor(hopperapi.ScopeOrchestration, registry, tasks)
	decision, err := behavior.HandleIncoming(ctx, incoming, orch)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, decision.Action)
}

func TestClaimTaskTransitionsPendingToClaimed(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	orch := &hopperapi.Instance{ID: "orch-1", Scope: hopperapi.ScopeOrchestration, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, orch))
	task := &hopperapi.Task{ID: "t1", InstanceID: "orch-1"}
	require.NoError(t, tasks.Create(ctx, task))

	behavior := BehaviorFor(hopperapi.ScopeOrchestration, registry, tasks).(*OrchestrationBehavior)
	require.NoError(t, behavior.ClaimTask(ctx, task, "worker-1"))
	assert.Equal(t, hopperapi.TaskClaimed, task.Status)

	err := behavior.ClaimTask(ctx, task, "worker-1")
	assert.Error(t, err, "a claimed task cannot be claimed again")
}

func TestNextTaskReturnsHeadOfPendingQueue(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	orch := &hopperapi.Instance{ID: "orch-1", Scope: hopperapi.ScopeOrchestration, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, orch))

	low := &hopperapi.Task{ID: "low", InstanceID: "orch-1", Priority: hopperapi.PriorityLow}
	require.NoError(t, tasks.Create(ctx, low))
	urgent := &hopperapi.Task{ID: "urgent", InstanceID: "orch-1", Priority: hopperapi.PriorityUrgent}
	require.NoError(t, tasks.Create(ctx, urgent))

	behavior := BehaviorFor(hopperapi.ScopeOrchestration, registry, tasks).(*OrchestrationBehavior)
	next, ok, err := behavior.NextTask(ctx, orch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "urgent", next.ID)
}

func TestGlobalHandleIncomingDelegatesToMatchingProject(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	global := &hopperapi.Instance{ID: "global", Scope: hopperapi.ScopeGlobal, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, global))
	hopper := &hopperapi.Instance{ID: "proj-hopper", Scope: hopperapi.ScopeProject, Name: "hopper", ParentID: "global", Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, hopper))
	other := &hopperapi.Instance{ID: "proj-other", Scope: hopperapi.ScopeProject, Name: "other", ParentID: "global", Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, other))

	behavior := BehaviorFor(hopperapi.ScopeGlobal, registry, tasks)
	task := &hopperapi.Task{ID: "t1", Project: "hopper"}
	decision, err := behavior.HandleIncoming(ctx, task, global)
	require.NoError(t, err)
	assert.Equal(t, ActionDelegate, decision.Action)
	assert.Equal(t, "proj-hopper", decision.Target.ID)
}

func TestGlobalHandleIncomingRejectsWithNoProjects(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()
	global := &hopperapi.Instance{ID: "global", Scope: hopperapi.ScopeGlobal, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, global))

	behavior := BehaviorFor(hopperapi.ScopeGlobal, registry, tasks)
	decision, err := behavior.HandleIncoming(ctx, &hopperapi.Task{ID: "t1"}, global)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, decision.Action)
}

func TestProjectDelegatesOnlyAboveComplexityThreshold(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()

	proj := &hopperapi.Instance{ID: "proj-1", Scope: hopperapi.ScopeProject, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, proj))
	orch := &hopperapi.Instance{ID: "orch-1", Scope: hopperapi.ScopeOrchestration, ParentID: "proj-1", Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, orch))

	behavior := BehaviorFor(hopperapi.ScopeProject, registry, tasks)
	simple := &hopperapi.Task{ID: "t1", Title: "small fix"}
	decision, err := behavior.HandleIncoming(ctx, simple, proj)
	require.NoError(t, err)
	assert.Equal(t, ActionHandle, decision.Action, "low-complexity tasks are handled directly")

	complex := &hopperapi.Task{
		ID: "t2", Description: string(make([]byte, 600)), Tags: []string{"a", "b", "c", "d"},
		DependsOn: []string{"x"}, Priority: hopperapi.PriorityUrgent,
	}
	decision, err = behavior.HandleIncoming(ctx, complex, proj)
	require.NoError(t, err)
	assert.Equal(t, ActionDelegate, decision.Action)
	assert.Equal(t, "orch-1", decision.Target.ID)
}

func TestNonDelegatingScopesAlwaysHandle(t *testing.T) {
	registry := NewRegistry(nil)
	tasks := taskstore.NewLocal(nil)
	ctx := context.Background()
	personal := &hopperapi.Instance{ID: "pers-1", Scope: hopperapi.ScopePersonal, Status: hopperapi.InstanceRunning}
	require.NoError(t, registry.Create(ctx, personal))

	behavior := BehaviorFor(hopperapi.ScopePersonal, registry, tasks)
	assert.False(t, behavior.ShouldDelegate(&hopperapi.Task{}, personal))

	decision, err := behavior.HandleIncoming(ctx, &hopperapi.Task{ID: "t1"}, personal)
	require.NoError(t, err)
	assert.Equal(t, ActionHandle, decision.Action)
}
