package taskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopper-run/hopper/pkg/hopperapi"
)

func TestCreateDefaultsStatusToPending(t *testing.T) {
	s := NewLocal(nil)
	task := &hopperapi.Task{ID: "t1", Title: "do the thing"}
	require.NoError(t, s.Create(context.Background(), task))
	assert.Equal(t, hopperapi.TaskPending, task.Status)

	got, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, hopperapi.TaskPending, got.Status)
}

func TestCreatePreservesExplicitStatus(t *testing.T) {
	s := NewLocal(nil)
	task := &hopperapi.Task{ID: "t2", Title: "blocked from the start", Status: hopperapi.TaskBlocked}
	require.NoError(t, s.Create(context.Background(), task))
	assert.Equal(t, hopperapi.TaskBlocked, task.Status)
}

func TestCreateRequiresID(t *testing.T) {
	s := NewLocal(nil)
	err := s.Create(context.Background(), &hopperapi.Task{Title: "no id"})
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &hopperapi.Task{ID: "dup"}))
	err := s.Create(ctx, &hopperapi.Task{ID: "dup"})
	assert.Error(t, err)
}

func TestByStatusFiltersPendingClaimedInProgress(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()

	pending := &hopperapi.Task{ID: "p1", InstanceID: "inst-a"}
	require.NoError(t, s.Create(ctx, pending))

	claimed := &hopperapi.Task{ID: "p2", InstanceID: "inst-a"}
	require.NoError(t, s.Create(ctx, claimed))
	claimed.Status = hopperapi.TaskClaimed
	require.NoError(t, s.Update(ctx, claimed))

	done := &hopperapi.Task{ID: "p3", InstanceID: "inst-a"}
	require.NoError(t, s.Create(ctx, done))
	done.Status = hopperapi.TaskClaimed
	require.NoError(t, s.Update(ctx, done))
	done.Status = hopperapi.TaskInProgress
	require.NoError(t, s.Update(ctx, done))
	done.Status = hopperapi.TaskDone
	require.NoError(t, s.Update(ctx, done))

	queue, err := s.ByStatus(ctx, "inst-a", hopperapi.TaskPending, hopperapi.TaskClaimed, hopperapi.TaskInProgress)
	require.NoError(t, err)
	ids := make(map[string]bool, len(queue))
	for _, t := range queue {
		ids[t.ID] = true
	}
	assert.True(t, ids["p1"])
	assert.True(t, ids["p2"])
	assert.False(t, ids["p3"], "done tasks must not appear in the active queue")
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	task := &hopperapi.Task{ID: "t4"}
	require.NoError(t, s.Create(ctx, task))

	task.Status = hopperapi.TaskDone
	err := s.Update(ctx, task)
	assert.Error(t, err, "pending cannot jump straight to done")
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(hopperapi.TaskPending, hopperapi.TaskClaimed))
	assert.True(t, CanTransition(hopperapi.TaskClaimed, hopperapi.TaskInProgress))
	assert.True(t, CanTransition(hopperapi.TaskInProgress, hopperapi.TaskDone))
	assert.False(t, CanTransition(hopperapi.TaskPending, hopperapi.TaskDone))
	assert.False(t, CanTransition(hopperapi.TaskDone, hopperapi.TaskPending))
	assert.True(t, CanTransition(hopperapi.TaskPending, hopperapi.TaskPending), "same-state is always a legal no-op")
}

func TestByInstanceOrdersByCreatedAt(t *testing.T) {
	s := NewLocal(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &hopperapi.Task{ID: "a", InstanceID: "inst-b"}))
	require.NoError(t, s.Create(ctx, &hopperapi.Task{ID: "b", InstanceID: "inst-b"}))

	tasks, err := s.ByInstance(ctx, "inst-b")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.True(t, !tasks[0].CreatedAt.After(tasks[1].CreatedAt))
}
