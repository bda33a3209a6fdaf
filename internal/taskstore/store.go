// Package taskstore is the persistence primitive for Task records —
// creation, status transitions and instance-scoped queries — kept separate
// from the routing/delegation decision logic that consumes it.
package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Store is the contract the rest of the core depends on for task
// persistence; Local is the in-memory implementation, Redis backs
// multi-process deployments (spec §6: task persistence is a collaborator,
// not core decision logic).
type Store interface {
	Create(ctx context.Context, task *hopperapi.Task) error
	Get(ctx context.Context, id string) (*hopperapi.Task, error)
	Update(ctx context.Context, task *hopperapi.Task) error
	ByInstance(ctx context.Context, instanceID string) ([]*hopperapi.Task, error)
	ByStatus(ctx context.Context, instanceID string, statuses ...hopperapi.TaskStatus) ([]*hopperapi.Task, error)
}

// validTransitions is the task state machine's table-driven move set,
// the same from -> allowed-to-set table used for delegations
// (spec §4.5), generalized to tasks (spec §3's own implicit lifecycle:
// created -> pending -> claimed -> in_progress -> done/cancelled, with a
// blocked side-state reachable from pending/claimed/in_progress).
var validTransitions = map[hopperapi.TaskStatus]map[hopperapi.TaskStatus]bool{
	hopperapi.TaskCreated: {
		hopperapi.TaskPending:   true,
		hopperapi.TaskCancelled: true,
	},
	hopperapi.TaskPending: {
		hopperapi.TaskClaimed:   true,
		hopperapi.TaskBlocked:   true,
		hopperapi.TaskCancelled: true,
	},
	hopperapi.TaskClaimed: {
		hopperapi.TaskInProgress: true,
		hopperapi.TaskPending:    true, // re-queued
		hopperapi.TaskBlocked:    true,
		hopperapi.TaskCancelled:  true,
	},
	hopperapi.TaskInProgress: {
		hopperapi.TaskDone:      true,
		hopperapi.TaskBlocked:   true,
		hopperapi.TaskCancelled: true,
	},
	hopperapi.TaskBlocked: {
		hopperapi.TaskPending:   true,
		hopperapi.TaskCancelled: true,
	},
}

// CanTransition reports whether moving a task from `from` to `to` is a
// legal state-machine edge.
func CanTransition(from, to hopperapi.TaskStatus) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// Local is the default in-memory Store, guarded by a single RWMutex.
type Local struct {
	mu    sync.RWMutex
	tasks map[string]*hopperapi.Task
	log   hoppercore.Logger
}

func NewLocal(log hoppercore.Logger) *Local {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &Local{tasks: make(map[string]*hopperapi.Task), log: log}
}

func (s *Local) Create(_ context.Context, task *hopperapi.Task) error {
	if task.ID == "" {
		return hoppercore.Validation("taskstore.Create", "id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return hoppercore.ConflictingUpdate("taskstore.Create", task.ID)
	}
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.Status == "" {
		task.Status = hopperapi.TaskPending
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *Local) Get(_ context.Context, id string) (*hopperapi.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, hoppercore.NotFound("taskstore.Get", "task", id)
	}
	return task, nil
}

// Update replaces the stored task, enforcing that any status change is a
// legal state-machine edge.
func (s *Local) Update(_ context.Context, task *hopperapi.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return hoppercore.NotFound("taskstore.Update", "task", task.ID)
	}
	if !CanTransition(existing.Status, task.Status) {
		return hoppercore.InvalidStateTransition("taskstore.Update", string(existing.Status), string(task.Status))
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = task
	return nil
}

func (s *Local) ByInstance(_ context.Context, instanceID string) ([]*hopperapi.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hopperapi.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Local) ByStatus(_ context.Context, instanceID string, statuses ...hopperapi.TaskStatus) ([]*hopperapi.Task, error) {
	want := make(map[hopperapi.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*hopperapi.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && want[t.Status] {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func sortByCreatedAt(tasks []*hopperapi.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
