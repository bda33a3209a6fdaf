// Package delegation implements the DelegationEngine: the five
// operations (delegate/accept/reject/complete/cancel), the delegation
// state machine, and completion bubbling (spec §4.5), grounded in
// delegation/engine.py's DelegationEngine.
package delegation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/instance"
	"github.com/hopper-run/hopper/internal/taskstore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// shardCount is the sharded-mutex table size: N shards keyed by task id
// hash instead of one global lock, to bound contention under concurrent
// delegation transitions.
const shardCount = 32

// Store is the delegation persistence contract.
type Store interface {
	Create(ctx context.Context, d *hopperapi.Delegation) error
	Get(ctx context.Context, id string) (*hopperapi.Delegation, error)
	Update(ctx context.Context, d *hopperapi.Delegation) error
	ForTask(ctx context.Context, taskID string) ([]*hopperapi.Delegation, error)
}

// Local is the default in-memory Store.
type Local struct {
	mu          sync.RWMutex
	delegations map[string]*hopperapi.Delegation
	byTask      map[string][]string // taskID -> delegation ids, insertion order
}

func NewLocal() *Local {
	return &Local{
		delegations: make(map[string]*hopperapi.Delegation),
		byTask:      make(map[string][]string),
	}
}

func (s *Local) Create(_ context.Context, d *hopperapi.Delegation) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegations[d.ID] = d
	s.byTask[d.TaskID] = append(s.byTask[d.TaskID], d.ID)
	return nil
}

func (s *Local) Get(_ context.Context, id string) (*hopperapi.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, hoppercore.NotFound("delegation.Get", "delegation", id)
	}
	return d, nil
}

func (s *Local) Update(_ context.Context, d *hopperapi.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; !ok {
		return hoppercore.NotFound("delegation.Update", "delegation", d.ID)
	}
	s.delegations[d.ID] = d
	return nil
}

func (s *Local) ForTask(_ context.Context, taskID string) ([]*hopperapi.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTask[taskID]
	out := make([]*hopperapi.Delegation, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.delegations[id])
	}
	return out, nil
}

// validTransitions is the delegation state machine's table (spec §4.5).
var validTransitions = map[hopperapi.DelegationStatus]map[hopperapi.DelegationStatus]bool{
	hopperapi.DelegationPending: {
		hopperapi.DelegationAccepted:  true,
		hopperapi.DelegationRejected:  true,
		hopperapi.DelegationCompleted: true,
		hopperapi.DelegationCancelled: true,
	},
	hopperapi.DelegationAccepted: {
		hopperapi.DelegationCompleted: true,
		hopperapi.DelegationCancelled: true,
	},
}

func canTransition(from, to hopperapi.DelegationStatus) bool {
	return validTransitions[from][to]
}

func isTerminal(status hopperapi.DelegationStatus) bool {
	return status == hopperapi.DelegationCompleted ||
		status == hopperapi.DelegationRejected ||
		status == hopperapi.DelegationCancelled
}

// Engine is the delegation decision surface, serializing per-task
// mutations on a sharded mutex table (spec §5).
type Engine struct {
	store     Store
	tasks     taskstore.Store
	log       hoppercore.Logger
	telemetry hoppercore.Telemetry
	shards    [shardCount]sync.Mutex
}

func New(store Store, tasks taskstore.Store, log hoppercore.Logger, telemetry hoppercore.Telemetry) *Engine {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = hoppercore.NoOpTelemetry{}
	}
	return &Engine{store: store, tasks: tasks, log: log, telemetry: telemetry}
}

func (e *Engine) shardFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &e.shards[h.Sum32()%shardCount]
}

func (e *Engine) withTaskLock(ctx context.Context, taskID string, fn func() error) error {
	lock := e.shardFor(taskID)
	lock.Lock()
	defer lock.Unlock()
	_, span := e.telemetry.StartSpan(ctx, "delegation.critical_section")
	span.SetAttribute("task.id", taskID)
	defer span.End()
	err := fn()
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Delegate creates a new pending delegation from task's current owning
// instance to target, moving task ownership to target immediately (spec
// §4.5). Requires target to be runnable, and any prior delegation for the
// task to already be terminal.
func (e *Engine) Delegate(ctx context.Context, task *hopperapi.Task, target *hopperapi.Instance) (*hopperapi.Delegation, error) {
	var created *hopperapi.Delegation
	err := e.withTaskLock(ctx, task.ID, func() error {
		if !instance.Runnable(target.Status) {
			return hoppercore.InvalidStateTransition("delegation.Delegate", "n/a", string(target.Status))
		}
		chain, err := e.store.ForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if len(chain) > 0 && !isTerminal(chain[len(chain)-1].Status) {
			return hoppercore.ActiveDelegationExists("delegation.Delegate", task.ID)
		}

		d := &hopperapi.Delegation{
			TaskID:           task.ID,
			SourceInstanceID: task.InstanceID,
			TargetInstanceID: target.ID,
			Type:             hopperapi.DelegationRoute,
			Status:           hopperapi.DelegationPending,
			DelegatedAt:      time.Now(),
		}
		if err := e.store.Create(ctx, d); err != nil {
			return err
		}
		task.InstanceID = target.ID
		if err := hoppercore.RetryConflict(ctx, func() error { return e.tasks.Update(ctx, task) }); err != nil {
			return err
		}
		created = d
		return nil
	})
	return created, err
}

// Accept transitions a pending delegation to accepted.
func (e *Engine) Accept(ctx context.Context, delegationID string) (*hopperapi.Delegation, error) {
	return e.transition(ctx, delegationID, hopperapi.DelegationAccepted, func(d *hopperapi.Delegation) {
		now := time.Now()
		d.AcceptedAt = &now
	})
}

// Reject transitions a pending delegation to rejected, recording reason
// and rolling ownership back to the delegation's source instance.
func (e *Engine) Reject(ctx context.Context, delegationID, reason string) (*hopperapi.Delegation, error) {
	var result *hopperapi.Delegation
	err := e.withTaskLock(ctx, delegationTaskID(ctx, e.store, delegationID), func() error {
		d, err := e.store.Get(ctx, delegationID)
		if err != nil {
			return err
		}
		if !canTransition(d.Status, hopperapi.DelegationRejected) {
			return hoppercore.InvalidStateTransition("delegation.Reject", string(d.Status), string(hopperapi.DelegationRejected))
		}
		d.Status = hopperapi.DelegationRejected
		d.RejectionReason = reason
		if err := e.store.Update(ctx, d); err != nil {
			return err
		}
		if err := e.rollback(ctx, d); err != nil {
			return err
		}
		result = d
		return nil
	})
	return result, err
}

// Complete transitions a pending or accepted delegation to completed,
// storing an optional result payload.
func (e *Engine) Complete(ctx context.Context, delegationID string, result map[string]interface{}) (*hopperapi.Delegation, error) {
	return e.transition(ctx, delegationID, hopperapi.DelegationCompleted, func(d *hopperapi.Delegation) {
		now := time.Now()
		d.CompletedAt = &now
		d.Result = result
	})
}

// Cancel transitions any non-terminal delegation to cancelled, rolling
// ownership back like Reject.
func (e *Engine) Cancel(ctx context.Context, delegationID string) (*hopperapi.Delegation, error) {
	var result *hopperapi.Delegation
	err := e.withTaskLock(ctx, delegationTaskID(ctx, e.store, delegationID), func() error {
		d, err := e.store.Get(ctx, delegationID)
		if err != nil {
			return err
		}
		if isTerminal(d.Status) {
			return hoppercore.InvalidStateTransition("delegation.Cancel", string(d.Status), string(hopperapi.DelegationCancelled))
		}
		d.Status = hopperapi.DelegationCancelled
		if err := e.store.Update(ctx, d); err != nil {
			return err
		}
		if err := e.rollback(ctx, d); err != nil {
			return err
		}
		result = d
		return nil
	})
	return result, err
}

// transition is the shared (pending|accepted) -> to path used by Accept
// and Complete, applying mutate after validating the edge.
func (e *Engine) transition(ctx context.Context, delegationID string, to hopperapi.DelegationStatus, mutate func(*hopperapi.Delegation)) (*hopperapi.Delegation, error) {
	var result *hopperapi.Delegation
	err := e.withTaskLock(ctx, delegationTaskID(ctx, e.store, delegationID), func() error {
		d, err := e.store.Get(ctx, delegationID)
		if err != nil {
			return err
		}
		if !canTransition(d.Status, to) {
			return hoppercore.InvalidStateTransition("delegation.transition", string(d.Status), string(to))
		}
		d.Status = to
		mutate(d)
		if err := e.store.Update(ctx, d); err != nil {
			return err
		}
		result = d
		return nil
	})
	return result, err
}

// rollback restores task ownership to the delegation's source instance,
// used by Reject and Cancel.
func (e *Engine) rollback(ctx context.Context, d *hopperapi.Delegation) error {
	return hoppercore.RetryConflict(ctx, func() error {
		task, err := e.tasks.Get(ctx, d.TaskID)
		if err != nil {
			return err
		}
		task.InstanceID = d.SourceInstanceID
		return e.tasks.Update(ctx, task)
	})
}

// delegationTaskID looks up the task id for a delegation outside the
// shard lock (best-effort; a missing delegation is re-reported by the
// locked Get call that follows), so the shard choice is stable per task.
func delegationTaskID(ctx context.Context, store Store, delegationID string) string {
	d, err := store.Get(ctx, delegationID)
	if err != nil {
		return delegationID
	}
	return d.TaskID
}

// GetChain returns every delegation recorded for task, oldest first.
func (e *Engine) GetChain(ctx context.Context, taskID string) ([]*hopperapi.Delegation, error) {
	return e.store.ForTask(ctx, taskID)
}

// GetActive returns the task's current non-terminal delegation, if any.
func (e *Engine) GetActive(ctx context.Context, taskID string) (*hopperapi.Delegation, bool, error) {
	chain, err := e.store.ForTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if len(chain) == 0 {
		return nil, false, nil
	}
	last := chain[len(chain)-1]
	if isTerminal(last.Status) {
		return nil, false, nil
	}
	return last, true, nil
}

// CompletionStatus classifies a task's delegation chain once the task
// itself has reached a terminal status, mirroring
// delegation/engine.py's get_completion_status.
type CompletionStatus string

const (
	CompletionDirect     CompletionStatus = "direct"     // never delegated
	CompletionDelegated  CompletionStatus = "delegated"   // completed via delegation chain
	CompletionAbandoned  CompletionStatus = "abandoned"   // rejected/cancelled with no resolution
)

// PropagateStatusChange implements completion bubbling (spec §4.5): when
// task reaches hopperapi.TaskDone, every still-active delegation in its
// chain (most-recent-first) transitions to completed, carrying result.
// Already-terminal delegations are skipped, making this idempotent.
func (e *Engine) PropagateStatusChange(ctx context.Context, task *hopperapi.Task, result map[string]interface{}) (CompletionStatus, error) {
	if task.Status != hopperapi.TaskDone {
		return "", nil
	}
	chain, err := e.store.ForTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return CompletionDirect, nil
	}

	bubbled := false
	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i]
		if isTerminal(d.Status) {
			continue
		}
		d.Status = hopperapi.DelegationCompleted
		now := time.Now()
		d.CompletedAt = &now
		d.Result = result
		if err := e.store.Update(ctx, d); err != nil {
			return "", err
		}
		bubbled = true
	}
	if bubbled {
		return CompletionDelegated, nil
	}
	return completionStatusFromChain(chain), nil
}

func completionStatusFromChain(chain []*hopperapi.Delegation) CompletionStatus {
	last := chain[len(chain)-1]
	switch last.Status {
	case hopperapi.DelegationCompleted:
		return CompletionDelegated
	case hopperapi.DelegationRejected, hopperapi.DelegationCancelled:
		return CompletionAbandoned
	default:
		return CompletionDelegated
	}
}
