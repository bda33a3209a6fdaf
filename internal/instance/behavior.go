package instance

import (
	"context"
	"sort"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/taskstore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Action is what a scope behavior decided to do with an incoming task.
type Action string

const (
	ActionHandle   Action = "handle"
	ActionDelegate Action = "delegate"
	ActionQueue    Action = "queue"
	ActionReject   Action = "reject"
)

// Decision is the result of HandleIncoming.
type Decision struct {
	Action Action
	Target *hopperapi.Instance
	Reason string
}

// Behavior is the capability set every scope implements (spec §4.1):
// handle_incoming, should_delegate, find_delegation_target,
// on_task_completed, get_task_queue.
type Behavior interface {
	HandleIncoming(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (Decision, error)
	ShouldDelegate(task *hopperapi.Task, self *hopperapi.Instance) bool
	FindDelegationTarget(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (*hopperapi.Instance, bool, error)
	OnTaskCompleted(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) error
	GetTaskQueue(ctx context.Context, self *hopperapi.Instance) ([]*hopperapi.Task, error)
}

// baseBehavior holds the registry/task-store access and config helpers
// every scope shares, via embed-shared-fields-in-a-base-struct composition.
type baseBehavior struct {
	registry Store
	tasks    taskstore.Store
}

func (b *baseBehavior) queueByStatus(ctx context.Context, instID string) ([]*hopperapi.Task, error) {
	pending, err := b.tasks.ByStatus(ctx, instID, hopperapi.TaskPending, hopperapi.TaskClaimed, hopperapi.TaskInProgress)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := priorityRank(pending[i].Priority), priorityRank(pending[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func priorityRank(p hopperapi.TaskPriority) int {
	switch p {
	case hopperapi.PriorityUrgent:
		return 0
	case hopperapi.PriorityHigh:
		return 1
	case hopperapi.PriorityMedium:
		return 2
	default:
		return 3
	}
}

func configInt(cfg map[string]interface{}, key string, def int) int {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func configBool(cfg map[string]interface{}, key string, def bool) bool {
	if cfg == nil {
		return def
	}
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// leastLoaded picks the runnable candidate with fewest active (claimed +
// in_progress) tasks, breaking ties on lexicographic id for determinism.
func leastLoaded(ctx context.Context, tasks taskstore.Store, candidates []*hopperapi.Instance) (*hopperapi.Instance, bool) {
	var best *hopperapi.Instance
	bestLoad := -1
	for _, cand := range candidates {
		if !Runnable(cand.Status) {
			continue
		}
		active, err := tasks.ByStatus(ctx, cand.ID, hopperapi.TaskClaimed, hopperapi.TaskInProgress)
		if err != nil {
			continue
		}
		load := len(active)
		switch {
		case best == nil, load < bestLoad, load == bestLoad && cand.ID < best.ID:
			best, bestLoad = cand, load
		}
	}
	return best, best != nil
}

// ---- global ----

type globalBehavior struct{ baseBehavior }

func (g *globalBehavior) HandleIncoming(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (Decision, error) {
	target, ok, err := g.FindDelegationTarget(ctx, task, self)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Action: ActionReject, Reason: "no project"}, nil
	}
	return Decision{Action: ActionDelegate, Target: target}, nil
}

func (g *globalBehavior) ShouldDelegate(*hopperapi.Task, *hopperapi.Instance) bool { return true }

func (g *globalBehavior) FindDelegationTarget(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (*hopperapi.Instance, bool, error) {
	children, err := g.registry.ChildrenByScope(ctx, self.ID, hopperapi.ScopeProject)
	if err != nil {
		return nil, false, err
	}
	if task.Project != "" {
		for _, c := range children {
			if c.Name == task.Project && Runnable(c.Status) {
				return c, true, nil
			}
		}
	}
	return leastLoaded(ctx, g.tasks, children)
}

func (g *globalBehavior) OnTaskCompleted(context.Context, *hopperapi.Task, *hopperapi.Instance) error {
	return nil
}

func (g *globalBehavior) GetTaskQueue(ctx context.Context, self *hopperapi.Instance) ([]*hopperapi.Task, error) {
	return g.queueByStatus(ctx, self.ID)
}

// ---- project ----

type projectBehavior struct{ baseBehavior }

func (p *projectBehavior) HandleIncoming(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (Decision, error) {
	if !p.ShouldDelegate(task, self) {
		return Decision{Action: ActionHandle}, nil
	}
	target, ok, err := p.FindDelegationTarget(ctx, task, self)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Action: ActionHandle, Reason: "no orchestration available"}, nil
	}
	return Decision{Action: ActionDelegate, Target: target}, nil
}

func (p *projectBehavior) ShouldDelegate(task *hopperapi.Task, self *hopperapi.Instance) bool {
	if !configBool(self.Configuration, "auto_delegate", true) {
		return false
	}
	threshold := configInt(self.Configuration, "orchestration_threshold", 3)
	return EstimateComplexity(task) > threshold
}

func (p *projectBehavior) FindDelegationTarget(ctx context.Context, _ *hopperapi.Task, self *hopperapi.Instance) (*hopperapi.Instance, bool, error) {
	children, err := p.registry.ChildrenByScope(ctx, self.ID, hopperapi.ScopeOrchestration)
	if err != nil {
		return nil, false, err
	}
	if len(children) == 0 {
		return nil, false, nil
	}
	if !configBool(self.Configuration, "auto_create_orchestrations", true) {
		// auto-create is host/adapter territory; the core only refuses to
		// fabricate an instance, matching "handles directly" fallback.
	}
	return leastLoaded(ctx, p.tasks, children)
}

func (p *projectBehavior) OnTaskCompleted(context.Context, *hopperapi.Task, *hopperapi.Instance) error {
	return nil
}

func (p *projectBehavior) GetTaskQueue(ctx context.Context, self *hopperapi.Instance) ([]*hopperapi.Task, error) {
	return p.queueByStatus(ctx, self.ID)
}

// ProjectStats is the read-only rollup from project_scope.py's
// get_project_stats (SPEC_FULL.md §5): task counts by status, child
// orchestration count, completed-task total.
type ProjectStats struct {
	TaskCounts           map[hopperapi.TaskStatus]int
	OrchestrationChildren int
	CompletedTasks       int
}

// ProjectStatsFor computes ProjectStats for a project-scope instance.
func ProjectStatsFor(ctx context.Context, registry Store, tasks taskstore.Store, self *hopperapi.Instance) (*ProjectStats, error) {
	all, err := tasks.ByInstance(ctx, self.ID)
	if err != nil {
		return nil, err
	}
	stats := &ProjectStats{TaskCounts: make(map[hopperapi.TaskStatus]int)}
	for _, t := range all {
		stats.TaskCounts[t.Status]++
		if t.Status == hopperapi.TaskDone {
			stats.CompletedTasks++
		}
	}
	children, err := registry.ChildrenByScope(ctx, self.ID, hopperapi.ScopeOrchestration)
	if err != nil {
		return nil, err
	}
	stats.OrchestrationChildren = len(children)
	return stats, nil
}

// ---- orchestration ----

type OrchestrationBehavior struct{ baseBehavior }

func (o *OrchestrationBehavior) HandleIncoming(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (Decision, error) {
	if !o.ShouldAcceptTask(ctx, self) {
		return Decision{Action: ActionReject, Reason: "at capacity"}, nil
	}
	return Decision{Action: ActionQueue}, nil
}

func (o *OrchestrationBehavior) ShouldDelegate(*hopperapi.Task, *hopperapi.Instance) bool { return false }

func (o *OrchestrationBehavior) FindDelegationTarget(context.Context, *hopperapi.Task, *hopperapi.Instance) (*hopperapi.Instance, bool, error) {
	return nil, false, nil
}

func (o *OrchestrationBehavior) OnTaskCompleted(context.Context, *hopperapi.Task, *hopperapi.Instance) error {
	return nil
}

func (o *OrchestrationBehavior) GetTaskQueue(ctx context.Context, self *hopperapi.Instance) ([]*hopperapi.Task, error) {
	return o.queueByStatus(ctx, self.ID)
}

// ShouldAcceptTask reports whether active (claimed+in_progress) load is
// below max_concurrent_tasks (default unlimited when unset -> 0 means no
// cap recorded yet, treated as unlimited per host-supplied configuration).
func (o *OrchestrationBehavior) ShouldAcceptTask(ctx context.Context, self *hopperapi.Instance) bool {
	maxConcurrent := configInt(self.Configuration, "max_concurrent_tasks", 0)
	if maxConcurrent <= 0 {
		return true
	}
	active, err := o.tasks.ByStatus(ctx, self.ID, hopperapi.TaskClaimed, hopperapi.TaskInProgress)
	if err != nil {
		return false
	}
	return len(active) < maxConcurrent
}

// QueueStats is the orchestration queue-introspection surface of
// orchestration_scope.py (SPEC_FULL.md §5).
type QueueStats struct {
	Pending       int
	Claimed       int
	InProgress    int
	Done          int
	Total         int
	Active        int
	MaxConcurrent int
	CapacityUsed  float64
}

func (o *OrchestrationBehavior) QueueStats(ctx context.Context, self *hopperapi.Instance) (*QueueStats, error) {
	all, err := o.tasks.ByInstance(ctx, self.ID)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{MaxConcurrent: configInt(self.Configuration, "max_concurrent_tasks", 0)}
	for _, t := range all {
		stats.Total++
		switch t.Status {
		case hopperapi.TaskPending:
			stats.Pending++
		case hopperapi.TaskClaimed:
			stats.Claimed++
		case hopperapi.TaskInProgress:
			stats.InProgress++
		case hopperapi.TaskDone:
			stats.Done++
		}
	}
	stats.Active = stats.Claimed + stats.InProgress
	if stats.MaxConcurrent > 0 {
		stats.CapacityUsed = float64(stats.Active) / float64(stats.MaxConcurrent)
	}
	return stats, nil
}

// NextTask returns the head of the priority-then-FIFO queue without
// claiming it.
func (o *OrchestrationBehavior) NextTask(ctx context.Context, self *hopperapi.Instance) (*hopperapi.Task, bool, error) {
	queue, err := o.queueByStatus(ctx, self.ID)
	if err != nil {
		return nil, false, err
	}
	for _, t := range queue {
		if t.Status == hopperapi.TaskPending {
			return t, true, nil
		}
	}
	return nil, false, nil
}

// ClaimTask transitions a pending task to claimed. workerID is stored as the
// task's InstanceID only when the task has no owning instance yet.
func (o *OrchestrationBehavior) ClaimTask(ctx context.Context, task *hopperapi.Task, workerID string) error {
	if task.Status != hopperapi.TaskPending {
		return hoppercore.InvalidStateTransition("instance.ClaimTask", string(task.Status), string(hopperapi.TaskClaimed))
	}
	task.Status = hopperapi.TaskClaimed
	if task.InstanceID == "" {
		task.InstanceID = workerID
	}
	return o.tasks.Update(ctx, task)
}

// ---- personal / family / event: inherit project, never delegate ----

type nonDelegatingBehavior struct{ projectBehavior }

func (n *nonDelegatingBehavior) ShouldDelegate(*hopperapi.Task, *hopperapi.Instance) bool { return false }

func (n *nonDelegatingBehavior) HandleIncoming(ctx context.Context, task *hopperapi.Task, self *hopperapi.Instance) (Decision, error) {
	return Decision{Action: ActionHandle}, nil
}

// ---- federated: inherits global ----

type federatedBehavior struct{ globalBehavior }

// BehaviorFor is the single-dispatch switch selecting a scope's behavior
// object (Design Note §9), mirroring factory.py's _SCOPE_BEHAVIORS map:
// personal/family/event inherit project (should_delegate forced false),
// federated inherits global.
func BehaviorFor(scope hopperapi.Scope, registry Store, tasks taskstore.Store) Behavior {
	base := baseBehavior{registry: registry, tasks: tasks}
	switch scope {
	case hopperapi.ScopeGlobal:
		return &globalBehavior{base}
	case hopperapi.ScopeProject:
		return &projectBehavior{base}
	case hopperapi.ScopeOrchestration:
		return &OrchestrationBehavior{base}
	case hopperapi.ScopePersonal, hopperapi.ScopeFamily, hopperapi.ScopeEvent:
		return &nonDelegatingBehavior{projectBehavior{base}}
	case hopperapi.ScopeFederated:
		return &federatedBehavior{globalBehavior{base}}
	default:
		return &projectBehavior{base}
	}
}
