// Package instance holds the InstanceRegistry (the tree of routing/
// execution nodes) and the scope-dependent behaviors that decide whether a
// given instance handles a task itself or delegates it further down.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Store is the backend-agnostic contract the rest of the core depends on;
// Registry (in-memory) is the only implementation in this package.
type Store interface {
	Create(ctx context.Context, inst *hopperapi.Instance) error
	Get(ctx context.Context, id string) (*hopperapi.Instance, error)
	Update(ctx context.Context, inst *hopperapi.Instance) error
	Delete(ctx context.Context, id string) error

	ByScopeAndName(ctx context.Context, scope hopperapi.Scope, name string) (*hopperapi.Instance, error)
	Children(ctx context.Context, parentID string) ([]*hopperapi.Instance, error)
	ChildrenByScope(ctx context.Context, parentID string, scope hopperapi.Scope) ([]*hopperapi.Instance, error)
}

var scopeRank = map[hopperapi.Scope]int{
	hopperapi.ScopeGlobal:        0,
	hopperapi.ScopeProject:       1,
	hopperapi.ScopeOrchestration: 2,
}

// Registry is the default in-memory Store, guarded by a single RWMutex.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*hopperapi.Instance
	byParent  map[string][]string
	log       hoppercore.Logger
}

// NewRegistry builds an empty in-memory instance registry. log may be nil,
// in which case a NoOpLogger is used.
func NewRegistry(log hoppercore.Logger) *Registry {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &Registry{
		instances: make(map[string]*hopperapi.Instance),
		byParent:  make(map[string][]string),
		log:       log,
	}
}

func (r *Registry) Create(ctx context.Context, inst *hopperapi.Instance) error {
	if inst.ID == "" {
		return hoppercore.Validation("instance.Create", "id", "must not be empty")
	}
	if err := r.checkAcyclic(inst); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return hoppercore.ConflictingUpdate("instance.Create", inst.ID)
	}
	now := time.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	r.instances[inst.ID] = inst
	if inst.ParentID != "" {
		r.byParent[inst.ParentID] = append(r.byParent[inst.ParentID], inst.ID)
	}
	r.log.Debug("instance created", map[string]interface{}{"id": inst.ID, "scope": string(inst.Scope)})
	return nil
}

// checkAcyclic enforces that the parent chain of inst (once inserted) never
// revisits inst.ID, per spec §3's "parent-child relation is acyclic".
func (r *Registry) checkAcyclic(inst *hopperapi.Instance) error {
	if inst.ParentID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{inst.ID: true}
	cur := inst.ParentID
	for cur != "" {
		if seen[cur] {
			return hoppercore.Validation("instance.Create", "parent_id", "would create a cycle")
		}
		seen[cur] = true
		parent, ok := r.instances[cur]
		if !ok {
			break
		}
		cur = parent.ParentID
	}
	return nil
}

func (r *Registry) Get(_ context.Context, id string) (*hopperapi.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, hoppercore.NotFound("instance.Get", "instance", id)
	}
	return inst, nil
}

func (r *Registry) Update(_ context.Context, inst *hopperapi.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.ID]; !ok {
		return hoppercore.NotFound("instance.Update", "instance", inst.ID)
	}
	inst.UpdatedAt = time.Now()
	r.instances[inst.ID] = inst
	return nil
}

func (r *Registry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return hoppercore.NotFound("instance.Delete", "instance", id)
	}
	delete(r.instances, id)
	if inst.ParentID != "" {
		siblings := r.byParent[inst.ParentID]
		for i, sid := range siblings {
			if sid == id {
				r.byParent[inst.ParentID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (r *Registry) ByScopeAndName(_ context.Context, scope hopperapi.Scope, name string) (*hopperapi.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.Scope == scope && inst.Name == name {
			return inst, nil
		}
	}
	return nil, hoppercore.NotFound("instance.ByScopeAndName", "instance", string(scope)+":"+name)
}

func (r *Registry) Children(_ context.Context, parentID string) ([]*hopperapi.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byParent[parentID]
	out := make([]*hopperapi.Instance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := r.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *Registry) ChildrenByScope(ctx context.Context, parentID string, scope hopperapi.Scope) ([]*hopperapi.Instance, error) {
	children, err := r.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*hopperapi.Instance, 0, len(children))
	for _, c := range children {
		if c.Scope == scope {
			out = append(out, c)
		}
	}
	return out, nil
}

// Runnable reports whether status is one of the two statuses eligible to
// receive delegations (spec §3: "only instances in {running, created} may
// receive delegations").
func Runnable(status hopperapi.InstanceStatus) bool {
	return status == hopperapi.InstanceRunning || status == hopperapi.InstanceCreated
}

// CanDelegate is the standalone validity filter shared by the router and
// the delegation engine (spec §4.2, verbatim).
func CanDelegate(source, target *hopperapi.Instance) bool {
	if target.ID == source.ID {
		return false
	}
	if !Runnable(target.Status) {
		return false
	}
	if target.ParentID == source.ID {
		return true
	}
	if target.ParentID == source.ParentID {
		return true
	}
	return scopeRank[target.Scope] >= scopeRank[source.Scope]
}
