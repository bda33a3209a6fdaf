package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Redis is a namespaced-key Store backend, grounded in
// core.RedisRegistry's namespace+JSON idiom: one key per task plus a
// per-instance index set for ByInstance/ByStatus queries.
type Redis struct {
	client    *redis.Client
	namespace string
	log       hoppercore.Logger
}

// NewRedis builds a Redis-backed Store. namespace defaults to "hopper" when
// empty.
func NewRedis(client *redis.Client, namespace string, log hoppercore.Logger) *Redis {
	if namespace == "" {
		namespace = "hopper"
	}
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &Redis{client: client, namespace: namespace, log: log}
}

func (r *Redis) taskKey(id string) string {
	return fmt.Sprintf("%s:tasks:%s", r.namespace, id)
}

func (r *Redis) instanceIndexKey(instanceID string) string {
	return fmt.Sprintf("%s:tasks:by-instance:%s", r.namespace, instanceID)
}

// Create is wrapped in the shared ConflictingUpdate retry (spec §7): two
// instances racing to register the same task id both see Exists fail or
// return false-negative under Redis failover, so the check-then-set is
// retried a small, bounded number of times before the caller sees a
// conflict.
func (r *Redis) Create(ctx context.Context, task *hopperapi.Task) error {
	if task.ID == "" {
		return hoppercore.Validation("taskstore.Create", "id", "must not be empty")
	}
	return hoppercore.RetryConflict(ctx, func() error {
		exists, err := r.client.Exists(ctx, r.taskKey(task.ID)).Result()
		if err != nil {
			return hoppercore.ConflictingUpdate("taskstore.Create", task.ID)
		}
		if exists > 0 {
			return hoppercore.ConflictingUpdate("taskstore.Create", task.ID)
		}
		now := time.Now()
		task.CreatedAt, task.UpdatedAt = now, now
		if task.Status == "" {
			task.Status = hopperapi.TaskPending
		}
		return r.save(ctx, task)
	})
}

func (r *Redis) Get(ctx context.Context, id string) (*hopperapi.Task, error) {
	data, err := r.client.Get(ctx, r.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, hoppercore.NotFound("taskstore.Get", "task", id)
	}
	if err != nil {
		return nil, hoppercore.NewWrapped("taskstore.Get", err)
	}
	var task hopperapi.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, hoppercore.NewWrapped("taskstore.Get", err)
	}
	return &task, nil
}

func (r *Redis) Update(ctx context.Context, task *hopperapi.Task) error {
	existing, err := r.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if !CanTransition(existing.Status, task.Status) {
		return hoppercore.InvalidStateTransition("taskstore.Update", string(existing.Status), string(task.Status))
	}
	if existing.InstanceID != task.InstanceID {
		if existing.InstanceID != "" {
			r.client.SRem(ctx, r.instanceIndexKey(existing.InstanceID), task.ID)
		}
	}
	task.UpdatedAt = time.Now()
	return r.save(ctx, task)
}

func (r *Redis) save(ctx context.Context, task *hopperapi.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return hoppercore.NewWrapped("taskstore.save", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.taskKey(task.ID), data, 0)
	if task.InstanceID != "" {
		pipe.SAdd(ctx, r.instanceIndexKey(task.InstanceID), task.ID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return hoppercore.NewWrapped("taskstore.save", err)
	}
	return nil
}

func (r *Redis) ByInstance(ctx context.Context, instanceID string) ([]*hopperapi.Task, error) {
	ids, err := r.client.SMembers(ctx, r.instanceIndexKey(instanceID)).Result()
	if err != nil {
		return nil, hoppercore.NewWrapped("taskstore.ByInstance", err)
	}
	out := make([]*hopperapi.Task, 0, len(ids))
	for _, id := range ids {
		task, err := r.Get(ctx, id)
		if hoppercore.IsNotFound(err) {
			r.client.SRem(ctx, r.instanceIndexKey(instanceID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	sortByCreatedAt(out)
	return out, nil
}

func (r *Redis) ByStatus(ctx context.Context, instanceID string, statuses ...hopperapi.TaskStatus) ([]*hopperapi.Task, error) {
	tasks, err := r.ByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	want := make(map[hopperapi.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]*hopperapi.Task, 0, len(tasks))
	for _, t := range tasks {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out, nil
}
