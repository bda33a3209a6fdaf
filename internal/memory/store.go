// Package memory holds the working-memory key/value scratchpad used by
// the router and learning engine for short-lived per-task state (spec
// §4.10), grounded in memory/working/backends/local.py and its Redis
// counterpart.
package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hopper-run/hopper/internal/hoppercore"
)

func encodeValue(value map[string]interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func decodeValue(data []byte) (map[string]interface{}, error) {
	var value map[string]interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Store is the working-memory backend contract. A zero or negative ttl
// means "no expiration".
type Store interface {
	Get(ctx context.Context, key string) (map[string]interface{}, bool, error)
	Set(ctx context.Context, key string, value map[string]interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Clear(ctx context.Context) (int, error)
	Size(ctx context.Context) (int, error)
}

type entry struct {
	value     map[string]interface{}
	expiresAt *time.Time
}

func (e entry) expired(now time.Time) bool {
	return e.expiresAt != nil && now.After(*e.expiresAt)
}

// LocalStore is an in-process Store: a map plus an insertion-order slice
// used for capacity eviction. Eviction is plain FIFO on insertion order,
// not true LRU, matching local.py's _evict_oldest despite its own
// docstring calling it an "LRU approximation".
type LocalStore struct {
	mu         sync.Mutex
	entries    map[string]entry
	order      []string // insertion order, oldest first
	maxEntries int
	log        hoppercore.Logger
}

// NewLocalStore builds a LocalStore with the given capacity. maxEntries
// <= 0 disables eviction.
func NewLocalStore(maxEntries int, log hoppercore.Logger) *LocalStore {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	return &LocalStore{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		log:        log,
	}
}

func (s *LocalStore) Get(_ context.Context, key string) (map[string]interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		s.removeLocked(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *LocalStore) Set(_ context.Context, key string, value map[string]interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, exists := s.entries[key]
	if !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	if !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = entry{value: value, expiresAt: expiresAt}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	s.removeLocked(key)
	return true, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *LocalStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearExpiredLocked()

	if pattern == "" || pattern == "*" {
		out := make([]string, len(s.order))
		copy(out, s.order)
		return out, nil
	}
	var out []string
	for _, key := range s.order {
		if matched, _ := filepath.Match(pattern, key); matched {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *LocalStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.entries)
	s.entries = make(map[string]entry)
	s.order = nil
	return count, nil
}

func (s *LocalStore) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearExpiredLocked()
	return len(s.entries), nil
}

// ClearExpired removes every expired entry and returns how many were
// removed; calling it again with nothing expired removes nothing.
func (s *LocalStore) ClearExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.clearExpiredLocked()
	return before - len(s.entries), nil
}

func (s *LocalStore) removeLocked(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *LocalStore) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.entries, oldest)
}

func (s *LocalStore) clearExpiredLocked() {
	now := time.Now()
	var expired []string
	for key, e := range s.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
}

// RemoteStore is a Redis-backed Store, relying on Redis' own TTL rather
// than reimplementing expiration bookkeeping.
type RemoteStore struct {
	client    *redis.Client
	namespace string
	log       hoppercore.Logger
}

func NewRemoteStore(client *redis.Client, namespace string, log hoppercore.Logger) *RemoteStore {
	if log == nil {
		log = hoppercore.NoOpLogger{}
	}
	if namespace == "" {
		namespace = "hopper:memory"
	}
	return &RemoteStore{client: client, namespace: namespace, log: log}
}

func (s *RemoteStore) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RemoteStore) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, hoppercore.NewWrapped("memory.Get", err)
	}
	value, err := decodeValue(data)
	if err != nil {
		return nil, false, hoppercore.NewWrapped("memory.Get", err)
	}
	return value, true, nil
}

func (s *RemoteStore) Set(ctx context.Context, key string, value map[string]interface{}, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return hoppercore.NewWrapped("memory.Set", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return hoppercore.NewWrapped("memory.Set", err)
	}
	return nil
}

func (s *RemoteStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, hoppercore.NewWrapped("memory.Delete", err)
	}
	return n > 0, nil
}

func (s *RemoteStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, hoppercore.NewWrapped("memory.Exists", err)
	}
	return n > 0, nil
}

func (s *RemoteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := s.client.Keys(ctx, s.key(pattern)).Result()
	if err != nil {
		return nil, hoppercore.NewWrapped("memory.Keys", err)
	}
	prefix := s.namespace + ":"
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out, nil
}

func (s *RemoteStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, s.key("*")).Result()
	if err != nil {
		return 0, hoppercore.NewWrapped("memory.Clear", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, hoppercore.NewWrapped("memory.Clear", err)
	}
	return len(keys), nil
}

func (s *RemoteStore) Size(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, s.key("*")).Result()
	if err != nil {
		return 0, hoppercore.NewWrapped("memory.Size", err)
	}
	return len(keys), nil
}
