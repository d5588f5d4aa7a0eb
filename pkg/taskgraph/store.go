package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/crucible/pkg/scope"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxGraphTxAttempts bounds optimistic retries of graph mutations when a
// concurrent writer bumps the graph version.
const maxGraphTxAttempts = 16

// Store provides namespaced access to the task graph in Redis.
// It is safe for concurrent use from multiple goroutines.
type Store struct {
	rdb       *redis.Client
	namespace string
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for claim and heartbeat stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store over an existing Redis client.
// Returns an error if namespace is empty.
func NewStore(rdb *redis.Client, namespace string, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	s := &Store{
		rdb:       rdb,
		namespace: namespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Namespace returns the key namespace of this store.
func (s *Store) Namespace() string {
	return s.namespace
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// watchGraph runs fn as an optimistic transaction over the graph version key
// plus any extra keys, retrying when a concurrent mutation wins.
func (s *Store) watchGraph(ctx context.Context, fn func(tx *redis.Tx) error, extraKeys ...string) error {
	keys := append([]string{GraphVersionKey(s.namespace)}, extraKeys...)
	for attempt := 0; attempt < maxGraphTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("graph transaction aborted after %d attempts: %w", maxGraphTxAttempts, redis.TxFailedErr)
}

// CreateHub creates a task hub. The scope must be specific and the weight,
// when given, within [0,1]. Creating a hub whose scope and name already
// exist returns the existing hub unchanged.
func (s *Store) CreateHub(ctx context.Context, spec HubSpec) (*TaskHub, error) {
	weight := DefaultHubWeight
	if spec.Weight != nil {
		weight = *spec.Weight
	}

	hub := &TaskHub{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Scope:       spec.Scope,
		Weight:      weight,
		CreatedAtMs: s.nowMs(),
	}
	if err := hub.Validate(); err != nil {
		return nil, invalidSpecf("%v", err)
	}

	// A hub is identified by (scope, name); creating it again returns the original.
	args := []interface{}{hub.ID, KeyPrefix(s.namespace)}
	for field, value := range HubToHash(hub) {
		if field == "seq" {
			continue
		}
		args = append(args, field, value)
	}
	raw, err := createHubScript.Run(ctx, s.rdb,
		[]string{
			HubNameKey(s.namespace, hub.Scope.String(), hub.Name),
			SeqKey(s.namespace),
			HubKey(s.namespace, hub.ID),
			HubsKey(s.namespace),
		},
		args...,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to write hub to Redis: %w", err)
	}

	res := parseScriptResult(raw)
	if res.outcome == 0 {
		return s.GetHub(ctx, res.field(0))
	}
	hub.Seq = res.count
	return hub, nil
}

// GetHub retrieves a hub by ID.
// Returns (nil, redis.Nil) if the hub doesn't exist.
func (s *Store) GetHub(ctx context.Context, hubID string) (*TaskHub, error) {
	return getHub(ctx, s.rdb, s.namespace, hubID)
}

func getHub(ctx context.Context, c redis.Cmdable, namespace, hubID string) (*TaskHub, error) {
	hashData, err := c.HGetAll(ctx, HubKey(namespace, hubID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hub from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	hub, err := HashToHub(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize hub: %w", err)
	}
	return hub, nil
}

// ListHubs returns hubs in insertion order. A non-empty scope set keeps only
// hubs whose scope matches one of its members.
func (s *Store) ListHubs(ctx context.Context, scopes scope.Set) ([]*TaskHub, error) {
	ids, err := s.rdb.ZRange(ctx, HubsKey(s.namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hubs: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, HubKey(s.namespace, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hubs: %w", err)
	}

	hubs := make([]*TaskHub, 0, len(ids))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		hub, err := HashToHub(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize hub: %w", err)
		}
		if len(scopes) > 0 && !scopes.Matches(hub.Scope) {
			continue
		}
		hubs = append(hubs, hub)
	}
	return hubs, nil
}

// SetHubWeight changes a hub's selection weight. Weight 0 removes the hub
// from claim selection without touching its tasks.
func (s *Store) SetHubWeight(ctx context.Context, hubID string, weight float64) error {
	if err := validateHubWeight(weight); err != nil {
		return invalidSpecf("%v", err)
	}

	key := HubKey(s.namespace, hubID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check hub existence: %w", err)
		}
		if exists == 0 {
			return unknownHubError(hubID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "weight", formatWeight(weight))
			return nil
		})
		return err
	}, key)
}

// DeleteHub removes a hub and every task it owns. Without force it refuses
// while any member task is waiting or running. Successors in other hubs keep
// their predecessor edge, so they read the removed task as deleted and block.
func (s *Store) DeleteHub(ctx context.Context, hubID string, force bool) error {
	var removed []string

	err := s.watchGraph(ctx, func(tx *redis.Tx) error {
		hub, err := getHub(ctx, tx, s.namespace, hubID)
		if IsNotFound(err) {
			return unknownHubError(hubID)
		}
		if err != nil {
			return err
		}

		ids, err := tx.ZRange(ctx, HubTasksKey(s.namespace, hubID), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list hub tasks: %w", err)
		}

		statuses, err := taskStatuses(ctx, tx, s.namespace, ids)
		if err != nil {
			return err
		}
		if !force {
			active := 0
			for _, st := range statuses {
				if st.IsActive() {
					active++
				}
			}
			if active > 0 {
				return fmt.Errorf("%w: %d waiting or running", ErrHubNotEmpty, active)
			}
		}

		// Predecessors outside the hub keep a successor edge to each member.
		outside, err := externalPredecessors(ctx, tx, s.namespace, ids)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for pred, succs := range outside {
				pipe.SRem(ctx, TaskSuccsKey(s.namespace, pred), succs...)
			}
			for _, id := range ids {
				pipe.Del(ctx, TaskKey(s.namespace, id), TaskPredsKey(s.namespace, id), TaskSuccsKey(s.namespace, id))
				pipe.ZRem(ctx, RunningKey(s.namespace), id)
			}
			pipe.Del(ctx,
				HubKey(s.namespace, hubID),
				HubTasksKey(s.namespace, hubID),
				HubWaitingKey(s.namespace, hubID),
				HubBlockedKey(s.namespace, hubID),
			)
			pipe.Del(ctx, HubNameKey(s.namespace, hub.Scope.String(), hub.Name))
			pipe.ZRem(ctx, HubsKey(s.namespace), hubID)
			pipe.Incr(ctx, GraphVersionKey(s.namespace))
			return nil
		})
		if err == nil {
			removed = ids
		}
		return err
	}, HubKey(s.namespace, hubID))
	if err != nil {
		return err
	}

	s.publish(ctx, &TaskEvent{Type: EventHubDeleted, HubID: hubID, Count: len(removed)})
	return nil
}

// GetTask retrieves a task by ID.
// Returns (nil, redis.Nil) if the task doesn't exist.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	hashData, err := s.rdb.HGetAll(ctx, TaskKey(s.namespace, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	task, err := HashToTask(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return task, nil
}

// GetStatus returns a task's current status.
// Returns redis.Nil if the task doesn't exist.
func (s *Store) GetStatus(ctx context.Context, taskID string) (Status, error) {
	status, err := s.rdb.HGet(ctx, TaskKey(s.namespace, taskID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", redis.Nil
		}
		return "", fmt.Errorf("failed to read task status: %w", err)
	}
	return Status(status), nil
}

// ListTasks returns a hub's tasks in insertion order, optionally restricted
// to the given statuses.
func (s *Store) ListTasks(ctx context.Context, hubID string, statuses ...Status) ([]*Task, error) {
	ids, err := s.rdb.ZRange(ctx, HubTasksKey(s.namespace, hubID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hub tasks: %w", err)
	}

	tasks, err := s.getTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return tasks, nil
	}

	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if wanted[t.Status] {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// ListRunning returns every running task, oldest heartbeat first.
func (s *Store) ListRunning(ctx context.Context) ([]*Task, error) {
	ids, err := s.rdb.ZRange(ctx, RunningKey(s.namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	return s.getTasks(ctx, ids)
}

// ScanTaskIDs returns the IDs of every task whose ID starts with prefix.
// Uses SCAN so large graphs do not block the server.
func (s *Store) ScanTaskIDs(ctx context.Context, prefix string) ([]string, error) {
	base := TaskKey(s.namespace, "")
	iter := s.rdb.Scan(ctx, 0, base+prefix+"*", 0).Iterator()

	var ids []string
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), base)
		// Skip the :preds and :succs sets
		if strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// getTasks loads tasks by ID, skipping any that no longer exist.
func (s *Store) getTasks(ctx context.Context, ids []string) ([]*Task, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, TaskKey(s.namespace, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		task, err := HashToTask(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// taskStatuses reads the status of each task. Missing tasks report as deleted.
// externalPredecessors maps each predecessor outside ids to the members of ids
// that depend on it.
func externalPredecessors(ctx context.Context, c redis.Cmdable, namespace string, ids []string) (map[string][]interface{}, error) {
	out := make(map[string][]interface{})
	if len(ids) == 0 {
		return out, nil
	}

	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}

	cmds := make([]*redis.StringSliceCmd, len(ids))
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SMembers(ctx, TaskPredsKey(namespace, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read task predecessors: %w", err)
	}

	for i, id := range ids {
		for _, pred := range cmds[i].Val() {
			if !members[pred] {
				out[pred] = append(out[pred], id)
			}
		}
	}
	return out, nil
}

func taskStatuses(ctx context.Context, c redis.Cmdable, namespace string, ids []string) (map[string]Status, error) {
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, TaskKey(namespace, id), "status")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read task statuses: %w", err)
	}

	for i, id := range ids {
		st, err := cmds[i].Result()
		if err != nil {
			out[id] = StatusDeleted
			continue
		}
		out[id] = Status(st)
	}
	return out, nil
}
