package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/dyluth/crucible/pkg/scope"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CreateTask creates a single task. See CreateTasks.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	ids, err := s.CreateTasks(ctx, []TaskSpec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateTasks creates a batch of tasks atomically and returns their IDs in
// spec order. Predecessors may name existing tasks or, via
// PredecessorIndexes, other members of the batch.
//
// The batch is rejected with a StructuralError (and nothing is written) if
// a hub or predecessor is unknown, a scope disagrees with its hub, or the
// dependency edges would form a cycle.
func (s *Store) CreateTasks(ctx context.Context, specs []TaskSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, invalidSpecf("no tasks given")
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.New().String()
	}

	preds, err := resolvePredecessors(specs, ids)
	if err != nil {
		return nil, err
	}
	if path := batchCycle(ids, preds); path != nil {
		return nil, cycleError(path)
	}

	var created []*Task
	err = s.watchGraph(ctx, func(tx *redis.Tx) error {
		created = nil

		hubs := make(map[string]*TaskHub)
		for _, spec := range specs {
			if _, ok := hubs[spec.Hub]; ok {
				continue
			}
			hub, err := getHub(ctx, tx, s.namespace, spec.Hub)
			if IsNotFound(err) {
				return unknownHubError(spec.Hub)
			}
			if err != nil {
				return err
			}
			hubs[spec.Hub] = hub
		}

		inBatch := make(map[string]bool, len(ids))
		for _, id := range ids {
			inBatch[id] = true
		}
		for _, ps := range preds {
			for _, p := range ps {
				if inBatch[p] {
					continue
				}
				exists, err := tx.Exists(ctx, TaskKey(s.namespace, p)).Result()
				if err != nil {
					return fmt.Errorf("failed to check predecessor existence: %w", err)
				}
				if exists == 0 {
					return unknownTaskError(p)
				}
			}
		}

		base, err := tx.IncrBy(ctx, SeqKey(s.namespace), int64(len(specs))).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate task sequence: %w", err)
		}
		firstSeq := base - int64(len(specs)) + 1
		nowMs := s.nowMs()

		tasks := make([]*Task, len(specs))
		hashes := make([]map[string]interface{}, len(specs))
		for i, spec := range specs {
			task, err := buildTask(spec, ids[i], preds[i], hubs[spec.Hub], firstSeq+int64(i), nowMs)
			if err != nil {
				return err
			}
			hash, err := TaskToHash(task)
			if err != nil {
				return fmt.Errorf("failed to serialize task: %w", err)
			}
			tasks[i] = task
			hashes[i] = hash
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, task := range tasks {
				pipe.HSet(ctx, TaskKey(s.namespace, task.ID), hashes[i])
				z := redis.Z{Score: float64(task.Seq), Member: task.ID}
				pipe.ZAdd(ctx, HubTasksKey(s.namespace, task.Hub), z)
				pipe.ZAdd(ctx, HubWaitingKey(s.namespace, task.Hub), z)
				for _, p := range task.Predecessors {
					pipe.SAdd(ctx, TaskPredsKey(s.namespace, task.ID), p)
					pipe.SAdd(ctx, TaskSuccsKey(s.namespace, p), task.ID)
				}
			}
			pipe.Incr(ctx, GraphVersionKey(s.namespace))
			return nil
		})
		if err != nil {
			return err
		}
		created = tasks
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range created {
		s.publish(ctx, &TaskEvent{Type: EventCreated, TaskID: t.ID, HubID: t.Hub, To: StatusWaiting})
	}
	return ids, nil
}

// resolvePredecessors merges ID and batch-index references into one ordered,
// de-duplicated predecessor list per spec.
func resolvePredecessors(specs []TaskSpec, ids []string) ([][]string, error) {
	out := make([][]string, len(specs))
	for i, spec := range specs {
		seen := make(map[string]bool)
		var list []string
		add := func(p string) {
			if !seen[p] {
				seen[p] = true
				list = append(list, p)
			}
		}

		for _, p := range spec.Predecessors {
			if !isValidUUID(p) {
				return nil, invalidSpecf("task %d: predecessor %q is not a valid UUID", i, p)
			}
			add(p)
		}
		for _, idx := range spec.PredecessorIndexes {
			if idx < 0 || idx >= len(specs) {
				return nil, invalidSpecf("task %d: predecessor index %d out of range", i, idx)
			}
			if idx == i {
				return nil, cycleError([]string{ids[i], ids[i]})
			}
			add(ids[idx])
		}
		out[i] = list
	}
	return out, nil
}

// batchCycle runs Kahn's algorithm over the edges internal to a batch and
// returns a cycle path when not every node can be ordered. Existing tasks
// cannot depend on new ones, so only intra-batch edges can close a cycle.
func batchCycle(ids []string, preds [][]string) []string {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	indegree := make([]int, len(ids))
	succs := make([][]int, len(ids))
	for i, ps := range preds {
		for _, p := range ps {
			j, ok := index[p]
			if !ok {
				continue
			}
			indegree[i]++
			succs[j] = append(succs[j], i)
		}
	}

	queue := make([]int, 0, len(ids))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		ordered++
		for _, m := range succs[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if ordered == len(ids) {
		return nil
	}

	// Walk predecessor edges among the unordered nodes until one repeats.
	start := -1
	for i, d := range indegree {
		if d > 0 {
			start = i
			break
		}
	}
	pos := make(map[int]int)
	var path []int
	for n := start; ; {
		if at, ok := pos[n]; ok {
			cycle := make([]string, 0, len(path)-at+1)
			for k := len(path) - 1; k >= at; k-- {
				cycle = append(cycle, ids[path[k]])
			}
			return append(cycle, ids[path[len(path)-1]])
		}
		pos[n] = len(path)
		path = append(path, n)
		next := -1
		for _, p := range preds[n] {
			if j, ok := index[p]; ok && indegree[j] > 0 {
				next = j
				break
			}
		}
		n = next
	}
}

func buildTask(spec TaskSpec, id string, preds []string, hub *TaskHub, seq, nowMs int64) (*Task, error) {
	weight := DefaultTaskWeight
	if spec.Weight != nil {
		weight = *spec.Weight
	}
	maxRetries := DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	sc := spec.Scope
	if sc == (scope.Scope{}) {
		sc = hub.Scope
	}
	if sc != hub.Scope {
		return nil, invalidSpecf("task scope %s differs from hub %s scope %s", sc, hub.ID, hub.Scope)
	}

	if preds == nil {
		preds = []string{}
	}
	task := &Task{
		ID:           id,
		Hub:          hub.ID,
		Status:       StatusWaiting,
		Weight:       weight,
		Predecessors: preds,
		MaxRetries:   maxRetries,
		Protocol:     spec.Protocol,
		Scope:        sc,
		InputRef:     spec.InputRef,
		Seq:          seq,
		CreatedAtMs:  nowMs,
	}
	if err := task.Validate(); err != nil {
		return nil, invalidSpecf("%v", err)
	}
	return task, nil
}

// AddDependencies adds predecessor edges to a waiting task. An edge that
// would close a cycle is rejected with a StructuralError and no edge of the
// call is written.
func (s *Store) AddDependencies(ctx context.Context, taskID string, predecessors []string) error {
	if len(predecessors) == 0 {
		return nil
	}

	err := s.watchGraph(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, TaskKey(s.namespace, taskID)).Result()
		if err != nil {
			return fmt.Errorf("failed to read task from Redis: %w", err)
		}
		if len(hashData) == 0 {
			return unknownTaskError(taskID)
		}
		task, err := HashToTask(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize task: %w", err)
		}
		if task.Status != StatusWaiting {
			return invalidSpecf("task %s is %s; dependencies can only be added while waiting", taskID, task.Status)
		}

		existing := make(map[string]bool, len(task.Predecessors))
		for _, p := range task.Predecessors {
			existing[p] = true
		}

		var added []string
		for _, p := range predecessors {
			if existing[p] {
				continue
			}
			if p == taskID {
				return cycleError([]string{taskID, taskID})
			}
			exists, err := tx.Exists(ctx, TaskKey(s.namespace, p)).Result()
			if err != nil {
				return fmt.Errorf("failed to check predecessor existence: %w", err)
			}
			if exists == 0 {
				return unknownTaskError(p)
			}
			// The edge p -> task closes a cycle iff p is already downstream of task.
			if path, err := s.descendantPath(ctx, tx, taskID, p); err != nil {
				return err
			} else if path != nil {
				return cycleError(append(path, taskID))
			}
			existing[p] = true
			added = append(added, p)
		}
		if len(added) == 0 {
			return nil
		}

		all := append(task.Predecessors, added...)
		predsJSON, err := json.Marshal(all)
		if err != nil {
			return fmt.Errorf("failed to marshal predecessors: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, TaskKey(s.namespace, taskID), "predecessors", string(predsJSON))
			for _, p := range added {
				pipe.SAdd(ctx, TaskPredsKey(s.namespace, taskID), p)
				pipe.SAdd(ctx, TaskSuccsKey(s.namespace, p), taskID)
			}
			pipe.Incr(ctx, GraphVersionKey(s.namespace))
			return nil
		})
		return err
	}, TaskKey(s.namespace, taskID))
	return err
}

// descendantPath returns the successor path from -> ... -> to, or nil when
// to is not reachable from from.
func (s *Store) descendantPath(ctx context.Context, c redis.Cmdable, from, to string) ([]string, error) {
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		succs, err := c.SMembers(ctx, TaskSuccsKey(s.namespace, n)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read successors: %w", err)
		}
		for _, m := range succs {
			if _, seen := parent[m]; seen {
				continue
			}
			parent[m] = n
			if m == to {
				var path []string
				for cur := m; cur != ""; cur = parent[cur] {
					path = append([]string{cur}, path...)
				}
				return path, nil
			}
			queue = append(queue, m)
		}
	}
	return nil, nil
}

// EligibilityState classifies a task for claiming.
type EligibilityState string

const (
	// Eligible: waiting with every predecessor complete.
	Eligible EligibilityState = "eligible"
	// Pending: waiting on predecessors that may still complete.
	Pending EligibilityState = "pending"
	// Blocked: a predecessor is error, invalid or deleted.
	Blocked EligibilityState = "blocked"
	// NotWaiting: the task is not in the waiting state.
	NotWaiting EligibilityState = "not_waiting"
)

// Eligibility is the result of an eligibility query.
type Eligibility struct {
	State   EligibilityState `json:"state"`
	Status  Status           `json:"status"`
	Pending []string         `json:"pending,omitempty"` // Predecessors not yet complete
	Blocked *BlockedError    `json:"-"`
}

// Eligibility evaluates whether a task could be claimed now, ignoring scope
// and protocol filters. A blocked task is recorded and announced once.
// Returns redis.Nil if the task doesn't exist.
func (s *Store) Eligibility(ctx context.Context, taskID string) (*Eligibility, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusWaiting {
		return &Eligibility{State: NotWaiting, Status: task.Status}, nil
	}

	statuses, err := taskStatuses(ctx, s.rdb, s.namespace, task.Predecessors)
	if err != nil {
		return nil, err
	}

	el := classify(task.ID, task.Predecessors, statuses)
	if el.State == Blocked {
		s.markBlocked(ctx, task.Hub, el.Blocked)
	}
	return el, nil
}

func classify(taskID string, preds []string, statuses map[string]Status) *Eligibility {
	el := &Eligibility{State: Eligible, Status: StatusWaiting}
	for _, p := range preds {
		st := statuses[p]
		if st.BlocksSuccessors() {
			return &Eligibility{
				State:   Blocked,
				Status:  StatusWaiting,
				Blocked: &BlockedError{TaskID: taskID, Predecessor: p, PredecessorStatus: st},
			}
		}
		if st != StatusComplete {
			el.State = Pending
			el.Pending = append(el.Pending, p)
		}
	}
	return el
}

// markBlocked records a blocked task in its hub's blocked set. The first
// time a task is recorded it is logged and announced as an event.
func (s *Store) markBlocked(ctx context.Context, hubID string, be *BlockedError) {
	added, err := s.rdb.SAdd(ctx, HubBlockedKey(s.namespace, hubID), be.TaskID).Result()
	if err != nil {
		log.Printf("[WARN] Failed to record blocked task %s: %v", be.TaskID, err)
		return
	}
	if added == 0 {
		return
	}
	log.Printf("[WARN] %v", be)
	s.publish(ctx, &TaskEvent{
		Type:   EventBlocked,
		TaskID: be.TaskID,
		HubID:  hubID,
		Reason: fmt.Sprintf("predecessor %s is %s", be.Predecessor, be.PredecessorStatus),
	})
}

// Candidate is a waiting task whose predecessors are complete and which
// passes a CandidateFilter.
type Candidate struct {
	ID     string
	Weight float64
	Seq    int64
}

// CandidateFilter restricts candidates to what a requester may claim.
type CandidateFilter struct {
	Scopes    scope.Set // Empty matches nothing
	Protocols []string  // Empty allows every protocol
}

// Candidates returns the claimable tasks of a hub in insertion order.
// Tasks found blocked along the way are recorded via markBlocked. The
// result is a snapshot: TryClaim re-verifies every condition atomically.
func (s *Store) Candidates(ctx context.Context, hubID string, filter CandidateFilter) ([]Candidate, error) {
	waiting, err := s.rdb.ZRangeWithScores(ctx, HubWaitingKey(s.namespace, hubID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting tasks: %w", err)
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(waiting))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range waiting {
			cmds[i] = pipe.HMGet(ctx, TaskKey(s.namespace, z.Member.(string)), "weight", "protocol", "scope", "predecessors")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting tasks: %w", err)
	}

	type entry struct {
		cand  Candidate
		preds []string
	}
	var entries []entry
	predSet := make(map[string]bool)
	for i, z := range waiting {
		vals := cmds[i].Val()
		if len(vals) != 4 || vals[0] == nil {
			continue
		}
		weight, err := strconv.ParseFloat(asString(vals[0]), 64)
		if err != nil || weight <= 0 {
			continue
		}
		if !AllowsProtocol(filter.Protocols, asString(vals[1])) {
			continue
		}
		sc, err := scope.Parse(asString(vals[2]))
		if err != nil || !filter.Scopes.Matches(sc) {
			continue
		}
		var preds []string
		if raw := asString(vals[3]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &preds); err != nil {
				return nil, fmt.Errorf("failed to unmarshal predecessors: %w", err)
			}
		}
		for _, p := range preds {
			predSet[p] = true
		}
		entries = append(entries, entry{
			cand:  Candidate{ID: z.Member.(string), Weight: weight, Seq: int64(z.Score)},
			preds: preds,
		})
	}

	predIDs := make([]string, 0, len(predSet))
	for p := range predSet {
		predIDs = append(predIDs, p)
	}
	statuses, err := taskStatuses(ctx, s.rdb, s.namespace, predIDs)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		el := classify(e.cand.ID, e.preds, statuses)
		switch el.State {
		case Eligible:
			candidates = append(candidates, e.cand)
		case Blocked:
			s.markBlocked(ctx, hubID, el.Blocked)
		}
	}
	return candidates, nil
}

// Blocked returns every waiting task of a hub whose dependencies can never
// be satisfied. Each is also recorded via markBlocked; tasks that are no
// longer blocked (a predecessor was restored) are dropped from the record.
func (s *Store) Blocked(ctx context.Context, hubID string) ([]*BlockedError, error) {
	tasks, err := s.ListTasks(ctx, hubID, StatusWaiting)
	if err != nil {
		return nil, err
	}

	predSet := make(map[string]bool)
	for _, t := range tasks {
		for _, p := range t.Predecessors {
			predSet[p] = true
		}
	}
	predIDs := make([]string, 0, len(predSet))
	for p := range predSet {
		predIDs = append(predIDs, p)
	}
	statuses, err := taskStatuses(ctx, s.rdb, s.namespace, predIDs)
	if err != nil {
		return nil, err
	}

	recorded, err := s.rdb.SMembers(ctx, HubBlockedKey(s.namespace, hubID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read blocked set: %w", err)
	}
	stale := make(map[string]bool, len(recorded))
	for _, id := range recorded {
		stale[id] = true
	}

	var blocked []*BlockedError
	for _, t := range tasks {
		el := classify(t.ID, t.Predecessors, statuses)
		if el.State != Blocked {
			continue
		}
		delete(stale, t.ID)
		s.markBlocked(ctx, hubID, el.Blocked)
		blocked = append(blocked, el.Blocked)
	}

	if len(stale) > 0 {
		members := make([]interface{}, 0, len(stale))
		for id := range stale {
			members = append(members, id)
		}
		if err := s.rdb.SRem(ctx, HubBlockedKey(s.namespace, hubID), members...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune blocked set: %w", err)
		}
	}
	return blocked, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
