package taskgraph

import "fmt"

// Redis key pattern helpers
//
// All keys and Pub/Sub channels are namespaced so several deployments can
// share one Redis server.
//
// Key pattern: crucible:{namespace}:{entity}:{id}
// Channel pattern: crucible:{namespace}:{event_type}_events

// KeyPrefix returns the prefix shared by every key in a namespace.
// Lua scripts use it to address predecessor task hashes.
func KeyPrefix(namespace string) string {
	return fmt.Sprintf("crucible:%s:", namespace)
}

// TaskKey returns the Redis key for a task hash.
// Pattern: crucible:{namespace}:task:{task_id}
func TaskKey(namespace, taskID string) string {
	return fmt.Sprintf("crucible:%s:task:%s", namespace, taskID)
}

// TaskPredsKey returns the set of a task's predecessor IDs.
// Pattern: crucible:{namespace}:task:{task_id}:preds
func TaskPredsKey(namespace, taskID string) string {
	return fmt.Sprintf("crucible:%s:task:%s:preds", namespace, taskID)
}

// TaskSuccsKey returns the set of a task's successor IDs.
// Pattern: crucible:{namespace}:task:{task_id}:succs
func TaskSuccsKey(namespace, taskID string) string {
	return fmt.Sprintf("crucible:%s:task:%s:succs", namespace, taskID)
}

// HubKey returns the Redis key for a hub hash.
// Pattern: crucible:{namespace}:hub:{hub_id}
func HubKey(namespace, hubID string) string {
	return fmt.Sprintf("crucible:%s:hub:%s", namespace, hubID)
}

// HubTasksKey returns the ZSET of all tasks in a hub, scored by insertion sequence.
// Pattern: crucible:{namespace}:hub:{hub_id}:tasks
func HubTasksKey(namespace, hubID string) string {
	return fmt.Sprintf("crucible:%s:hub:%s:tasks", namespace, hubID)
}

// HubWaitingKey returns the ZSET of waiting tasks in a hub, scored by insertion sequence.
// Maintained by the transition scripts.
// Pattern: crucible:{namespace}:hub:{hub_id}:waiting
func HubWaitingKey(namespace, hubID string) string {
	return fmt.Sprintf("crucible:%s:hub:%s:waiting", namespace, hubID)
}

// HubBlockedKey returns the set of tasks in a hub already reported as blocked.
// Pattern: crucible:{namespace}:hub:{hub_id}:blocked
func HubBlockedKey(namespace, hubID string) string {
	return fmt.Sprintf("crucible:%s:hub:%s:blocked", namespace, hubID)
}

// HubNameKey returns the index from a hub's scope and name to its ID.
// Pattern: crucible:{namespace}:hub_by_name:{scope}:{name}
func HubNameKey(namespace, scopeStr, name string) string {
	return fmt.Sprintf("crucible:%s:hub_by_name:%s:%s", namespace, scopeStr, name)
}

// HubsKey returns the ZSET of hub IDs scored by insertion sequence.
// Pattern: crucible:{namespace}:hubs
func HubsKey(namespace string) string {
	return fmt.Sprintf("crucible:%s:hubs", namespace)
}

// RunningKey returns the ZSET of running task IDs scored by last heartbeat (ms).
// Pattern: crucible:{namespace}:running
func RunningKey(namespace string) string {
	return fmt.Sprintf("crucible:%s:running", namespace)
}

// SeqKey returns the counter used to order hubs and tasks by insertion.
// Pattern: crucible:{namespace}:seq
func SeqKey(namespace string) string {
	return fmt.Sprintf("crucible:%s:seq", namespace)
}

// GraphVersionKey returns the key WATCHed by graph mutations.
// Pattern: crucible:{namespace}:graph_version
func GraphVersionKey(namespace string) string {
	return fmt.Sprintf("crucible:%s:graph_version", namespace)
}

// ServiceKey returns the Redis key for a compute service registration.
// Pattern: crucible:{namespace}:service:{identity}
func ServiceKey(namespace, identity string) string {
	return fmt.Sprintf("crucible:%s:service:%s", namespace, identity)
}

// ServicesKey returns the ZSET of registered identities scored by last heartbeat (ms).
// Pattern: crucible:{namespace}:services
func ServicesKey(namespace string) string {
	return fmt.Sprintf("crucible:%s:services", namespace)
}

// TaskEventsChannel returns the Pub/Sub channel for task lifecycle events.
// Pattern: crucible:{namespace}:task_events
func TaskEventsChannel(namespace string) string {
	return fmt.Sprintf("crucible:%s:task_events", namespace)
}
