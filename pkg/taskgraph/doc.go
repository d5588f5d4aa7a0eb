// Package taskgraph provides the Redis-backed Task Graph Store for Crucible.
//
// # Overview
//
// The store holds TaskHubs, the Tasks they own, the dependency edges between
// Tasks, the ephemeral Claims on running Tasks and the registrations of
// compute services. Every component (API server, liveness monitor, admin CLI)
// reads and mutates scheduling state exclusively through this package.
//
// # Consistency
//
// Status transitions are compare-and-swap operations implemented as Lua
// scripts, so a reader never observes a Task mid-transition. Graph mutations
// (task creation, dependency edges) are optimistic transactions guarded by a
// WATCHed graph version key; a cycle or unknown reference aborts the whole
// batch before anything is written.
//
// Eligibility of successor Tasks is computed lazily: completing a Task does
// not touch its successors. A successor becomes claimable when a claim or an
// eligibility query next inspects it.
//
// # Namespacing
//
// All keys and channels are namespaced so multiple deployments can share a
// Redis server:
//
//	crucible:{namespace}:task:{id}
//	crucible:{namespace}:hub:{id}
//	crucible:{namespace}:task_events
//
// # Usage Example
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store, err := taskgraph.NewStore(rdb, "prod")
//	if err != nil {
//		return err
//	}
//
//	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{
//		Name:  "tyk2-benchmark",
//		Scope: scope.MustParse("acme-tyk2-lig1"),
//	})
//
//	ids, err := store.CreateTasks(ctx, []taskgraph.TaskSpec{
//		{Hub: hub.ID, Protocol: "relative-hybrid"},
//		{Hub: hub.ID, Protocol: "relative-hybrid", PredecessorIndexes: []int{0}},
//	})
package taskgraph
