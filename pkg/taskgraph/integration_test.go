//go:build integration

package taskgraph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/crucible/internal/testutil"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs the Lua scripts against a real Redis server, where miniredis'
// script engine may differ.
func TestIntegration_ClaimRace(t *testing.T) {
	rdb := testutil.StartRedis(t)
	store, err := NewStore(rdb, "it")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub, err := store.CreateHub(ctx, HubSpec{Name: "race", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	taskID, err := store.CreateTask(ctx, TaskSpec{Hub: hub.ID, Protocol: "rfe"})
	require.NoError(t, err)

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(claimant string) {
			defer wg.Done()
			if _, err := store.TryClaim(ctx, taskID, claimant); err == nil {
				mu.Lock()
				winners = append(winners, claimant)
				mu.Unlock()
			} else {
				assert.True(t, IsConflict(err), "unexpected error: %v", err)
			}
		}(fmt.Sprintf("svc-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	task, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, winners[0], task.Claim.Claimant)
}

func TestIntegration_ReportUnblocksSuccessor(t *testing.T) {
	rdb := testutil.StartRedis(t)
	store, err := NewStore(rdb, "it")
	require.NoError(t, err)
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, HubSpec{Name: "chain", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	ids, err := store.CreateTasks(ctx, []TaskSpec{
		{Hub: hub.ID, Protocol: "rfe"},
		{Hub: hub.ID, Protocol: "rfe", PredecessorIndexes: []int{0}},
	})
	require.NoError(t, err)

	_, err = store.TryClaim(ctx, ids[1], "svc")
	require.True(t, IsConflict(err))

	_, err = store.TryClaim(ctx, ids[0], "svc")
	require.NoError(t, err)
	require.NoError(t, store.Report(ctx, ids[0], "svc", StatusComplete, "", ""))

	_, err = store.TryClaim(ctx, ids[1], "svc")
	require.NoError(t, err)
}
