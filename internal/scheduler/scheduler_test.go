package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = scope.MustParse("acme-tyk2-lig1")

func setupTestStore(t *testing.T) *taskgraph.Store {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := taskgraph.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func f(v float64) *float64 { return &v }

func request(limit int) Request {
	return Request{Identity: "w1", Scopes: scope.Set{scope.All}, Limit: limit}
}

func TestClaimDependencyScenario(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sched := New(store, WithRand(rand.New(rand.NewSource(1))))

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "H", Scope: testScope, Weight: f(1)})
	require.NoError(t, err)
	ids, err := store.CreateTasks(ctx, []taskgraph.TaskSpec{
		{Hub: hub.ID, Protocol: "rfe", Weight: f(1)},
		{Hub: hub.ID, Protocol: "rfe", Weight: f(1), PredecessorIndexes: []int{0}},
	})
	require.NoError(t, err)
	a, b := ids[0], ids[1]

	got, err := sched.Claim(ctx, request(2))
	require.NoError(t, err)
	assert.Equal(t, []string{a}, got, "B is not eligible until A completes")

	require.NoError(t, store.Report(ctx, a, "w1", taskgraph.StatusComplete, "ref", ""))

	got, err = sched.Claim(ctx, request(2))
	require.NoError(t, err)
	assert.Equal(t, []string{b}, got)
}

func TestClaimEmptyIsNotAnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sched := New(store)

	got, err := sched.Claim(ctx, request(5))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	t.Run("no scopes", func(t *testing.T) {
		got, err := sched.Claim(ctx, Request{Identity: "w1", Limit: 1})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestClaimValidation(t *testing.T) {
	sched := New(setupTestStore(t))
	_, err := sched.Claim(context.Background(), Request{Identity: "w1", Scopes: scope.Set{scope.All}})
	assert.Error(t, err)
	_, err = sched.Claim(context.Background(), Request{Scopes: scope.Set{scope.All}, Limit: 1})
	assert.Error(t, err)
}

func TestClaimFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sched := New(store, WithRand(rand.New(rand.NewSource(7))))

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "H", Scope: testScope, Weight: f(1)})
	require.NoError(t, err)
	off, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "off", Scope: testScope, Weight: f(0)})
	require.NoError(t, err)
	other, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "other", Scope: scope.MustParse("other-a-b"), Weight: f(1)})
	require.NoError(t, err)

	ids, err := store.CreateTasks(ctx, []taskgraph.TaskSpec{
		{Hub: hub.ID, Protocol: "rfe"},
		{Hub: hub.ID, Protocol: "neq"},
		{Hub: off.ID, Protocol: "rfe"},
		{Hub: other.ID, Protocol: "rfe"},
	})
	require.NoError(t, err)

	got, err := sched.Claim(ctx, Request{
		Identity:  "w1",
		Scopes:    scope.Set{scope.MustParse("acme-*-*")},
		Protocols: []string{"rfe"},
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, got, "zero-weight hub, other protocol and other scope are excluded")
}

func TestClaimRespectsLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sched := New(store, WithRand(rand.New(rand.NewSource(3))))

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "H", Scope: testScope})
	require.NoError(t, err)
	specs := make([]taskgraph.TaskSpec, 5)
	for i := range specs {
		specs[i] = taskgraph.TaskSpec{Hub: hub.ID, Protocol: "rfe"}
	}
	_, err = store.CreateTasks(ctx, specs)
	require.NoError(t, err)

	got, err := sched.Claim(ctx, request(3))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = sched.Claim(ctx, request(3))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestClaimDeterministicWithSeed(t *testing.T) {
	run := func() []string {
		store := setupTestStore(t)
		ctx := context.Background()
		hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "H", Scope: testScope})
		require.NoError(t, err)
		specs := make([]taskgraph.TaskSpec, 6)
		for i := range specs {
			specs[i] = taskgraph.TaskSpec{Hub: hub.ID, Protocol: "rfe"}
		}
		ids, err := store.CreateTasks(ctx, specs)
		require.NoError(t, err)

		sched := New(store, WithRand(rand.New(rand.NewSource(42))))
		got, err := sched.Claim(ctx, request(6))
		require.NoError(t, err)

		// Express the order as batch positions so the two runs compare.
		pos := make(map[string]int, len(ids))
		for i, id := range ids {
			pos[id] = i
		}
		order := make([]string, len(got))
		for i, id := range got {
			order[i] = fmt.Sprint(pos[id])
		}
		return order
	}

	assert.Equal(t, run(), run())
}

func TestClaimConcurrentDisjoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "H", Scope: testScope})
	require.NoError(t, err)
	specs := make([]taskgraph.TaskSpec, 20)
	for i := range specs {
		specs[i] = taskgraph.TaskSpec{Hub: hub.ID, Protocol: "rfe"}
	}
	_, err = store.CreateTasks(ctx, specs)
	require.NoError(t, err)

	const workers = 6
	results := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sched := New(store, WithRand(rand.New(rand.NewSource(int64(w)))))
			got, err := sched.Claim(ctx, Request{
				Identity: fmt.Sprintf("w%d", w),
				Scopes:   scope.Set{scope.All},
				Limit:    5,
			})
			assert.NoError(t, err)
			results[w] = got
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := 0
	for _, got := range results {
		for _, id := range got {
			assert.False(t, seen[id], "task %s claimed twice", id)
			seen[id] = true
			total++
		}
	}
	assert.LessOrEqual(t, total, len(specs))
}

func TestCumulativePick(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, -1, newCumulative(nil).pick(rng))
	assert.Equal(t, -1, newCumulative([]float64{0, 0}).pick(rng))
	assert.Equal(t, 1, newCumulative([]float64{0, 2, 0}).pick(rng))
	assert.Equal(t, -1, newCumulative([]float64{math.Inf(1), math.NaN()}).pick(rng))

	// Non-finite entries never swallow the draw.
	seen := make(map[int]int)
	c := newCumulative([]float64{math.Inf(1), 1, 1})
	for i := 0; i < 200; i++ {
		seen[c.pick(rng)]++
	}
	assert.Zero(t, seen[0])
	assert.NotZero(t, seen[1])
	assert.NotZero(t, seen[2])

	counts := make([]int, 2)
	c = newCumulative([]float64{1, 3})
	for i := 0; i < 4000; i++ {
		counts[c.pick(rng)]++
	}
	ratio := float64(counts[1]) / float64(counts[0])
	assert.InDelta(t, 3.0, ratio, 0.5, "selection proportional to weight")
}
