package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/internal/timespec"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setupStore(t *testing.T) (*taskgraph.Store, *clock) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	c := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := taskgraph.NewStore(rdb, "test", taskgraph.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, c
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatTable, f)

	f, err = ParseFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestFormatTaskTable(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, 0, FormatTaskTable(&buf, nil, now))
		assert.Equal(t, "No tasks found\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		var buf bytes.Buffer
		tasks := []*taskgraph.Task{
			{
				ID: "3f2a9c1e-0000-4000-8000-000000000001", Status: taskgraph.StatusRunning,
				Protocol: "rfe", Scope: scope.MustParse("acme-tyk2-lig1"), Weight: 0.5, MaxRetries: 3,
				Claim:       &taskgraph.Claim{Claimant: "gpu-node-1"},
				CreatedAtMs: now.Add(-2 * time.Hour).UnixMilli(),
			},
			{
				ID: "7b1d44aa-0000-4000-8000-000000000003", Status: taskgraph.StatusWaiting,
				Protocol: "a-very-long-protocol-name", Scope: scope.MustParse("acme-tyk2-lig1"), Weight: 1,
				RetryCount: 1, MaxRetries: 3, CreatedAtMs: now.Add(-30 * time.Second).UnixMilli(),
			},
		}
		assert.Equal(t, 2, FormatTaskTable(&buf, tasks, now))

		lines := strings.Split(buf.String(), "\n")
		assert.True(t, strings.HasPrefix(lines[0], "ID"))
		assert.Contains(t, lines[1], "3f2a9c1e  running ")
		assert.Contains(t, lines[1], "gpu-node-1")
		assert.Contains(t, lines[1], "2h ago")
		assert.Contains(t, lines[2], "a-very-...")
		assert.Contains(t, lines[2], "1/3")
		assert.Contains(t, lines[2], "30s ago")
		assert.Contains(t, buf.String(), "2 tasks")
	})
}

func TestFormatServiceTable(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	n := FormatServiceTable(&buf, []*taskgraph.ServiceRegistration{{
		Identity:          "gpu-node-1",
		Scopes:            scope.Set{scope.MustParse("acme-tyk2"), scope.MustParse("acme-eg5")},
		ClaimLimit:        2,
		HeartbeatInterval: 30 * time.Second,
		LastHeartbeatMs:   now.Add(-5 * time.Minute).UnixMilli(),
	}}, now)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "acme-tyk2-*,acme-eg5-*")
	assert.Contains(t, buf.String(), "5m ago")
	assert.Contains(t, buf.String(), "1 service\n")
}

func TestFormatJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FormatJSONL(&buf, []*taskgraph.TaskHub{{ID: "a"}, {ID: "b"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var hub taskgraph.TaskHub
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &hub))
	assert.Equal(t, "b", hub.ID)
}

func TestListTasks(t *testing.T) {
	store, c := setupStore(t)
	ctx := context.Background()

	hubA, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "a", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	hubB, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "b", Scope: scope.MustParse("globex-eg5-lig2")})
	require.NoError(t, err)

	first, err := store.CreateTask(ctx, taskgraph.TaskSpec{Hub: hubA.ID, Protocol: "rfe"})
	require.NoError(t, err)
	c.now = c.now.Add(time.Hour)
	second, err := store.CreateTask(ctx, taskgraph.TaskSpec{Hub: hubB.ID, Protocol: "nes"})
	require.NoError(t, err)
	third, err := store.CreateTask(ctx, taskgraph.TaskSpec{Hub: hubA.ID, Protocol: "rfe-hrex"})
	require.NoError(t, err)
	_, err = store.TryClaim(ctx, third, "gpu-node-1")
	require.NoError(t, err)

	ids := func(tasks []*taskgraph.Task) []string {
		out := make([]string, len(tasks))
		for i, task := range tasks {
			out[i] = task.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"everything in creation order", Filter{}, []string{first, second, third}},
		{"single hub", Filter{Hub: hubA.ID}, []string{first, third}},
		{"scope", Filter{Scopes: scope.Set{scope.MustParse("globex")}}, []string{second}},
		{"status", Filter{Statuses: []taskgraph.Status{taskgraph.StatusRunning}}, []string{third}},
		{"protocol glob", Filter{ProtocolGlob: "rfe*"}, []string{first, third}},
		{"claimant", Filter{Claimant: "gpu-node-1"}, []string{third}},
		{"created since", Filter{Created: timespec.Range{Since: c.now.Add(-time.Minute)}}, []string{second, third}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ListTasks(ctx, store, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	t.Run("jsonl output", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTasks(ctx, store, Filter{Hub: hubB.ID}, OutputFormatJSONL, &buf))
		var task taskgraph.Task
		require.NoError(t, json.Unmarshal(buf.Bytes(), &task))
		assert.Equal(t, second, task.ID)
	})
}

func TestShowTask(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "lig1", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	ids, err := store.CreateTasks(ctx, []taskgraph.TaskSpec{
		{Hub: hub.ID, Protocol: "rfe"},
		{Hub: hub.ID, Protocol: "rfe", PredecessorIndexes: []int{0}},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, ids[0], taskgraph.StatusInvalid, taskgraph.StatusWaiting))

	t.Run("blocked successor", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, ShowTask(ctx, store, ids[1], &buf))

		var detail map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &detail))
		assert.Equal(t, ids[1], detail["id"])
		assert.Equal(t, "lig1", detail["hub_name"])
		assert.Equal(t, "blocked", detail["eligibility"].(map[string]any)["state"])
		assert.Equal(t, ids[0], detail["blocked_by"].(map[string]any)["Predecessor"])
	})

	t.Run("missing task", func(t *testing.T) {
		err := ShowTask(ctx, store, "9999aaaa-0000-4000-8000-000000000009", &bytes.Buffer{})
		var nf *TaskNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}
