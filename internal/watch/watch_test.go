package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	events chan *taskgraph.TaskEvent
	errors chan error
}

func (c *chanSource) Events() <-chan *taskgraph.TaskEvent { return c.events }
func (c *chanSource) Errors() <-chan error                 { return c.errors }

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 10, 9, 30, 5, 0, time.UTC).UnixMilli()

	tests := []struct {
		name string
		ev   taskgraph.TaskEvent
		want string
	}{
		{
			name: "created",
			ev:   taskgraph.TaskEvent{Type: taskgraph.EventCreated, TaskID: "t1", HubID: "h1", TimestampMs: ts},
			want: "[09:30:05] ✨ Task created: t1 (hub=h1)",
		},
		{
			name: "claimed",
			ev: taskgraph.TaskEvent{Type: taskgraph.EventTransition, TaskID: "t1", From: taskgraph.StatusWaiting,
				To: taskgraph.StatusRunning, Claimant: "gpu-node-1", TimestampMs: ts},
			want: "[09:30:05] ⚙️ Task t1: waiting → running by gpu-node-1",
		},
		{
			name: "error with reason",
			ev: taskgraph.TaskEvent{Type: taskgraph.EventTransition, TaskID: "t1", From: taskgraph.StatusRunning,
				To: taskgraph.StatusError, Reason: "retries_exhausted", TimestampMs: ts},
			want: "[09:30:05] ❌ Task t1: running → error (retries_exhausted)",
		},
		{
			name: "reclaimed",
			ev: taskgraph.TaskEvent{Type: taskgraph.EventReclaimed, TaskID: "t1", Claimant: "gpu-node-1",
				To: taskgraph.StatusWaiting, RetryCount: 2, TimestampMs: ts},
			want: "[09:30:05] ♻️  Task t1 reclaimed from gpu-node-1 → waiting (retry 2)",
		},
		{
			name: "service expired",
			ev:   taskgraph.TaskEvent{Type: taskgraph.EventServiceGone, Claimant: "gpu-node-1", TimestampMs: ts},
			want: "[09:30:05] 💀 Service gpu-node-1 expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEvent(&tt.ev))
		})
	}
}

func TestStreamEvents(t *testing.T) {
	t.Run("stops when the source closes", func(t *testing.T) {
		src := &chanSource{events: make(chan *taskgraph.TaskEvent, 2), errors: make(chan error, 1)}
		src.events <- &taskgraph.TaskEvent{Type: taskgraph.EventCreated, TaskID: "t1"}
		src.errors <- errors.New("failed to unmarshal task event")
		close(src.errors)

		var buf bytes.Buffer
		done := make(chan error)
		go func() { done <- StreamEvents(context.Background(), src, OutputFormatDefault, &buf) }()

		time.Sleep(20 * time.Millisecond)
		close(src.events)
		require.NoError(t, <-done)
		assert.Contains(t, buf.String(), "Task created: t1")
		assert.Contains(t, buf.String(), "⚠️  failed to unmarshal")
	})

	t.Run("json lines", func(t *testing.T) {
		src := &chanSource{events: make(chan *taskgraph.TaskEvent, 1), errors: make(chan error)}
		src.events <- &taskgraph.TaskEvent{Type: taskgraph.EventBlocked, TaskID: "t2"}
		close(src.events)

		var buf bytes.Buffer
		require.NoError(t, StreamEvents(context.Background(), src, OutputFormatJSON, &buf))

		var ev taskgraph.TaskEvent
		require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
		assert.Equal(t, taskgraph.EventBlocked, ev.Type)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		src := &chanSource{events: make(chan *taskgraph.TaskEvent), errors: make(chan error)}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, StreamEvents(ctx, src, OutputFormatDefault, &bytes.Buffer{}))
	})
}

// syncBuffer guards a buffer written by the streaming goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupStore(t *testing.T) *taskgraph.Store {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := taskgraph.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStreamEvents_Store(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.SubscribeTaskEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	out := &syncBuffer{}
	done := make(chan error)
	go func() { done <- StreamEvents(ctx, sub, OutputFormatDefault, out) }()

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "lig1", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	id, err := store.CreateTask(ctx, taskgraph.TaskSpec{Hub: hub.ID, Protocol: "rfe"})
	require.NoError(t, err)
	_, err = store.TryClaim(ctx, id, "gpu-node-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "waiting → running by gpu-node-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Task created: "+id)

	cancel()
	require.NoError(t, <-done)
}

func TestWaitForTerminal(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, taskgraph.HubSpec{Name: "lig1", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)
	id, err := store.CreateTask(ctx, taskgraph.TaskSpec{Hub: hub.ID, Protocol: "rfe"})
	require.NoError(t, err)

	t.Run("times out while waiting", func(t *testing.T) {
		status, err := WaitForTerminal(ctx, store, id, 50*time.Millisecond, 10*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for task")
		assert.Equal(t, taskgraph.StatusWaiting, status)
	})

	t.Run("returns once terminal", func(t *testing.T) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			store.SetStatus(ctx, id, taskgraph.StatusInvalid, taskgraph.StatusWaiting)
		}()
		status, err := WaitForTerminal(ctx, store, id, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, taskgraph.StatusInvalid, status)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := WaitForTerminal(ctx, store, "missing", time.Second, 10*time.Millisecond)
		require.Error(t, err)
		assert.True(t, taskgraph.IsNotFound(err))
	})
}
