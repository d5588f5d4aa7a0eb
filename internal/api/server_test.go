package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/client"
	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/internal/scheduler"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type countingSweeper struct {
	n atomic.Int64
}

func (c *countingSweeper) Trigger() { c.n.Add(1) }

type testEnv struct {
	store   *taskgraph.Store
	objects objectstore.Store
	sweeper *countingSweeper
	srv     *httptest.Server
	hub     *taskgraph.TaskHub
}

var identities = []struct {
	name   string
	kind   auth.Kind
	scopes string
}{
	{"w1", auth.KindCompute, "acme-tyk2"},
	{"w2", auth.KindCompute, "acme"},
	{"eve", auth.KindCompute, "globex"},
	{"admin", auth.KindUser, "*"},
}

func setupServer(t *testing.T) *testEnv {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := taskgraph.NewStore(rdb, "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	objects, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var ids []auth.Identity
	for _, id := range identities {
		hash, err := auth.HashKey(id.name+"-key", bcrypt.MinCost)
		require.NoError(t, err)
		ids = append(ids, auth.Identity{Name: id.name, Kind: id.kind, KeyHash: hash, Scopes: scope.Set{scope.MustParse(id.scopes)}})
	}
	authn, err := auth.NewAuthenticator(rdb, "test", ids, 0)
	require.NoError(t, err)

	reg, m := metrics.NewRegistry()
	sweeper := &countingSweeper{}
	server := NewServer(store, scheduler.New(store, scheduler.WithMetrics(m)), objects, authn,
		WithSweeper(sweeper), WithMetrics(m, reg))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	hub, err := store.CreateHub(context.Background(), taskgraph.HubSpec{Name: "tyk2", Scope: scope.MustParse("acme-tyk2-lig1")})
	require.NoError(t, err)

	return &testEnv{store: store, objects: objects, sweeper: sweeper, srv: srv, hub: hub}
}

func (e *testEnv) client(t *testing.T, identity string) *client.Client {
	zero := 0
	noCache := false
	c, err := client.New(client.Config{
		BaseURL:    e.srv.URL,
		Identity:   identity,
		Key:        identity + "-key",
		MaxRetries: &zero,
		UseCache:   &noCache,
	})
	require.NoError(t, err)
	return c
}

func (e *testEnv) createTask(t *testing.T) string {
	id, err := e.store.CreateTask(context.Background(), taskgraph.TaskSpec{Hub: e.hub.ID, Protocol: "rfe"})
	require.NoError(t, err)
	return id
}

func register(t *testing.T, c *client.Client, claimLimit int) {
	require.NoError(t, c.Register(context.Background(), wire.RegisterRequest{
		ClaimLimit:               claimLimit,
		HeartbeatIntervalSeconds: 10,
	}))
}

func statusOf(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func TestClaimLifecycle(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	w1 := env.client(t, "w1")
	register(t, w1, 2)
	taskID := env.createTask(t)

	claimed, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{taskID}, claimed)

	task, err := w1.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusRunning, task.Status)
	assert.Equal(t, "w1", task.Claim.Claimant)

	require.NoError(t, w1.HeartbeatTask(ctx, taskID))
	require.NoError(t, w1.HeartbeatService(ctx))

	ref, err := w1.PutObject(ctx, wire.PutObjectRequest{Task: taskID, Kind: "results", Data: []byte(`{"dG":-1.5}`)})
	require.NoError(t, err)
	key, _, err := ref.Parse()
	require.NoError(t, err)
	assert.Equal(t, env.hub.Scope, key.Scope)

	require.NoError(t, w1.Report(ctx, taskID, wire.ReportRequest{Status: taskgraph.StatusComplete, ResultRef: ref.String()}))

	status, err := w1.GetStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusComplete, status)

	data, err := w1.GetObject(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dG":-1.5}`, string(data))

	empty, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.Positive(t, env.sweeper.n.Load())
	require.NoError(t, w1.Deregister(ctx))
	_, err = env.store.GetService(ctx, "w1")
	assert.True(t, taskgraph.IsNotFound(err))
}

func TestClaimRules(t *testing.T) {
	ctx := context.Background()

	t.Run("claim requires registration", func(t *testing.T) {
		env := setupServer(t)
		_, err := env.client(t, "w1").Claim(ctx, wire.ClaimRequest{Limit: 1})
		assert.ErrorIs(t, err, client.ErrNotFound)
	})

	t.Run("claim is capped at registered limit", func(t *testing.T) {
		env := setupServer(t)
		for i := 0; i < 3; i++ {
			env.createTask(t)
		}
		w1 := env.client(t, "w1")
		register(t, w1, 1)

		claimed, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})

	t.Run("claim outside authorized scopes is empty", func(t *testing.T) {
		env := setupServer(t)
		env.createTask(t)
		eve := env.client(t, "eve")
		register(t, eve, 1)

		claimed, err := eve.Claim(ctx, wire.ClaimRequest{Scopes: scope.Set{scope.All}, Limit: 1})
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("user identities cannot claim", func(t *testing.T) {
		env := setupServer(t)
		err := env.client(t, "admin").Register(ctx, wire.RegisterRequest{ClaimLimit: 1, HeartbeatIntervalSeconds: 1})
		assert.Equal(t, http.StatusForbidden, statusOf(err))
	})

	t.Run("invalid limit", func(t *testing.T) {
		env := setupServer(t)
		w1 := env.client(t, "w1")
		register(t, w1, 1)
		_, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 0})
		assert.ErrorIs(t, err, taskgraph.ErrInvalidSpec)
	})
}

func TestStaleClaimant(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	w1, w2 := env.client(t, "w1"), env.client(t, "w2")
	register(t, w1, 1)
	register(t, w2, 1)
	taskID := env.createTask(t)

	claimed, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = w2.HeartbeatTask(ctx, taskID)
	assert.True(t, taskgraph.IsConflict(err), "got %v", err)

	_, err = w2.PutObject(ctx, wire.PutObjectRequest{Task: taskID, Kind: "results", Data: []byte(`{}`)})
	assert.True(t, taskgraph.IsConflict(err), "got %v", err)

	err = w2.Report(ctx, taskID, wire.ReportRequest{Status: taskgraph.StatusComplete})
	assert.True(t, taskgraph.IsConflict(err), "got %v", err)

	status, err := w1.GetStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusRunning, status)
}

func TestReportValidation(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	w1 := env.client(t, "w1")
	register(t, w1, 2)
	first, second := env.createTask(t), env.createTask(t)
	_, err := w1.Claim(ctx, wire.ClaimRequest{Limit: 2})
	require.NoError(t, err)

	otherRef, err := w1.PutObject(ctx, wire.PutObjectRequest{Task: second, Kind: "results", Data: []byte(`{}`)})
	require.NoError(t, err)

	t.Run("ref of another task", func(t *testing.T) {
		err := w1.Report(ctx, first, wire.ReportRequest{Status: taskgraph.StatusComplete, ResultRef: otherRef.String()})
		assert.ErrorIs(t, err, taskgraph.ErrInvalidSpec)
	})

	t.Run("results ref on error report", func(t *testing.T) {
		err := w1.Report(ctx, second, wire.ReportRequest{Status: taskgraph.StatusError, ResultRef: otherRef.String()})
		assert.ErrorIs(t, err, taskgraph.ErrInvalidSpec)
	})

	t.Run("non-terminal status", func(t *testing.T) {
		err := w1.Report(ctx, first, wire.ReportRequest{Status: taskgraph.StatusWaiting})
		assert.ErrorIs(t, err, taskgraph.ErrInvalidSpec)
	})

	t.Run("error with failure payload", func(t *testing.T) {
		ref, err := w1.PutObject(ctx, wire.PutObjectRequest{Task: first, Kind: "failures", Data: []byte(`{"attempts":[]}`)})
		require.NoError(t, err)
		require.NoError(t, w1.Report(ctx, first, wire.ReportRequest{
			Status: taskgraph.StatusError, ResultRef: ref.String(), Reason: taskgraph.ReasonRetriesExhausted,
		}))

		task, err := env.store.GetTask(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, taskgraph.StatusError, task.Status)
		assert.Equal(t, ref.String(), task.ResultRef)
	})
}

func TestScopeEnforcement(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	taskID := env.createTask(t)
	eve := env.client(t, "eve")

	_, err := eve.GetTask(ctx, taskID)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	err = eve.Register(ctx, wire.RegisterRequest{Scopes: scope.Set{scope.MustParse("acme")}, ClaimLimit: 1, HeartbeatIntervalSeconds: 1})
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	admin := env.client(t, "admin")
	ref, err := admin.PutObject(ctx, wire.PutObjectRequest{
		Task: "0b7f3f7e-5f1a-4b8e-9c51-0d5e7c1f2a33", Kind: "inputs", Scope: env.hub.Scope, Data: []byte(`{"ligand":"lig1"}`),
	})
	require.NoError(t, err)

	_, err = eve.GetObject(ctx, ref)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	data, err := env.client(t, "w1").GetObject(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ligand":"lig1"}`, string(data))

	t.Run("compute cannot deregister others", func(t *testing.T) {
		err := env.client(t, "w1").Deregister(ctx)
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/services/w2", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token(t, env, "w1"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func token(t *testing.T, env *testEnv, identity string) string {
	body := `{"identity":"` + identity + `","key":"` + identity + `-key"}`
	resp, err := http.Post(env.srv.URL+"/token", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr wire.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	assert.Equal(t, int(auth.DefaultTokenTTL/time.Second), tr.ExpiresInSeconds)
	return tr.Token
}

func TestAuthentication(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	t.Run("wrong key", func(t *testing.T) {
		zero := 0
		noCache := false
		c, err := client.New(client.Config{
			BaseURL: env.srv.URL, Identity: "w1", Key: "nope", MaxRetries: &zero, UseCache: &noCache,
		})
		require.NoError(t, err)
		err = c.Register(ctx, wire.RegisterRequest{ClaimLimit: 1, HeartbeatIntervalSeconds: 1})
		assert.ErrorIs(t, err, client.ErrUnauthorized)
	})

	t.Run("missing and bogus tokens", func(t *testing.T) {
		for _, header := range []string{"", "Bearer ", "Bearer deadbeef", "Basic abc"} {
			req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/claim", strings.NewReader(`{"limit":1}`))
			require.NoError(t, err)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)

			var er wire.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, header)
			assert.Equal(t, wire.CodeUnauthorized, er.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/claim", strings.NewReader(`{`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token(t, env, "w1"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestNotFound(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	w1 := env.client(t, "w1")

	_, err := w1.GetTask(ctx, "7d9d2c1a-3b4c-4d5e-8f60-718293a4b5c6")
	assert.ErrorIs(t, err, client.ErrNotFound)

	err = w1.HeartbeatService(ctx)
	assert.ErrorIs(t, err, client.ErrNotFound)

	ref, err := objectstore.NewRef(objectstore.Key{
		Scope: env.hub.Scope, TaskID: "7d9d2c1a-3b4c-4d5e-8f60-718293a4b5c6", Kind: objectstore.KindResults,
	}, objectstore.Digest([]byte("missing")))
	require.NoError(t, err)
	_, err = w1.GetObject(ctx, ref)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupServer(t)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	text, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(text), `crucible_http_requests_total{code="200",route="GET /healthz"} 1`)
}
