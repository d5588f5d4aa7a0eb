// Package worker implements the compute service loop: claim tasks, run them
// through an engine, store the outcome and report it, while heartbeating
// every held claim.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/crucible/internal/client"
	"github.com/dyluth/crucible/internal/engine"
	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// API is the server surface the worker uses. *client.Client satisfies it.
type API interface {
	Register(ctx context.Context, req wire.RegisterRequest) error
	HeartbeatService(ctx context.Context) error
	Deregister(ctx context.Context) error
	Claim(ctx context.Context, req wire.ClaimRequest) ([]string, error)
	GetTask(ctx context.Context, taskID string) (*taskgraph.Task, error)
	HeartbeatTask(ctx context.Context, taskID string) error
	Report(ctx context.Context, taskID string, req wire.ReportRequest) error
	PutObject(ctx context.Context, req wire.PutObjectRequest) (objectstore.Ref, error)
	GetObject(ctx context.Context, ref objectstore.Ref) ([]byte, error)
}

// State is the worker's coarse activity, reported by the health endpoint.
type State string

const (
	StateIdle      State = "idle"
	StateClaiming  State = "claiming"
	StateExecuting State = "executing"
	StateReporting State = "reporting"
	StateStopped   State = "stopped"
)

// Worker runs the claim/execute/report loop for one compute identity.
type Worker struct {
	cfg     *Config
	api     API
	eng     engine.Engine
	metrics *metrics.Metrics

	mu        sync.Mutex
	held      map[string]context.CancelFunc // task id -> cancels its execution
	claiming  bool
	reporting int
	stopped   bool
	hbErr     error // Last service heartbeat failure, nil once it recovers

	slotFreed chan struct{}
	started   atomic.Int64 // Tasks taken on
	completed atomic.Int64 // Tasks reported complete
	wg        sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records worker metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// New creates a worker. cfg must have been validated.
func New(cfg *Config, api API, eng engine.Engine, opts ...Option) *Worker {
	w := &Worker{
		cfg:       cfg,
		api:       api,
		eng:       eng,
		held:      make(map[string]context.CancelFunc),
		slotFreed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New(prometheus.NewRegistry())
	}
	return w
}

// State returns the current coarse state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.stopped:
		return StateStopped
	case w.claiming:
		return StateClaiming
	case w.reporting > 0:
		return StateReporting
	case len(w.held) > 0:
		return StateExecuting
	default:
		return StateIdle
	}
}

// Held returns the number of tasks currently held.
func (w *Worker) Held() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}

// Completed returns the number of tasks reported complete.
func (w *Worker) Completed() int64 {
	return w.completed.Load()
}

func (w *Worker) register(ctx context.Context) error {
	return w.api.Register(ctx, wire.RegisterRequest{
		Scopes:                   w.cfg.ScopeSet(),
		Protocols:                w.cfg.Protocols,
		ClaimLimit:               w.cfg.ClaimLimit,
		HeartbeatIntervalSeconds: w.cfg.HeartbeatInterval.Seconds(),
	})
}

// Run registers, then claims and executes tasks until ctx is cancelled or a
// budget is spent. Tasks in flight when ctx is cancelled are abandoned to the
// server's liveness monitor; tasks in flight when a budget is spent are
// finished first. The registration is removed on return.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	log.Printf("[Worker] [INFO] Registered as %s (scopes=%v, claim_limit=%d)",
		w.cfg.Client.Identity, w.cfg.Scopes, w.cfg.ClaimLimit)

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()

	err := w.claimLoop(ctx)

	w.wg.Wait()
	stopHeartbeats()
	<-hbDone

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	deregCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := w.api.Deregister(deregCtx); derr != nil {
		log.Printf("[Worker] [WARN] Failed to deregister: %v", derr)
	}

	log.Printf("[Worker] [INFO] Stopped after %d tasks (%d complete)", w.started.Load(), w.completed.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) claimLoop(ctx context.Context) error {
	var deadline time.Time
	if w.cfg.MaxTime > 0 {
		deadline = time.Now().Add(w.cfg.MaxTime)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Printf("[Worker] [INFO] max_time of %v reached", w.cfg.MaxTime)
			return nil
		}
		remaining := -1
		if w.cfg.MaxTasks > 0 {
			remaining = w.cfg.MaxTasks - int(w.started.Load())
			if remaining <= 0 {
				log.Printf("[Worker] [INFO] max_tasks of %d reached", w.cfg.MaxTasks)
				return nil
			}
		}

		want := w.cfg.ClaimLimit - w.Held()
		if remaining >= 0 && remaining < want {
			want = remaining
		}
		if want <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.slotFreed:
			}
			continue
		}

		ids, err := w.claim(ctx, want)
		if errors.Is(err, client.ErrUnauthorized) {
			return err
		}
		if errors.Is(err, client.ErrNotFound) {
			log.Printf("[Worker] [WARN] Not registered, registering again")
			err = w.register(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("[Worker] [WARN] Claim failed: %v", err)
		}
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		for _, id := range ids {
			w.start(ctx, id)
		}
	}
}

func (w *Worker) claim(ctx context.Context, limit int) ([]string, error) {
	w.mu.Lock()
	w.claiming = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.claiming = false
		w.mu.Unlock()
	}()

	return w.api.Claim(ctx, wire.ClaimRequest{
		Scopes:    w.cfg.ScopeSet(),
		Protocols: w.cfg.Protocols,
		Limit:     limit,
	})
}

// start takes on a claimed task in its own goroutine.
func (w *Worker) start(ctx context.Context, taskID string) {
	taskCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.held[taskID] = cancel
	held := len(w.held)
	w.mu.Unlock()
	w.metrics.WorkerHeld.Set(float64(held))
	w.started.Add(1)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(taskID)
		w.process(taskCtx, taskID)
	}()
}

func (w *Worker) release(taskID string) {
	w.mu.Lock()
	if cancel, ok := w.held[taskID]; ok {
		cancel()
		delete(w.held, taskID)
	}
	held := len(w.held)
	w.mu.Unlock()
	w.metrics.WorkerHeld.Set(float64(held))

	select {
	case w.slotFreed <- struct{}{}:
	default:
	}
}

// abandon stops work on a task whose claim was lost.
func (w *Worker) abandon(taskID string) {
	w.mu.Lock()
	cancel, ok := w.held[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) heldIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.held))
	for id := range w.held {
		ids = append(ids, id)
	}
	return ids
}

// heartbeatLoop refreshes every held claim and the registration. It runs
// independently of execution so long engine runs keep their claims.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeatOnce(ctx)
		}
	}
}

func (w *Worker) heartbeatOnce(ctx context.Context) {
	for _, id := range w.heldIDs() {
		err := w.api.HeartbeatTask(ctx, id)
		switch {
		case err == nil:
		case taskgraph.IsConflict(err), errors.Is(err, client.ErrNotFound):
			log.Printf("[Worker] [WARN] Lost claim on task %s: %v", id, err)
			w.abandon(id)
		default:
			if ctx.Err() == nil {
				log.Printf("[Worker] [WARN] Heartbeat for task %s failed: %v", id, err)
			}
		}
	}

	err := w.api.HeartbeatService(ctx)
	if errors.Is(err, client.ErrNotFound) {
		log.Printf("[Worker] [WARN] Registration expired, registering again")
		err = w.register(ctx)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[Worker] [WARN] Service heartbeat failed: %v", err)
	}
	w.mu.Lock()
	w.hbErr = err
	w.mu.Unlock()
}

// Healthy reports whether the worker is running and its last service
// heartbeat reached the server.
func (w *Worker) Healthy() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("worker stopped")
	}
	if w.hbErr != nil {
		return fmt.Errorf("service heartbeat failing: %w", w.hbErr)
	}
	return nil
}

// failure is the payload stored when local retries are exhausted.
type failure struct {
	TaskID   string            `json:"task_id"`
	Claimant string            `json:"claimant"`
	Attempts []*attemptFailure `json:"attempts"`
}

type attemptFailure struct {
	Attempt int                    `json:"attempt"`
	Error   string                 `json:"error"`
	Detail  *engine.ExecutionError `json:"detail,omitempty"`
}

// process runs one held task to a report.
func (w *Worker) process(ctx context.Context, taskID string) {
	start := time.Now()
	outcome := w.execute(ctx, taskID)
	w.metrics.WorkerExecutions.WithLabelValues(outcome).Inc()
	w.metrics.WorkerDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) execute(ctx context.Context, taskID string) string {
	task, err := w.api.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("[Worker] [ERROR] Failed to fetch task %s: %v", taskID, err)
		return "abandoned"
	}

	var payload json.RawMessage
	if task.InputRef != "" {
		data, err := w.api.GetObject(ctx, objectstore.Ref(task.InputRef))
		if err != nil {
			log.Printf("[Worker] [ERROR] Failed to fetch input for task %s: %v", taskID, err)
			return "abandoned"
		}
		payload = data
	}

	sharedDir := filepath.Join(w.cfg.SharedDir, taskID)
	scratchRoot := filepath.Join(w.cfg.ScratchDir, taskID)
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		log.Printf("[Worker] [ERROR] Failed to create shared dir: %v", err)
		return "abandoned"
	}
	defer func() {
		if !w.cfg.KeepShared {
			os.RemoveAll(sharedDir)
		}
		if !w.cfg.KeepScratch {
			os.RemoveAll(scratchRoot)
		}
	}()

	fail := &failure{TaskID: taskID, Claimant: w.cfg.Client.Identity}
	attempts := 1 + *w.cfg.LocalRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		in := engine.Input{
			TaskID:   taskID,
			Protocol: task.Protocol,
			Scope:    task.Scope,
			Attempt:  attempt,
			Payload:  payload,
		}
		res, err := w.attempt(ctx, in, sharedDir, filepath.Join(scratchRoot, strconv.Itoa(attempt)))
		w.metrics.WorkerAttempts.Inc()
		if err == nil {
			return w.reportSuccess(ctx, task, res)
		}
		if ctx.Err() != nil {
			log.Printf("[Worker] [INFO] Task %s interrupted during attempt %d", taskID, attempt)
			return "abandoned"
		}

		log.Printf("[Worker] [WARN] Task %s attempt %d/%d failed: %v", taskID, attempt, attempts, err)
		af := &attemptFailure{Attempt: attempt, Error: err.Error()}
		var execErr *engine.ExecutionError
		if errors.As(err, &execErr) {
			af.Detail = execErr
		}
		fail.Attempts = append(fail.Attempts, af)
	}

	return w.reportFailure(ctx, task, fail)
}

// attempt runs the engine once in a fresh scratch directory. A panic in the
// engine is converted to an error.
func (w *Worker) attempt(ctx context.Context, in engine.Input, sharedDir, scratchDir string) (res *engine.Result, err error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if !w.cfg.KeepScratch {
			os.RemoveAll(scratchDir)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("engine panicked: %v", r)
		}
	}()

	return w.eng.Execute(ctx, in, sharedDir, scratchDir)
}

func (w *Worker) beginReport() func() {
	w.mu.Lock()
	w.reporting++
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.reporting--
		w.mu.Unlock()
	}
}

func (w *Worker) reportSuccess(ctx context.Context, task *taskgraph.Task, res *engine.Result) string {
	defer w.beginReport()()

	ref, err := w.api.PutObject(ctx, wire.PutObjectRequest{
		Task:  task.ID,
		Kind:  string(objectstore.KindResults),
		Scope: task.Scope,
		Data:  res.Output,
	})
	if err != nil {
		log.Printf("[Worker] [ERROR] Failed to store result for task %s: %v", task.ID, err)
		return "abandoned"
	}

	err = w.api.Report(ctx, task.ID, wire.ReportRequest{Status: taskgraph.StatusComplete, ResultRef: string(ref)})
	if outcome, done := w.reportOutcome(task.ID, err); done {
		return outcome
	}
	w.completed.Add(1)
	log.Printf("[Worker] [INFO] Task %s complete: %s", task.ID, ref)
	return "complete"
}

func (w *Worker) reportFailure(ctx context.Context, task *taskgraph.Task, fail *failure) string {
	defer w.beginReport()()

	data, err := json.Marshal(fail)
	if err != nil {
		log.Printf("[Worker] [ERROR] Failed to marshal failure for task %s: %v", task.ID, err)
		return "abandoned"
	}

	var refStr string
	ref, err := w.api.PutObject(ctx, wire.PutObjectRequest{
		Task:  task.ID,
		Kind:  string(objectstore.KindFailures),
		Scope: task.Scope,
		Data:  data,
	})
	if err != nil {
		log.Printf("[Worker] [WARN] Failed to store failure payload for task %s: %v", task.ID, err)
	} else {
		refStr = string(ref)
	}

	err = w.api.Report(ctx, task.ID, wire.ReportRequest{
		Status:    taskgraph.StatusError,
		ResultRef: refStr,
		Reason:    taskgraph.ReasonRetriesExhausted,
	})
	if outcome, done := w.reportOutcome(task.ID, err); done {
		return outcome
	}
	log.Printf("[Worker] [INFO] Task %s failed after %d attempts", task.ID, len(fail.Attempts))
	return "error"
}

// reportOutcome classifies a report error. done is false on success.
func (w *Worker) reportOutcome(taskID string, err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case taskgraph.IsConflict(err):
		log.Printf("[Worker] [WARN] Report for task %s rejected, claim was lost; result discarded: %v", taskID, err)
		return "discarded", true
	default:
		log.Printf("[Worker] [ERROR] Failed to report task %s: %v", taskID, err)
		return "abandoned", true
	}
}
