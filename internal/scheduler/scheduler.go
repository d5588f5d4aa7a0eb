// Package scheduler implements the claim protocol: weighted selection of
// eligible tasks across task hubs, followed by an atomic claim per task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is the subset of the task graph the scheduler needs.
type Store interface {
	ListHubs(ctx context.Context, scopes scope.Set) ([]*taskgraph.TaskHub, error)
	Candidates(ctx context.Context, hubID string, filter taskgraph.CandidateFilter) ([]taskgraph.Candidate, error)
	TryClaim(ctx context.Context, taskID, claimant string) (*taskgraph.Claim, error)
}

// Request is a claim call from a compute identity.
type Request struct {
	Identity  string
	Scopes    scope.Set // Already restricted to what the identity is authorized for
	Protocols []string  // Empty allows every protocol
	Limit     int
}

// Validate checks the request fields.
func (r Request) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if r.Limit < 1 {
		return fmt.Errorf("limit must be >= 1, got %d", r.Limit)
	}
	return nil
}

// Scheduler hands out tasks. It holds no scheduling state of its own: every
// decision is re-validated by the store's atomic claim, so any number of
// schedulers may run against one store.
type Scheduler struct {
	store   Store
	metrics *metrics.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand injects the random source used for weighted selection.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) {
		s.rng = rng
	}
}

// WithMetrics records claim metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler over store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

type hubPool struct {
	hub    *taskgraph.TaskHub
	cands  []taskgraph.Candidate
	loaded bool
}

// Claim selects and claims up to req.Limit tasks. A hub is drawn with
// probability proportional to its weight, then a task within it with
// probability proportional to task weight; drawn tasks are not replaced.
// Finding nothing is the normal idle outcome and returns an empty slice.
func (s *Scheduler) Claim(ctx context.Context, req Request) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.metrics.ClaimDuration.Observe(time.Since(start).Seconds()) }()

	claimed := []string{}
	if len(req.Scopes) == 0 {
		s.metrics.ClaimRequests.WithLabelValues("empty").Inc()
		return claimed, nil
	}

	hubs, err := s.store.ListHubs(ctx, req.Scopes)
	if err != nil {
		s.metrics.ClaimRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list hubs: %w", err)
	}

	pools := make([]*hubPool, 0, len(hubs))
	for _, h := range hubs {
		if h.Weight > 0 {
			pools = append(pools, &hubPool{hub: h})
		}
	}

	filter := taskgraph.CandidateFilter{Scopes: req.Scopes, Protocols: req.Protocols}

	for len(claimed) < req.Limit && len(pools) > 0 {
		if err := ctx.Err(); err != nil {
			return s.finish(claimed, err)
		}

		hi := s.pick(hubWeights(pools))
		pool := pools[hi]

		if !pool.loaded {
			cands, err := s.store.Candidates(ctx, pool.hub.ID, filter)
			if err != nil {
				return s.finish(claimed, fmt.Errorf("failed to load candidates for hub %s: %w", pool.hub.ID, err))
			}
			pool.cands = cands
			pool.loaded = true
		}

		ti := s.pick(taskWeights(pool.cands))
		if ti < 0 {
			pools = append(pools[:hi], pools[hi+1:]...)
			continue
		}
		cand := pool.cands[ti]
		pool.cands = append(pool.cands[:ti], pool.cands[ti+1:]...)

		_, err := s.store.TryClaim(ctx, cand.ID, req.Identity)
		switch {
		case err == nil:
			claimed = append(claimed, cand.ID)
		case taskgraph.IsConflict(err), taskgraph.IsNotFound(err):
			s.metrics.ClaimConflicts.Inc()
		default:
			return s.finish(claimed, fmt.Errorf("failed to claim task %s: %w", cand.ID, err))
		}
	}

	return s.finish(claimed, nil)
}

// finish records the outcome. Tasks already claimed are returned even when a
// later step failed, since they are running under the requester.
func (s *Scheduler) finish(claimed []string, err error) ([]string, error) {
	if err != nil && len(claimed) == 0 {
		s.metrics.ClaimRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[WARN] Claim stopped early after %d tasks: %v", len(claimed), err)
	}

	if len(claimed) == 0 {
		s.metrics.ClaimRequests.WithLabelValues("empty").Inc()
	} else {
		s.metrics.ClaimRequests.WithLabelValues("claimed").Inc()
		s.metrics.TasksClaimed.Add(float64(len(claimed)))
	}
	return claimed, nil
}

func (s *Scheduler) pick(weights []float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newCumulative(weights).pick(s.rng)
}

func hubWeights(pools []*hubPool) []float64 {
	w := make([]float64, len(pools))
	for i, p := range pools {
		w[i] = p.hub.Weight
	}
	return w
}

func taskWeights(cands []taskgraph.Candidate) []float64 {
	w := make([]float64, len(cands))
	for i, c := range cands {
		w[i] = c.Weight
	}
	return w
}
