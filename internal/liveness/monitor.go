// Package liveness detects compute services that stopped heartbeating and
// returns the tasks they held to the pool.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultGraceFactor       = 3
	DefaultSweepInterval     = 30 * time.Second
	DefaultMinSweepGap       = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Store is the subset of the task graph the monitor needs.
type Store interface {
	ListRunning(ctx context.Context) ([]*taskgraph.Task, error)
	ListServices(ctx context.Context) ([]*taskgraph.ServiceRegistration, error)
	Reclaim(ctx context.Context, taskID, claimant string, observedHeartbeatMs int64) (*taskgraph.ReclaimResult, error)
	ExpireService(ctx context.Context, identity string, observedHeartbeatMs int64) (bool, error)
	Now() time.Time
}

// Config tunes expiry detection.
type Config struct {
	// GraceFactor multiplies a claimant's heartbeat interval to get the
	// silence after which its claims expire.
	GraceFactor   float64
	SweepInterval time.Duration
	MinSweepGap   time.Duration
	// DefaultHeartbeatInterval applies to claimants with no registration.
	DefaultHeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.GraceFactor <= 0 {
		c.GraceFactor = DefaultGraceFactor
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MinSweepGap <= 0 {
		c.MinSweepGap = DefaultMinSweepGap
	}
	if c.DefaultHeartbeatInterval <= 0 {
		c.DefaultHeartbeatInterval = DefaultHeartbeatInterval
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Requeued        []string // Back to waiting
	Failed          []string // Retries exhausted, now error
	Conflicts       int      // Expiries resolved by someone else first
	ServicesExpired []string
}

// Monitor reclaims tasks whose claimant has gone silent.
type Monitor struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics

	trigger chan struct{}

	mu        sync.Mutex // Serializes sweeps
	lastSweep time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics records reclaim metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

// New creates a monitor. Zero config fields take their defaults.
func New(store Store, cfg Config, opts ...Option) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		store:   store,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(prometheus.NewRegistry())
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Sweep reclaims every expired claim and expires silent registrations.
// Per-task failures are logged and skipped; only a failure to read the
// running set aborts the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() { m.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var report SweepReport
	now := m.store.Now()
	m.lastSweep = now
	nowMs := now.UnixMilli()

	services, err := m.store.ListServices(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list services: %w", err)
	}
	intervals := make(map[string]time.Duration, len(services))
	for _, svc := range services {
		intervals[svc.Identity] = svc.HeartbeatInterval
	}

	running, err := m.store.ListRunning(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list running tasks: %w", err)
	}

	for _, task := range running {
		if task.Claim == nil {
			continue
		}
		if !m.expired(nowMs, task.Claim.LastHeartbeatMs, m.intervalFor(intervals, task.Claim.Claimant)) {
			continue
		}

		res, err := m.store.Reclaim(ctx, task.ID, task.Claim.Claimant, task.Claim.LastHeartbeatMs)
		switch {
		case err == nil:
		case taskgraph.IsConflict(err), taskgraph.IsNotFound(err):
			report.Conflicts++
			m.metrics.Reclaims.WithLabelValues("conflict").Inc()
			continue
		default:
			log.Printf("[Monitor] [WARN] Failed to reclaim task %s: %v", task.ID, err)
			continue
		}

		m.metrics.Reclaims.WithLabelValues(string(res.Status)).Inc()
		if res.Status == taskgraph.StatusError {
			report.Failed = append(report.Failed, task.ID)
		} else {
			report.Requeued = append(report.Requeued, task.ID)
		}
		logEvent("task_reclaimed", map[string]interface{}{
			"task_id":     task.ID,
			"claimant":    task.Claim.Claimant,
			"status":      res.Status,
			"retry_count": res.RetryCount,
			"silent_ms":   nowMs - task.Claim.LastHeartbeatMs,
		})
	}

	for _, svc := range services {
		if !m.expired(nowMs, svc.LastHeartbeatMs, m.intervalFor(intervals, svc.Identity)) {
			continue
		}
		removed, err := m.store.ExpireService(ctx, svc.Identity, svc.LastHeartbeatMs)
		if err != nil {
			log.Printf("[Monitor] [WARN] Failed to expire service %s: %v", svc.Identity, err)
			continue
		}
		if removed {
			m.metrics.ServicesExpired.Inc()
			report.ServicesExpired = append(report.ServicesExpired, svc.Identity)
			log.Printf("[Monitor] [INFO] Expired silent service %s", svc.Identity)
		}
	}

	return report, nil
}

func (m *Monitor) intervalFor(intervals map[string]time.Duration, identity string) time.Duration {
	if iv, ok := intervals[identity]; ok && iv > 0 {
		return iv
	}
	return m.cfg.DefaultHeartbeatInterval
}

// expired reports whether a heartbeat at lastMs is older than
// interval × GraceFactor at nowMs.
func (m *Monitor) expired(nowMs, lastMs int64, interval time.Duration) bool {
	limit := time.Duration(float64(interval) * m.cfg.GraceFactor)
	return nowMs-lastMs > limit.Milliseconds()
}

// Trigger requests an opportunistic sweep. It never blocks; requests arriving
// within MinSweepGap of the previous sweep are dropped by Run.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps every SweepInterval and on Trigger until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[Monitor] [INFO] Liveness monitor started (interval=%v, grace=%.1fx)",
		m.cfg.SweepInterval, m.cfg.GraceFactor)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Monitor] [INFO] Liveness monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.runSweep(ctx)
		case <-m.trigger:
			if m.sinceLastSweep() < m.cfg.MinSweepGap {
				continue
			}
			m.runSweep(ctx)
		}
	}
}

func (m *Monitor) sinceLastSweep() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSweep.IsZero() {
		return m.cfg.MinSweepGap
	}
	return m.store.Now().Sub(m.lastSweep)
}

func (m *Monitor) runSweep(ctx context.Context) {
	report, err := m.Sweep(ctx)
	if err != nil {
		log.Printf("[Monitor] [ERROR] Sweep failed: %v", err)
		return
	}
	if n := len(report.Requeued) + len(report.Failed) + len(report.ServicesExpired); n > 0 {
		log.Printf("[Monitor] [INFO] Sweep: %d requeued, %d failed, %d services expired, %d conflicts",
			len(report.Requeued), len(report.Failed), len(report.ServicesExpired), report.Conflicts)
	}
}

// logEvent logs a structured event in JSON format.
func logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "monitor"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Monitor] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}
