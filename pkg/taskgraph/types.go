package taskgraph

import (
	"fmt"
	"time"

	"github.com/dyluth/crucible/pkg/scope"
	"github.com/google/uuid"
)

const (
	// DefaultHubWeight is the selection weight of a hub created without one.
	DefaultHubWeight = 0.5

	// DefaultTaskWeight is the selection weight of a task created without one.
	DefaultTaskWeight = 0.5

	// DefaultMaxRetries is the number of reclaims a task tolerates before it
	// is moved to error.
	DefaultMaxRetries = 3
)

// TaskHub is a weighted, scoped collection of Tasks that compute services
// claim from.
type TaskHub struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Scope       scope.Scope `json:"scope"`
	Weight      float64     `json:"weight"` // Relative selection probability in [0,1]; 0 excludes the hub
	Seq         int64       `json:"seq"`    // Insertion order, used to break ties
	CreatedAtMs int64       `json:"created_at_ms"`
}

// HubSpec describes a hub to create.
type HubSpec struct {
	Name   string
	Scope  scope.Scope
	Weight *float64 // nil selects DefaultHubWeight
}

// Task is a unit of schedulable simulation work.
type Task struct {
	ID           string      `json:"id"`
	Hub          string      `json:"hub"`
	Status       Status      `json:"status"`
	Weight       float64     `json:"weight"`
	Predecessors []string    `json:"predecessors"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	Protocol     string      `json:"protocol"`
	Scope        scope.Scope `json:"scope"`
	InputRef     string      `json:"input_ref,omitempty"`  // Object store ref of the serialized task input
	ResultRef    string      `json:"result_ref,omitempty"` // Set when the task leaves running with a payload
	Reason       string      `json:"reason,omitempty"`
	Claim        *Claim      `json:"claim,omitempty"` // Present only while running
	Seq          int64       `json:"seq"`
	CreatedAtMs  int64       `json:"created_at_ms"`
}

// Claim is the lease a compute service holds on a running Task.
type Claim struct {
	Claimant        string `json:"claimant"`
	LeaseAcquiredMs int64  `json:"lease_acquired_ms"`
	LastHeartbeatMs int64  `json:"last_heartbeat_ms"`
}

// TaskSpec describes a task to create. Predecessors reference existing tasks
// by ID; PredecessorIndexes reference earlier or later members of the same
// CreateTasks batch.
type TaskSpec struct {
	Hub                string
	Predecessors       []string
	PredecessorIndexes []int
	Weight             *float64 // nil selects DefaultTaskWeight
	Protocol           string
	Scope              scope.Scope // Zero value inherits the hub's scope
	MaxRetries         *int        // nil selects DefaultMaxRetries
	InputRef           string
}

// ServiceRegistration identifies a running compute service.
type ServiceRegistration struct {
	Identity          string        `json:"identity"`
	Scopes            scope.Set     `json:"scopes"`
	Protocols         []string      `json:"protocols"` // Empty means any protocol
	ClaimLimit        int           `json:"claim_limit"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	RegisteredAtMs    int64         `json:"registered_at_ms"`
	LastHeartbeatMs   int64         `json:"last_heartbeat_ms"`
}

// Validate checks the registration fields.
func (r *ServiceRegistration) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if r.ClaimLimit < 1 {
		return fmt.Errorf("claim_limit must be >= 1, got %d", r.ClaimLimit)
	}
	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", r.HeartbeatInterval)
	}
	for _, sc := range r.Scopes {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("invalid scope: %w", err)
		}
	}
	return nil
}

// AllowsProtocol reports whether a protocol allowlist admits protocol.
// An empty allowlist is unrestricted.
func AllowsProtocol(allowlist []string, protocol string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, p := range allowlist {
		if p == protocol {
			return true
		}
	}
	return false
}

// Validate checks the hub fields.
func (h *TaskHub) Validate() error {
	if !isValidUUID(h.ID) {
		return fmt.Errorf("invalid hub ID: not a valid UUID")
	}
	if h.Name == "" {
		return fmt.Errorf("hub name cannot be empty")
	}
	if !h.Scope.IsSpecific() {
		return fmt.Errorf("hub scope must be specific, got %s", h.Scope)
	}
	if err := validateHubWeight(h.Weight); err != nil {
		return err
	}
	return nil
}

func validateHubWeight(w float64) error {
	if !validWeight(w) {
		return fmt.Errorf("hub weight must be within [0,1], got %v", w)
	}
	return nil
}

// validWeight is false for NaN and anything outside [0,1].
func validWeight(w float64) bool {
	return w >= 0 && w <= 1
}

// Validate checks the task fields.
func (t *Task) Validate() error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}
	if !isValidUUID(t.Hub) {
		return fmt.Errorf("invalid hub ID: not a valid UUID")
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if !validWeight(t.Weight) {
		return fmt.Errorf("task weight must be within [0,1], got %v", t.Weight)
	}
	if t.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", t.MaxRetries)
	}
	if t.Protocol == "" {
		return fmt.Errorf("protocol cannot be empty")
	}
	if !t.Scope.IsSpecific() {
		return fmt.Errorf("task scope must be specific, got %s", t.Scope)
	}
	for i, p := range t.Predecessors {
		if !isValidUUID(p) {
			return fmt.Errorf("invalid predecessor at index %d: not a valid UUID", i)
		}
		if p == t.ID {
			return fmt.Errorf("task cannot depend on itself")
		}
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
