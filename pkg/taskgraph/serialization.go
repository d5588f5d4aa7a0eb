package taskgraph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/crucible/pkg/scope"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). List fields are
// JSON-encoded into single hash fields. Status, claimant and heartbeat are
// plain fields so the Lua transition scripts can read and write them.

// TaskToHash converts a Task to a Redis hash. Claim fields are only present
// while the task is running.
func TaskToHash(t *Task) (map[string]interface{}, error) {
	preds := t.Predecessors
	if preds == nil {
		preds = []string{}
	}
	predsJSON, err := json.Marshal(preds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predecessors: %w", err)
	}

	hash := map[string]interface{}{
		"id":            t.ID,
		"hub":           t.Hub,
		"status":        string(t.Status),
		"weight":        formatWeight(t.Weight),
		"predecessors":  string(predsJSON),
		"retry_count":   t.RetryCount,
		"max_retries":   t.MaxRetries,
		"protocol":      t.Protocol,
		"scope":         t.Scope.String(),
		"input_ref":     t.InputRef,
		"result_ref":    t.ResultRef,
		"reason":        t.Reason,
		"seq":           t.Seq,
		"created_at_ms": t.CreatedAtMs,
	}

	if t.Claim != nil {
		hash["claimant"] = t.Claim.Claimant
		hash["lease_acquired_ms"] = t.Claim.LeaseAcquiredMs
		hash["last_heartbeat_ms"] = t.Claim.LastHeartbeatMs
	}

	return hash, nil
}

// HashToTask converts a Redis hash to a Task.
func HashToTask(hash map[string]string) (*Task, error) {
	weight, err := strconv.ParseFloat(hash["weight"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid weight field: %w", err)
	}

	retryCount, err := strconv.Atoi(hash["retry_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid retry_count field: %w", err)
	}

	maxRetries, err := strconv.Atoi(hash["max_retries"])
	if err != nil {
		return nil, fmt.Errorf("invalid max_retries field: %w", err)
	}

	sc, err := scope.Parse(hash["scope"])
	if err != nil {
		return nil, fmt.Errorf("invalid scope field: %w", err)
	}

	var preds []string
	if predsJSON := hash["predecessors"]; predsJSON != "" {
		if err := json.Unmarshal([]byte(predsJSON), &preds); err != nil {
			return nil, fmt.Errorf("failed to unmarshal predecessors: %w", err)
		}
	}
	if preds == nil {
		preds = []string{}
	}

	seq, _ := strconv.ParseInt(hash["seq"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	t := &Task{
		ID:           hash["id"],
		Hub:          hash["hub"],
		Status:       Status(hash["status"]),
		Weight:       weight,
		Predecessors: preds,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		Protocol:     hash["protocol"],
		Scope:        sc,
		InputRef:     hash["input_ref"],
		ResultRef:    hash["result_ref"],
		Reason:       hash["reason"],
		Seq:          seq,
		CreatedAtMs:  createdAtMs,
	}

	if claimant := hash["claimant"]; claimant != "" {
		leaseMs, _ := strconv.ParseInt(hash["lease_acquired_ms"], 10, 64)
		heartbeatMs, _ := strconv.ParseInt(hash["last_heartbeat_ms"], 10, 64)
		t.Claim = &Claim{
			Claimant:        claimant,
			LeaseAcquiredMs: leaseMs,
			LastHeartbeatMs: heartbeatMs,
		}
	}

	return t, nil
}

// HubToHash converts a TaskHub to a Redis hash.
func HubToHash(h *TaskHub) map[string]interface{} {
	return map[string]interface{}{
		"id":            h.ID,
		"name":          h.Name,
		"scope":         h.Scope.String(),
		"weight":        formatWeight(h.Weight),
		"seq":           h.Seq,
		"created_at_ms": h.CreatedAtMs,
	}
}

// HashToHub converts a Redis hash to a TaskHub.
func HashToHub(hash map[string]string) (*TaskHub, error) {
	weight, err := strconv.ParseFloat(hash["weight"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid weight field: %w", err)
	}

	sc, err := scope.Parse(hash["scope"])
	if err != nil {
		return nil, fmt.Errorf("invalid scope field: %w", err)
	}

	seq, _ := strconv.ParseInt(hash["seq"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	return &TaskHub{
		ID:          hash["id"],
		Name:        hash["name"],
		Scope:       sc,
		Weight:      weight,
		Seq:         seq,
		CreatedAtMs: createdAtMs,
	}, nil
}

// ServiceToHash converts a ServiceRegistration to a Redis hash.
// Scopes and protocols are JSON-encoded.
func ServiceToHash(r *ServiceRegistration) (map[string]interface{}, error) {
	scopes := r.Scopes.Strings()
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scopes: %w", err)
	}

	protocols := r.Protocols
	if protocols == nil {
		protocols = []string{}
	}
	protocolsJSON, err := json.Marshal(protocols)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protocols: %w", err)
	}

	return map[string]interface{}{
		"identity":              r.Identity,
		"scopes":                string(scopesJSON),
		"protocols":             string(protocolsJSON),
		"claim_limit":           r.ClaimLimit,
		"heartbeat_interval_ms": r.HeartbeatInterval.Milliseconds(),
		"registered_at_ms":      r.RegisteredAtMs,
		"last_heartbeat_ms":     r.LastHeartbeatMs,
	}, nil
}

// HashToService converts a Redis hash to a ServiceRegistration.
func HashToService(hash map[string]string) (*ServiceRegistration, error) {
	var scopeStrs []string
	if raw := hash["scopes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &scopeStrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	scopes, err := scope.ParseSet(scopeStrs)
	if err != nil {
		return nil, fmt.Errorf("invalid scopes field: %w", err)
	}

	var protocols []string
	if raw := hash["protocols"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &protocols); err != nil {
			return nil, fmt.Errorf("failed to unmarshal protocols: %w", err)
		}
	}

	claimLimit, err := strconv.Atoi(hash["claim_limit"])
	if err != nil {
		return nil, fmt.Errorf("invalid claim_limit field: %w", err)
	}

	intervalMs, err := strconv.ParseInt(hash["heartbeat_interval_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid heartbeat_interval_ms field: %w", err)
	}

	registeredAtMs, _ := strconv.ParseInt(hash["registered_at_ms"], 10, 64)
	lastHeartbeatMs, _ := strconv.ParseInt(hash["last_heartbeat_ms"], 10, 64)

	return &ServiceRegistration{
		Identity:          hash["identity"],
		Scopes:            scopes,
		Protocols:         protocols,
		ClaimLimit:        claimLimit,
		HeartbeatInterval: time.Duration(intervalMs) * time.Millisecond,
		RegisteredAtMs:    registeredAtMs,
		LastHeartbeatMs:   lastHeartbeatMs,
	}, nil
}

func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'g', -1, 64)
}
