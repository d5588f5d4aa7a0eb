// Package docker holds the Docker plumbing shared by container-backed
// engines.
package docker

import "strconv"

// Label keys set on every engine container.
const (
	LabelManaged  = "crucible.managed"
	LabelTaskID   = "crucible.task_id"
	LabelAttempt  = "crucible.attempt"
	LabelProtocol = "crucible.protocol"
	LabelScope    = "crucible.scope"
)

// EngineLabels builds the label set for one execution attempt. Empty
// protocol and scope values are omitted.
func EngineLabels(taskID string, attempt int, protocol, scope string) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelTaskID:  taskID,
		LabelAttempt: strconv.Itoa(attempt),
	}
	if protocol != "" {
		labels[LabelProtocol] = protocol
	}
	if scope != "" {
		labels[LabelScope] = scope
	}
	return labels
}
