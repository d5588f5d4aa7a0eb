// Package resolver expands short task ID prefixes typed at the command line.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/google/uuid"
)

// MinShortIDLength is the shortest prefix accepted.
const MinShortIDLength = 6

// maxListed caps how many candidates an ambiguity message shows.
const maxListed = 10

// TaskScanner is the part of the task graph store the resolver reads.
type TaskScanner interface {
	GetStatus(ctx context.Context, taskID string) (taskgraph.Status, error)
	ScanTaskIDs(ctx context.Context, prefix string) ([]string, error)
}

// ResolveTaskID turns a full task ID or a unique prefix of one into the
// full ID. A full UUID is checked for existence; shorter input must be at
// least MinShortIDLength characters and match exactly one task.
func ResolveTaskID(ctx context.Context, store TaskScanner, shortID string) (string, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))

	if _, err := uuid.Parse(shortID); err == nil && len(shortID) == 36 {
		if _, err := store.GetStatus(ctx, shortID); err != nil {
			if taskgraph.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify task existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := store.ScanTaskIDs(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for task: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError reports that no task matched.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tasks found matching '%s'", e.ShortID)
}

// AmbiguousError reports that more than one task matched.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d tasks", e.ShortID, len(e.Matches))
}

// Describe lists the first matches and asks for a longer prefix.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Short ID '%s' matches %d tasks:\n", e.ShortID, len(e.Matches))
	for i, m := range e.Matches {
		if i == maxListed {
			fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-maxListed)
			break
		}
		fmt.Fprintf(&b, "  %s\n", m)
	}
	b.WriteString("\nUse a longer prefix to identify the task.")
	return b.String()
}
