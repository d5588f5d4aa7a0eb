// Package inspect renders task graph contents for the admin CLI.
package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/taskgraph"
)

// OutputFormat selects how listings are written.
type OutputFormat string

const (
	// OutputFormatTable is a human-readable table with truncated IDs
	OutputFormatTable OutputFormat = "table"

	// OutputFormatJSONL writes one complete JSON object per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (use table or jsonl)", s)
	}
}

// FormatTaskTable writes tasks as a table and returns how many it wrote.
func FormatTaskTable(w io.Writer, tasks []*taskgraph.Task, now time.Time) int {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found")
		return 0
	}

	fmt.Fprintf(w, "%-8s  %-8s  %-10s  %-20s  %-6s  %-5s  %-16s  %s\n",
		"ID", "STATUS", "PROTOCOL", "SCOPE", "WEIGHT", "RETRY", "CLAIMANT", "AGE")
	for _, t := range tasks {
		claimant := "-"
		if t.Claim != nil {
			claimant = truncate(t.Claim.Claimant, 16)
		}
		fmt.Fprintf(w, "%-8s  %s  %-10s  %-20s  %-6s  %-5s  %-16s  %s\n",
			shortID(t.ID),
			printer.Status(t.Status, 8),
			truncate(t.Protocol, 10),
			truncate(t.Scope.String(), 20),
			fmt.Sprintf("%.2f", t.Weight),
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			claimant,
			age(t.CreatedAtMs, now),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(tasks), plural(len(tasks), "task", "tasks"))
	return len(tasks)
}

// FormatHubTable writes hubs as a table.
func FormatHubTable(w io.Writer, hubs []*taskgraph.TaskHub, now time.Time) int {
	if len(hubs) == 0 {
		fmt.Fprintln(w, "No hubs found")
		return 0
	}

	fmt.Fprintf(w, "%-36s  %-20s  %-20s  %-6s  %s\n", "ID", "NAME", "SCOPE", "WEIGHT", "AGE")
	for _, h := range hubs {
		fmt.Fprintf(w, "%-36s  %-20s  %-20s  %-6s  %s\n",
			h.ID,
			truncate(h.Name, 20),
			truncate(h.Scope.String(), 20),
			fmt.Sprintf("%.2f", h.Weight),
			age(h.CreatedAtMs, now),
		)
	}
	fmt.Fprintf(w, "\n%d %s\n", len(hubs), plural(len(hubs), "hub", "hubs"))
	return len(hubs)
}

// FormatServiceTable writes compute service registrations as a table.
func FormatServiceTable(w io.Writer, services []*taskgraph.ServiceRegistration, now time.Time) int {
	if len(services) == 0 {
		fmt.Fprintln(w, "No services registered")
		return 0
	}

	fmt.Fprintf(w, "%-20s  %-30s  %-5s  %-9s  %s\n", "IDENTITY", "SCOPES", "LIMIT", "INTERVAL", "LAST SEEN")
	for _, r := range services {
		scopes := make([]string, len(r.Scopes))
		for i, sc := range r.Scopes {
			scopes[i] = sc.String()
		}
		fmt.Fprintf(w, "%-20s  %-30s  %-5d  %-9s  %s\n",
			truncate(r.Identity, 20),
			truncate(strings.Join(scopes, ","), 30),
			r.ClaimLimit,
			r.HeartbeatInterval,
			age(r.LastHeartbeatMs, now),
		)
	}
	fmt.Fprintf(w, "\n%d %s\n", len(services), plural(len(services), "service", "services"))
	return len(services)
}

// FormatJSONL writes each item as compact JSON on its own line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// shortID keeps the first 8 characters, enough to pass back to the resolver
// in most graphs.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// age renders a millisecond timestamp as a coarse relative time.
func age(ms int64, now time.Time) string {
	if ms == 0 {
		return "-"
	}
	diff := now.Sub(time.UnixMilli(ms))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
