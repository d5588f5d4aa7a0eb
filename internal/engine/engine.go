// Package engine runs simulation work for a claimed task.
//
// An engine receives the task input as JSON and must print a single JSON
// document on stdout. A non-zero exit, empty output, or output that is not
// valid JSON is a failure. The shared directory persists across local
// attempts of one task; the scratch directory is fresh for every attempt.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/crucible/pkg/scope"
)

const (
	// maxOutputSize caps captured stdout and stderr (10MB each).
	maxOutputSize = 10 * 1024 * 1024

	// Environment passed to engines.
	EnvShared  = "CRUCIBLE_SHARED"
	EnvScratch = "CRUCIBLE_SCRATCH"
	EnvTaskID  = "CRUCIBLE_TASK_ID"
	EnvAttempt = "CRUCIBLE_ATTEMPT"
)

// Input is the document handed to an engine.
type Input struct {
	TaskID   string          `json:"task_id"`
	Protocol string          `json:"protocol"`
	Scope    scope.Scope     `json:"scope"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Result is a successful engine run.
type Result struct {
	Output json.RawMessage
}

// ExecutionError describes a failed run. It carries enough of the process
// output to be stored as a failure payload.
type ExecutionError struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("engine failed (exit %d): %s", e.ExitCode, e.Reason)
	}
	return "engine failed: " + e.Reason
}

// Engine executes one attempt of a task.
type Engine interface {
	Execute(ctx context.Context, in Input, sharedDir, scratchDir string) (*Result, error)
}

// parseOutput validates stdout as a JSON document.
func parseOutput(stdout []byte, stderr string) (*Result, error) {
	if len(stdout) == 0 {
		return nil, &ExecutionError{Reason: "engine produced no output on stdout", Stderr: truncate(stderr, 4096)}
	}
	if !json.Valid(stdout) {
		return nil, &ExecutionError{
			Reason: "engine output is not valid JSON",
			Stdout: truncate(string(stdout), 4096),
			Stderr: truncate(stderr, 4096),
		}
	}
	return &Result{Output: json.RawMessage(stdout)}, nil
}

// limitedWriter writes up to limit bytes and silently discards the rest,
// recording that it overflowed.
type limitedWriter struct {
	w        io.Writer
	limit    int
	written  int
	overflow bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.overflow = lw.overflow || len(p) > 0
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
		lw.overflow = true
	}

	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen bytes, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Engine kinds selectable from configuration.
const (
	KindCommand = "command"
	KindDocker  = "docker"
)

// Config selects and configures an engine.
type Config struct {
	Kind    string        `yaml:"kind"`
	Command []string      `yaml:"command"`
	Env     []string      `yaml:"env,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Image   string        `yaml:"image,omitempty"`   // docker only
	Network string        `yaml:"network,omitempty"` // docker only
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindCommand:
		if len(c.Command) == 0 {
			return fmt.Errorf("engine.command is required for kind %q", KindCommand)
		}
	case KindDocker:
		if c.Image == "" {
			return fmt.Errorf("engine.image is required for kind %q", KindDocker)
		}
	default:
		return fmt.Errorf("invalid engine.kind %q (must be %s or %s)", c.Kind, KindCommand, KindDocker)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("engine.timeout must be >= 0")
	}
	return nil
}

// New builds the engine described by cfg. ctx bounds the Docker daemon
// check for the docker kind.
func New(ctx context.Context, cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindDocker {
		return NewDockerEngine(ctx, cfg.Image, cfg.Command, cfg.Env, cfg.Network)
	}
	return NewCommandEngine(cfg.Command, cfg.Env, cfg.Timeout)
}
