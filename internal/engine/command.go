package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// CommandEngine runs a local executable per attempt. The input goes on
// stdin; the working directory is the scratch directory.
type CommandEngine struct {
	Command []string
	Env     []string      // Extra KEY=VALUE entries
	Timeout time.Duration // Zero means no limit beyond ctx
}

// NewCommandEngine validates the command.
func NewCommandEngine(command []string, env []string, timeout time.Duration) (*CommandEngine, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}
	return &CommandEngine{Command: command, Env: env, Timeout: timeout}, nil
}

// Execute runs one attempt.
func (e *CommandEngine) Execute(ctx context.Context, in Input, sharedDir, scratchDir string) (*Result, error) {
	inputJSON, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine input: %w", err)
	}

	execCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = scratchDir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		EnvShared+"="+sharedDir,
		EnvScratch+"="+scratchDir,
		EnvTaskID+"="+in.TaskID,
		EnvAttempt+"="+strconv.Itoa(in.Attempt),
	)
	cmd.Stdin = bytes.NewReader(inputJSON)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdout := &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	stderr := &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	log.Printf("[Engine] [DEBUG] Command for task %s attempt %d finished in %v",
		in.TaskID, in.Attempt, time.Since(start).Round(time.Millisecond))

	if stdout.overflow {
		return nil, &ExecutionError{
			Reason: "engine output exceeded 10MB limit",
			Stderr: truncate(stderrBuf.String(), 4096),
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecutionError{
				Reason: fmt.Sprintf("engine timed out after %v", e.Timeout),
				Stderr: truncate(stderrBuf.String(), 4096),
			}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecutionError{
				ExitCode: exitErr.ExitCode(),
				Reason:   fmt.Sprintf("process exited with code %d", exitErr.ExitCode()),
				Stdout:   truncate(stdoutBuf.String(), 4096),
				Stderr:   truncate(stderrBuf.String(), 4096),
			}
		}
		return nil, &ExecutionError{Reason: fmt.Sprintf("failed to run engine: %v", err)}
	}

	return parseOutput(stdoutBuf.Bytes(), stderrBuf.String())
}
