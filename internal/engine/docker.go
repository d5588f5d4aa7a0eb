package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dyluth/crucible/internal/docker"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Paths inside the engine container.
const (
	containerShared  = "/shared"
	containerScratch = "/scratch"
	inputFileName    = "input.json"
	EnvInput         = "CRUCIBLE_INPUT"
)

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerEngine runs each attempt in a fresh container. Shared and scratch
// are bind-mounted at /shared and /scratch; the input document is written
// to /scratch/input.json and its path exported as CRUCIBLE_INPUT.
type DockerEngine struct {
	docker  dockerAPI
	image   string
	command []string
	env     []string
	network string
}

// NewDockerEngine connects to the Docker daemon from the environment and
// fails if it does not answer a ping.
func NewDockerEngine(ctx context.Context, image string, command, env []string, networkMode string) (*DockerEngine, error) {
	if image == "" {
		return nil, fmt.Errorf("docker engine requires an image")
	}
	cli, err := docker.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &DockerEngine{docker: cli, image: image, command: command, env: env, network: networkMode}, nil
}

// Execute runs one attempt and removes the container afterwards.
func (e *DockerEngine) Execute(ctx context.Context, in Input, sharedDir, scratchDir string) (*Result, error) {
	inputJSON, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, inputFileName), inputJSON, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write engine input: %w", err)
	}

	sharedAbs, err := filepath.Abs(sharedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared dir: %w", err)
	}
	scratchAbs, err := filepath.Abs(scratchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch dir: %w", err)
	}

	cfg := &container.Config{
		Image:      e.image,
		Cmd:        e.command,
		WorkingDir: containerScratch,
		Env: append(append([]string{}, e.env...),
			EnvShared+"="+containerShared,
			EnvScratch+"="+containerScratch,
			EnvInput+"="+containerScratch+"/"+inputFileName,
			EnvTaskID+"="+in.TaskID,
			EnvAttempt+"="+strconv.Itoa(in.Attempt),
		),
		Labels: docker.EngineLabels(in.TaskID, in.Attempt, in.Protocol, in.Scope.String()),
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false, // Removed explicitly after logs are read
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: sharedAbs, Target: containerShared},
			{Type: mount.TypeBind, Source: scratchAbs, Target: containerScratch},
		},
	}
	if e.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.network)
	}

	resp, err := e.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create engine container: %w", err)
	}
	defer func() {
		// Use a fresh context so cleanup still happens after cancellation.
		if err := e.docker.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Printf("[Engine] [WARN] Failed to remove container %s: %v", resp.ID, err)
		}
	}()

	if err := e.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start engine container: %w", err)
	}

	statusCh, errCh := e.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutionError{Reason: fmt.Sprintf("error waiting for engine container: %v", err)}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stdout, stderr, overflow, err := e.readLogs(ctx, resp.ID)
	if err != nil {
		return nil, &ExecutionError{ExitCode: exitCode, Reason: fmt.Sprintf("failed to read engine output: %v", err)}
	}
	if overflow {
		return nil, &ExecutionError{Reason: "engine output exceeded 10MB limit", Stderr: truncate(stderr, 4096)}
	}
	if exitCode != 0 {
		return nil, &ExecutionError{
			ExitCode: exitCode,
			Reason:   fmt.Sprintf("container exited with code %d", exitCode),
			Stdout:   truncate(string(stdout), 4096),
			Stderr:   truncate(stderr, 4096),
		}
	}
	return parseOutput(stdout, stderr)
}

// readLogs demultiplexes the container's stdout and stderr.
func (e *DockerEngine) readLogs(ctx context.Context, containerID string) ([]byte, string, bool, error) {
	reader, err := e.docker.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, "", false, err
	}
	defer reader.Close()

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdout := &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	stderr := &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		return nil, "", false, err
	}
	return stdoutBuf.Bytes(), stderrBuf.String(), stdout.overflow, nil
}
