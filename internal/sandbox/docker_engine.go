package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/config"
	"sandboxd/internal/runtime"
)

// dockerEngine is the Docker Engine API-backed Engine variant, the
// default backend (§4.D). A warm container runs `sleep infinity`;
// Exec runs the user's code as a separate process inside it via the
// exec API, so the container is reusable across many executions.
type dockerEngine struct {
	client   *client.Client
	runtimes *runtime.Registry

	mu     sync.Mutex
	closed bool
}

var containerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func validateContainerID(id string) error {
	if id == "" || len(id) > 128 || !containerIDPattern.MatchString(id) {
		return fmt.Errorf("invalid container id %q", id)
	}
	return nil
}

func newDockerEngine(cfg *config.Config) (Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &Error{Kind: KindDockerConnectionFailed, Op: "new_client", Err: err}
	}

	e := &dockerEngine{client: cli, runtimes: runtime.NewRegistry()}

	cleaned, err := e.CleanupOrphaned(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned docker sandbox containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned docker containers on startup")
	}

	return e, nil
}

func (e *dockerEngine) CreateWarm(ctx context.Context, lang Language, profile SecurityProfile) (string, error) {
	rt, err := e.runtimes.Get(lang.String())
	if err != nil {
		return "", &Error{Kind: KindLanguageNotSupported, Err: err}
	}

	reader, err := e.client.ImagePull(ctx, rt.Image(), image.PullOptions{})
	if err != nil {
		return "", &Error{Kind: KindContainerCreationFailed, Op: "pull_image", Err: err}
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		_ = reader.Close()
		return "", &Error{Kind: KindContainerCreationFailed, Op: "pull_image", Err: err}
	}
	_ = reader.Close()

	name := fmt.Sprintf("sandbox-%s-%d", lang, time.Now().UnixNano())

	containerConfig := &container.Config{
		Image:      rt.Image(),
		Entrypoint: []string{"sleep", "infinity"},
		Env: []string{
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"SANDBOX=true",
		},
		WorkingDir: "/workspace",
		User:       fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, profile.ToDockerHostConfig(), nil, nil, name)
	if err != nil {
		return "", &Error{Kind: KindContainerCreationFailed, Op: "container_create", Err: err}
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", &Error{Kind: KindContainerStartFailed, Op: "container_start", Err: err}
	}

	return resp.ID, nil
}

// runInContainer execs argv inside containerID, feeding stdin (if
// non-nil) and returning the exit code and demultiplexed stdout/stderr.
func (e *dockerEngine) runInContainer(ctx context.Context, containerID string, argv []string, env []string, stdin []byte) (exitCode int, stdout, stderr string, err error) {
	execConfig := container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/workspace",
	}

	created, err := e.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return -1, "", "", fmt.Errorf("exec_create: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, "", "", fmt.Errorf("exec_attach: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		_, _ = attach.Conn.Write(stdin)
	}
	_ = attach.CloseWrite()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, cErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- cErr
	}()

	select {
	case <-copyDone:
	case <-ctx.Done():
		return -1, truncateOutput(stdoutBuf.String(), 1<<20), truncateOutput(stderrBuf.String(), 256*1024), ctx.Err()
	}

	inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, "", "", fmt.Errorf("exec_inspect: %w", err)
	}

	return inspect.ExitCode, stdoutBuf.String(), stderrBuf.String(), nil
}

func (e *dockerEngine) Exec(ctx context.Context, containerID string, execCtx *ExecutionContext) (*ExecutionResult, error) {
	rt, err := e.runtimes.Get(execCtx.Language.String())
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindLanguageNotSupported, Err: err}
	}
	if err := validateContainerID(containerID); err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerStartFailed, Op: "validate_id", Err: err}
	}

	codeFileName := execCtx.ID + "." + rt.FileExtension()
	codePath := filepath.Join("/workspace", codeFileName)

	writeCmd := []string{"/bin/sh", "-c", fmt.Sprintf("cat > %s", codePath)}
	if exit, _, stderr, err := e.runInContainer(ctx, containerID, writeCmd, nil, []byte(execCtx.Code)); err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerCreationFailed, Op: "write_code", Err: err}
	} else if exit != 0 {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerCreationFailed, Op: "write_code", Message: stderr}
	}

	execDeadlineCtx, cancel := context.WithTimeout(ctx, execCtx.Timeout)
	defer cancel()

	start := time.Now()
	exitCode, stdout, stderr, err := e.runInContainer(execDeadlineCtx, containerID, rt.Command(codePath), envVarsToSlice(execCtx.EnvVars), nil)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if execDeadlineCtx.Err() == context.DeadlineExceeded {
			return &ExecutionResult{
				Stdout:          truncateOutput(stdout, 1<<20),
				Stderr:          truncateOutput(stderr, 256*1024),
				ExitCode:        -1,
				ExecutionTimeMS: elapsed,
			}, ErrTimeout
		}
		return nil, &Error{ExecID: execCtx.ID, Kind: KindExecutionFailed, Op: "exec_run", Err: err}
	}

	if isOOMExitCode(exitCode) {
		return &ExecutionResult{
			Stdout:          truncateOutput(stdout, 1<<20),
			Stderr:          truncateOutput(stderr, 256*1024),
			ExitCode:        exitCode,
			ExecutionTimeMS: elapsed,
		}, ErrOOM
	}

	return &ExecutionResult{
		Stdout:          truncateOutput(stdout, 1<<20),
		Stderr:          truncateOutput(stderr, 256*1024),
		ExitCode:        exitCode,
		ExecutionTimeMS: elapsed,
	}, nil
}

// Reset clears /workspace between executions of a reused container.
func (e *dockerEngine) Reset(ctx context.Context, containerID string) error {
	cmd := []string{"/bin/sh", "-c", "rm -rf /workspace/* /workspace/.[!.]* 2>/dev/null || true"}
	_, _, _, err := e.runInContainer(ctx, containerID, cmd, nil, nil)
	return err
}

func (e *dockerEngine) Remove(ctx context.Context, containerID string) error {
	if err := validateContainerID(containerID); err != nil {
		return err
	}
	timeout := 5
	_ = e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})

	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (e *dockerEngine) Healthy(ctx context.Context) bool {
	_, err := e.client.Ping(ctx)
	return err == nil
}

func (e *dockerEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.client.Close()
}

// CleanupOrphaned removes sandbox containers left over from a
// previous process, identified by the "sandbox-" name prefix.
func (e *dockerEngine) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		var name string
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		if !hasSandboxPrefix(name) {
			continue
		}
		logger := log.With().Str("container_id", c.ID).Logger()
		logger.Info().Msg("cleaning up orphaned sandbox container")
		if err := e.Remove(ctx, c.ID); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func hasSandboxPrefix(name string) bool {
	trimmed := name
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	const prefix = "sandbox-"
	return len(trimmed) >= len(prefix) && trimmed[:len(prefix)] == prefix
}
