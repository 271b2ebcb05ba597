package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/config"
	"sandboxd/internal/runtime"
)

// containerdEngine is the containerd-backed Engine variant.
type containerdEngine struct {
	client   *Client
	runtimes *runtime.Registry

	mu     sync.Mutex
	closed bool
}

func newContainerdEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	e := &containerdEngine{client: client, runtimes: runtime.NewRegistry()}

	cleaned, err := e.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containerd containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return e, nil
}

func (e *containerdEngine) CreateWarm(ctx context.Context, lang Language, profile SecurityProfile) (string, error) {
	rt, err := e.runtimes.Get(lang.String())
	if err != nil {
		return "", &Error{Kind: KindLanguageNotSupported, Err: err}
	}

	nsCtx := e.client.WithNamespace(ctx)

	image, err := e.client.PullImage(ctx, rt.Image())
	if err != nil {
		return "", &Error{Kind: KindContainerCreationFailed, Op: "pull_image", Err: err}
	}

	id := fmt.Sprintf("sandbox-%s-%d", lang, time.Now().UnixNano())

	c, err := e.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				profile.ApplyToOCISpec(s)
				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"SANDBOX=true",
				}
				return nil
			},
		),
	)
	if err != nil {
		return "", &Error{Kind: KindContainerCreationFailed, Op: "new_container", Err: err}
	}

	task, err := c.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, io.Discard, io.Discard)))
	if err != nil {
		_ = c.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return "", &Error{Kind: KindContainerStartFailed, Op: "new_task", Err: err}
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = c.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return "", &Error{Kind: KindContainerStartFailed, Op: "task_start", Err: err}
	}

	return id, nil
}

func (e *containerdEngine) container(ctx context.Context, id string) (containerd.Container, error) {
	nsCtx := e.client.WithNamespace(ctx)
	return e.client.Raw().LoadContainer(nsCtx, id)
}

func (e *containerdEngine) Exec(ctx context.Context, containerID string, execCtx *ExecutionContext) (*ExecutionResult, error) {
	rt, err := e.runtimes.Get(execCtx.Language.String())
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindLanguageNotSupported, Err: err}
	}

	nsCtx := e.client.WithNamespace(ctx)

	c, err := e.container(ctx, containerID)
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerStartFailed, Op: "load_container", Err: err}
	}

	task, err := c.Task(nsCtx, nil)
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerStartFailed, Op: "load_task", Err: err}
	}

	codeFileName := execCtx.ID + "." + rt.FileExtension()
	codePath := filepath.Join("/workspace", codeFileName)
	if err := e.writeFile(nsCtx, task, codePath, []byte(execCtx.Code)); err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindContainerCreationFailed, Op: "write_code", Err: err}
	}

	execID := "exec-" + execCtx.ID
	var stdoutBuf, stderrBuf bytes.Buffer

	spec, err := c.Spec(nsCtx)
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindInternalError, Op: "load_spec", Err: err}
	}
	procSpec := *spec.Process
	procSpec.Args = rt.Command(codePath)
	procSpec.Env = append(append([]string{}, procSpec.Env...), envVarsToSlice(execCtx.EnvVars)...)

	process, err := task.Exec(nsCtx, execID, &procSpec, cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)))
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindExecutionFailed, Op: "task_exec", Err: err}
	}
	defer func() {
		_, _ = process.Delete(context.Background(), containerd.WithProcessKill)
	}()

	execDeadlineCtx, cancel := context.WithTimeout(ctx, execCtx.Timeout)
	defer cancel()

	exitCh, err := process.Wait(execDeadlineCtx)
	if err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindExecutionFailed, Op: "process_wait", Err: err}
	}

	if err := process.Start(nsCtx); err != nil {
		return nil, &Error{ExecID: execCtx.ID, Kind: KindExecutionFailed, Op: "process_start", Err: err}
	}

	start := time.Now()

	select {
	case status := <-exitCh:
		exitCode := int(status.ExitCode())
		result := &ExecutionResult{
			Stdout:          truncateOutput(stdoutBuf.String(), 1<<20),
			Stderr:          truncateOutput(stderrBuf.String(), 256*1024),
			ExitCode:        exitCode,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
		if isOOMExitCode(exitCode) {
			return result, ErrOOM
		}
		return result, nil
	case <-execDeadlineCtx.Done():
		_ = process.Kill(context.Background(), 9)
		<-exitCh
		return &ExecutionResult{
			Stdout:          truncateOutput(stdoutBuf.String(), 1<<20),
			Stderr:          truncateOutput(stderrBuf.String(), 256*1024),
			ExitCode:        -1,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}, ErrTimeout
	}
}

// writeFile places content into the running container by execing a
// short-lived `sh -c` process that writes it via stdin redirection.
func (e *containerdEngine) writeFile(ctx context.Context, task containerd.Task, path string, content []byte) error {
	writeID := "write-" + filepath.Base(path)

	spec, err := task.Spec(ctx)
	if err != nil {
		return err
	}
	procSpec := *spec.Process
	procSpec.Args = []string{"/bin/sh", "-c", fmt.Sprintf("cat > %s", path)}

	stdinR := bytes.NewReader(content)
	process, err := task.Exec(ctx, writeID, &procSpec, cio.NewCreator(cio.WithStreams(stdinR, io.Discard, io.Discard)))
	if err != nil {
		return err
	}
	defer func() { _, _ = process.Delete(context.Background(), containerd.WithProcessKill) }()

	exitCh, err := process.Wait(ctx)
	if err != nil {
		return err
	}
	if err := process.Start(ctx); err != nil {
		return err
	}
	status := <-exitCh
	if status.ExitCode() != 0 {
		return fmt.Errorf("writing %s: exit code %d", path, status.ExitCode())
	}
	return nil
}

// Reset clears /workspace so the container is safe to hand to a
// different execution; tmpfs persists across execs so stale files
// from a finished run must not leak into the next one.
func (e *containerdEngine) Reset(ctx context.Context, containerID string) error {
	nsCtx := e.client.WithNamespace(ctx)
	c, err := e.container(ctx, containerID)
	if err != nil {
		return err
	}
	task, err := c.Task(nsCtx, nil)
	if err != nil {
		return err
	}

	spec, err := task.Spec(nsCtx)
	if err != nil {
		return err
	}
	procSpec := *spec.Process
	procSpec.Args = []string{"/bin/sh", "-c", "rm -rf /workspace/* /workspace/.[!.]* 2>/dev/null || true"}

	process, err := task.Exec(nsCtx, "reset-"+containerID, &procSpec, cio.NewCreator(cio.WithStreams(nil, io.Discard, io.Discard)))
	if err != nil {
		return err
	}
	defer func() { _, _ = process.Delete(context.Background(), containerd.WithProcessKill) }()

	exitCh, err := process.Wait(nsCtx)
	if err != nil {
		return err
	}
	if err := process.Start(nsCtx); err != nil {
		return err
	}
	<-exitCh
	return nil
}

func (e *containerdEngine) Remove(ctx context.Context, containerID string) error {
	c, err := e.container(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	return e.cleanupContainer(ctx, c)
}

func (e *containerdEngine) Healthy(ctx context.Context) bool {
	return e.client.Healthy(ctx)
}

func (e *containerdEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.client.Close()
}

func envVarsToSlice(vars []EnvVar) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		out = append(out, v.Key+"="+v.Value)
	}
	return out
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
