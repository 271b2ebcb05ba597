package sandbox

import (
	"context"
	"testing"

	"sandboxd/internal/monitor"
)

// scriptedEngine lets each test control Exec's outcome directly.
type scriptedEngine struct {
	*fakeEngine
	execResult *ExecutionResult
	execErr    error
	unhealthy  bool
}

func (s *scriptedEngine) Exec(ctx context.Context, containerID string, execCtx *ExecutionContext) (*ExecutionResult, error) {
	return s.execResult, s.execErr
}

func (s *scriptedEngine) Healthy(ctx context.Context) bool {
	return !s.unhealthy
}

func newTestDriver(t *testing.T, engine Engine) (*Driver, *Pool) {
	t.Helper()
	pool := NewPool(engine, SecurityProfile{}, []Language{LanguagePython}, PoolConfig{MinIdle: 0, MaxIdle: 4})
	driver := NewDriver(engine, pool, DefaultLimitsPolicy(), NewStats(), nil)
	return driver, pool
}

func execContext(t *testing.T, code string) *ExecutionContext {
	t.Helper()
	ctx, err := NewExecutionContext(ExecuteRequest{Code: code, Language: "python", Timeout: 5})
	if err != nil {
		t.Fatalf("NewExecutionContext() error = %v", err)
	}
	return ctx
}

func TestDriverRunSuccess(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 0, Stdout: "hi", ExecutionTimeMS: 10}}
	driver, _ := newTestDriver(t, engine)

	resp := driver.Run(context.Background(), execContext(t, "print('hi')"))

	if resp.Status != StatusSuccess {
		t.Errorf("Status = %s, want %s", resp.Status, StatusSuccess)
	}
	if resp.Stdout != "hi" {
		t.Errorf("Stdout = %q, want %q", resp.Stdout, "hi")
	}
}

func TestDriverRunNonZeroExitIsFailed(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 1, Stderr: "boom"}}
	driver, _ := newTestDriver(t, engine)

	resp := driver.Run(context.Background(), execContext(t, "raise Exception()"))

	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", resp.Status, StatusFailed)
	}
	if resp.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", resp.ExitCode)
	}
}

func TestDriverRunTimeout(t *testing.T) {
	engine := &scriptedEngine{
		fakeEngine: &fakeEngine{},
		execResult: &ExecutionResult{ExitCode: -1, ExecutionTimeMS: 5000},
		execErr:    ErrTimeout,
	}
	driver, pool := newTestDriver(t, engine)

	resp := driver.Run(context.Background(), execContext(t, "import time; time.sleep(10)"))

	if resp.Status != StatusTimeout {
		t.Errorf("Status = %s, want %s", resp.Status, StatusTimeout)
	}
	// a timed-out container is discarded, not returned to the idle pool
	if pool.Size(LanguagePython) != 0 {
		t.Errorf("pool idle size = %d, want 0 after a timeout release", pool.Size(LanguagePython))
	}
}

func TestDriverRunRejectsOversizedCode(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 0}}
	driver, _ := newTestDriver(t, engine)

	huge := make([]byte, 200_000)
	resp := driver.Run(context.Background(), execContext(t, string(huge)))

	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", resp.Status, StatusFailed)
	}
	if resp.Error == "" {
		t.Error("expected a validation error message")
	}
}

func TestDriverRunUpdatesStats(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 0}}
	stats := NewStats()
	pool := NewPool(engine, SecurityProfile{}, []Language{LanguagePython}, PoolConfig{MinIdle: 0, MaxIdle: 4})
	driver := NewDriver(engine, pool, DefaultLimitsPolicy(), stats, nil)

	driver.Run(context.Background(), execContext(t, "print(1)"))

	snap := stats.Snapshot()
	if snap.TotalExecutions != 1 || snap.SuccessfulExecutions != 1 || snap.ActiveExecutions != 0 {
		t.Errorf("snapshot = %+v, want total=1 successful=1 active=0", snap)
	}
}

func TestDriverRunBlocksCriticalEscapePattern(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 0}}
	driver, _ := newTestDriver(t, engine)
	driver.WithDetector(monitor.NewEscapeDetector())

	resp := driver.Run(context.Background(), execContext(t, "open('/sys/fs/cgroup/release_agent')"))

	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", resp.Status, StatusFailed)
	}
	if resp.ErrorKind != KindInvalidInput {
		t.Errorf("ErrorKind = %s, want %s", resp.ErrorKind, KindInvalidInput)
	}
	blocker := driver.scanCode("open('/sys/fs/cgroup/release_agent')")
	if !IsSecurityViolation(blocker) {
		t.Error("expected scanCode's blocking error to be a security violation")
	}
}

func TestDriverRunRejectsWhenEngineUnhealthy(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, unhealthy: true}
	driver, _ := newTestDriver(t, engine)

	resp := driver.Run(context.Background(), execContext(t, "print('hi')"))

	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", resp.Status, StatusFailed)
	}
	if resp.ErrorKind != KindDockerConnectionFailed {
		t.Errorf("ErrorKind = %s, want %s", resp.ErrorKind, KindDockerConnectionFailed)
	}
}

func TestDriverRunOOMDiscardsContainer(t *testing.T) {
	engine := &scriptedEngine{
		fakeEngine: &fakeEngine{},
		execResult: &ExecutionResult{ExitCode: 137, ExecutionTimeMS: 20},
		execErr:    ErrOOM,
	}
	driver, pool := newTestDriver(t, engine)

	resp := driver.Run(context.Background(), execContext(t, "x = [0] * (10**10)"))

	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", resp.Status, StatusFailed)
	}
	if resp.ErrorKind != KindResourceLimitExceeded {
		t.Errorf("ErrorKind = %s, want %s", resp.ErrorKind, KindResourceLimitExceeded)
	}
	// an OOM-killed container is discarded, not returned to the idle pool
	if pool.Size(LanguagePython) != 0 {
		t.Errorf("pool idle size = %d, want 0 after an OOM release", pool.Size(LanguagePython))
	}
}

func TestDriverRunAllowsBenignCode(t *testing.T) {
	engine := &scriptedEngine{fakeEngine: &fakeEngine{}, execResult: &ExecutionResult{ExitCode: 0, Stdout: "hi"}}
	driver, _ := newTestDriver(t, engine)
	driver.WithDetector(monitor.NewEscapeDetector())

	resp := driver.Run(context.Background(), execContext(t, "print('hi')"))

	if resp.Status != StatusSuccess {
		t.Errorf("Status = %s, want %s", resp.Status, StatusSuccess)
	}
}

