package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"sandboxd/internal/config"
	"sandboxd/internal/sandbox"
)

// fakeEngine is a minimal sandbox.Engine for handler tests: every
// container is a string counter, Exec returns a scripted result.
type fakeEngine struct {
	n          int
	execResult *sandbox.ExecutionResult
	execErr    error
	healthy    bool
}

func (f *fakeEngine) CreateWarm(context.Context, sandbox.Language, sandbox.SecurityProfile) (string, error) {
	f.n++
	return fmt.Sprintf("container-%d", f.n), nil
}
func (f *fakeEngine) Exec(context.Context, string, *sandbox.ExecutionContext) (*sandbox.ExecutionResult, error) {
	return f.execResult, f.execErr
}
func (f *fakeEngine) Reset(context.Context, string) error  { return nil }
func (f *fakeEngine) Remove(context.Context, string) error { return nil }
func (f *fakeEngine) Healthy(context.Context) bool         { return f.healthy }
func (f *fakeEngine) Close() error                         { return nil }

func newTestHandlers(t *testing.T, engine sandbox.Engine) *Handlers {
	t.Helper()
	profile := sandbox.BuildSecurityProfile(sandbox.DefaultResourceLimits(), true, true, true)
	pool := sandbox.NewPool(engine, profile, sandbox.AllLanguages(), sandbox.PoolConfig{MinIdle: 1, MaxIdle: 2})
	stats := sandbox.NewStats()
	limits := sandbox.DefaultLimitsPolicy()
	driver := sandbox.NewDriver(engine, pool, limits, stats, nil)
	return NewHandlers(driver, engine, pool, stats, limits, config.DefaultConfig())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleExecute_Success(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{
		execResult: &sandbox.ExecutionResult{Stdout: "hello world\n", ExitCode: 0, ExecutionTimeMS: 150},
		healthy:    true,
	})

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "print('hello world')"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp sandbox.ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stdout != "hello world\n" {
		t.Errorf("Stdout = %q, want %q", resp.Stdout, "hello world\n")
	}
	if resp.Status != sandbox.StatusSuccess {
		t.Errorf("Status = %q, want success", resp.Status)
	}
}

func TestHandleExecute_NonZeroExit(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{
		execResult: &sandbox.ExecutionResult{Stderr: "boom\n", ExitCode: 1},
		healthy:    true,
	})

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "exit(1)"})

	var resp sandbox.ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != sandbox.StatusFailed {
		t.Errorf("Status = %q, want failed", resp.Status)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleExecute_ValidationErrors(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{healthy: true})

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"empty body", map[string]string{}, http.StatusBadRequest},
		{"unsupported language", ExecuteRequest{Code: "x", Language: "cobol"}, http.StatusBadRequest},
		{"timeout out of range", ExecuteRequest{Code: "x", Language: "python", Timeout: 10000}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleExecute, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleExecute_InvalidJSON(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{healthy: true})

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.EngineHealthy {
		t.Error("EngineHealthy = false, want true")
	}
}

func TestHandleHealth_EngineDown(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{healthy: false})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	h.HandleConfig(rec, req)

	var resp ConfigResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.SupportedLanguages) != 4 {
		t.Errorf("SupportedLanguages = %v, want 4 entries", resp.SupportedLanguages)
	}
	if resp.MaxCodeBytes != sandbox.MaxCodeBytes() {
		t.Errorf("MaxCodeBytes = %d, want %d", resp.MaxCodeBytes, sandbox.MaxCodeBytes())
	}
	if resp.MaxCPUQuota == 0 {
		t.Error("MaxCPUQuota = 0, want the configured CPU share limit")
	}
	if resp.RateLimitPerMinute == 0 {
		t.Error("RateLimitPerMinute = 0, want the configured per-minute rate limit")
	}
}

func TestHandleStats(t *testing.T) {
	h := newTestHandlers(t, &fakeEngine{
		execResult: &sandbox.ExecutionResult{ExitCode: 0},
		healthy:    true,
	})

	postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "pass"})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.HandleStats(rec, req)

	var resp sandbox.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalExecutions != 1 {
		t.Errorf("TotalExecutions = %d, want 1", resp.TotalExecutions)
	}
	if resp.SuccessfulExecutions != 1 {
		t.Errorf("SuccessfulExecutions = %d, want 1", resp.SuccessfulExecutions)
	}
}
