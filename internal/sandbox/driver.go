package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/monitor"
)

// AuditSink receives the lifecycle events the Driver emits around an
// execution. internal/audit.Logger implements this so the core
// package never imports the audit package directly.
type AuditSink interface {
	LogStart(ctx *ExecutionContext)
	LogComplete(ctx *ExecutionContext, result *ExecutionResult, success bool)
	LogError(ctx *ExecutionContext, kind Kind, err error)
}

// noopAuditSink is used when the Driver is built without an audit
// sink (e.g. in unit tests exercising the state machine in isolation).
type noopAuditSink struct{}

func (noopAuditSink) LogStart(*ExecutionContext)                            {}
func (noopAuditSink) LogComplete(*ExecutionContext, *ExecutionResult, bool) {}
func (noopAuditSink) LogError(*ExecutionContext, Kind, error)               {}

// Driver is the per-request orchestrator implementing the execution
// state machine (§4.G):
//
//	Admitted → Validated → Acquiring → Executing → Reporting → Released
//
// Admitted happens at NewExecutionContext (the API layer). Everything
// from Validated onward is Run.
type Driver struct {
	engine   Engine
	pool     *Pool
	limits   LimitsPolicy
	stats    *Stats
	audit    AuditSink
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
}

func NewDriver(engine Engine, pool *Pool, limits LimitsPolicy, stats *Stats, audit AuditSink) *Driver {
	if audit == nil {
		audit = noopAuditSink{}
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Driver{engine: engine, pool: pool, limits: limits, stats: stats, audit: audit, tracer: monitor.NewTracer()}
}

// WithDetector enables pre-execution static scanning for known
// container-escape patterns (§4.C's defense in depth: seccomp and
// capability drops are the primary control, this is a secondary net).
func (d *Driver) WithDetector(detector *monitor.EscapeDetector) *Driver {
	d.detector = detector
	return d
}

// WithMetrics wires Prometheus counters into the state machine.
func (d *Driver) WithMetrics(metrics *monitor.Metrics) *Driver {
	d.metrics = metrics
	return d
}

// Run drives execCtx through Validated → Acquiring → Executing →
// Reporting → Released and returns the response to hand back to the
// caller. It never panics on a well-formed ExecutionContext; failures
// are reported as a *Error-classified response, not a Go error.
func (d *Driver) Run(ctx context.Context, execCtx *ExecutionContext) *ExecuteResponse {
	ctx, span := d.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execCtx.ID),
		monitor.AttrLanguage.String(execCtx.Language.String()),
	)
	defer span.End()

	resp := &ExecuteResponse{
		ExecutionID: execCtx.ID,
		CreatedAt:   execCtx.CreatedAt,
	}

	// Validated — rejections here never reach the audit log as a
	// started execution and never count toward total/active executions.
	if err := ValidateCode(execCtx.Code); err != nil {
		return d.failBeforeAdmit(execCtx, resp, err)
	}
	if err := d.limits.ValidateCodeSize(len(execCtx.Code)); err != nil {
		return d.failBeforeAdmit(execCtx, resp, err)
	}
	if err := d.limits.ValidateTimeout(int64(execCtx.Timeout.Seconds())); err != nil {
		return d.failBeforeAdmit(execCtx, resp, err)
	}
	if blocker := d.scanCode(execCtx.Code); blocker != nil {
		return d.failBeforeAdmit(execCtx, resp, blocker)
	}

	d.stats.Admit()
	d.audit.LogStart(execCtx)
	if d.metrics != nil {
		d.metrics.ActiveExecutions.Inc()
		d.metrics.CodeSizeBytes.Observe(float64(len(execCtx.Code)))
		defer d.metrics.ActiveExecutions.Dec()
	}

	// Acquiring
	if !d.engine.Healthy(ctx) {
		return d.fail(execCtx, resp, &Error{ExecID: execCtx.ID, Kind: KindDockerConnectionFailed, Op: "engine_health", Err: ErrEngineDown})
	}
	container, err := d.pool.Acquire(ctx, execCtx.Language)
	if err != nil {
		return d.fail(execCtx, resp, err)
	}

	// Executing
	result, execErr := d.engine.Exec(ctx, container.ID, execCtx)

	// Released — a timeout, an OOM kill, or an engine error with no
	// result leaves the container in an unknown state and it is
	// discarded; anything else is reset and returned to the pool.
	dirty := execErr != nil && KindOf(execErr) != KindExecutionTimeout && result == nil
	if IsTimeout(execErr) || IsOOM(execErr) {
		dirty = true
	}
	d.pool.Release(context.Background(), container, dirty)

	// Reporting
	if execErr != nil && result == nil {
		return d.fail(execCtx, resp, execErr)
	}

	resp.Stdout = result.Stdout
	resp.Stderr = result.Stderr
	resp.Result = result.Result
	resp.ExitCode = result.ExitCode
	resp.ExecutionTimeMS = result.ExecutionTimeMS
	resp.MemoryUsedMB = result.MemoryUsedMB
	resp.CompletedAt = time.Now()
	d.scanOutput(result.Stdout + result.Stderr)

	switch {
	case IsTimeout(execErr):
		resp.Status = StatusTimeout
		resp.Error = ErrTimeout.Error()
		resp.ErrorKind = KindExecutionTimeout
		d.audit.LogError(execCtx, KindExecutionTimeout, ErrTimeout)
		d.stats.Complete(KindExecutionTimeout)
	case IsOOM(execErr):
		resp.Status = StatusFailed
		resp.Error = ErrOOM.Error()
		resp.ErrorKind = KindResourceLimitExceeded
		d.audit.LogError(execCtx, KindResourceLimitExceeded, ErrOOM)
		d.stats.Complete(KindResourceLimitExceeded)
	case result.ExitCode != 0:
		resp.Status = StatusFailed
		resp.ErrorKind = KindExecutionFailed
		d.audit.LogComplete(execCtx, result, false)
		d.stats.Complete(KindExecutionFailed)
	default:
		resp.Status = StatusSuccess
		d.audit.LogComplete(execCtx, result, true)
		d.stats.Complete("")
	}

	if d.metrics != nil {
		d.metrics.RecordExecution(execCtx.Language.String(), string(resp.Status), resp.CompletedAt.Sub(execCtx.CreatedAt).Seconds())
		d.metrics.OutputSizeBytes.Observe(float64(len(resp.Stdout) + len(resp.Stderr)))
		if resp.Status != StatusSuccess {
			d.metrics.RecordError(string(resp.ErrorKind))
		}
	}

	span.SetAttributes(
		monitor.AttrExitCode.Int(resp.ExitCode),
		monitor.AttrDurationMS.Int64(resp.ExecutionTimeMS),
	)
	return resp
}

// scanCode runs the escape-pattern detector over submitted source,
// returning a blocking error for any critical-severity match. Lower
// severities are recorded as metrics but do not block execution.
func (d *Driver) scanCode(code string) error {
	if d.detector == nil {
		return nil
	}
	var blocked *monitor.Detection
	for _, det := range d.detector.AnalyzeCode(code) {
		det := det
		if d.metrics != nil {
			d.metrics.RecordSecurityEvent(det.Pattern)
		}
		if det.Severity == monitor.SeverityCritical.String() && blocked == nil {
			blocked = &det
		}
	}
	if blocked != nil {
		return &Error{Kind: KindInvalidInput, Message: "blocked: " + blocked.Pattern + ": " + blocked.Detail, Err: ErrSecurityViolation}
	}
	return nil
}

// scanOutput records security events found in execution output after
// the fact. Too late to block the response, but useful for detecting
// containers that need investigation.
func (d *Driver) scanOutput(output string) {
	if d.detector == nil || d.metrics == nil {
		return
	}
	for _, det := range d.detector.AnalyzeOutput(output) {
		d.metrics.RecordSecurityEvent(det.Pattern)
	}
}

// failBeforeAdmit reports a rejection that happened before Admit/LogStart
// ran — admission-time validation failures never appear as a started
// execution and are never counted into total/active executions.
func (d *Driver) failBeforeAdmit(execCtx *ExecutionContext, resp *ExecuteResponse, err error) *ExecuteResponse {
	kind := KindOf(err)
	resp.Status = StatusFailed
	resp.Error = err.Error()
	resp.ErrorKind = kind
	resp.CompletedAt = time.Now()

	d.audit.LogError(execCtx, kind, err)

	return resp
}

func (d *Driver) fail(execCtx *ExecutionContext, resp *ExecuteResponse, err error) *ExecuteResponse {
	kind := KindOf(err)
	resp.Status = StatusFailed
	resp.Error = err.Error()
	resp.ErrorKind = kind
	resp.CompletedAt = time.Now()

	if IsPoolExhausted(err) {
		log.Warn().Str("execution_id", execCtx.ID).Str("language", execCtx.Language.String()).
			Msg("container pool exhausted, rejecting execution")
	}

	d.audit.LogError(execCtx, kind, err)
	d.stats.Complete(kind)

	return resp
}
