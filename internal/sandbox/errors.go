package sandbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy from the spec: input, policy, execution,
// infrastructure, and system errors. HTTP status mapping is normative
// per kind, not per message.
type Kind string

const (
	KindLanguageNotSupported    Kind = "LanguageNotSupported"
	KindCodeTooLarge            Kind = "CodeTooLarge"
	KindInvalidInput            Kind = "InvalidInput"
	KindResourceLimitExceeded   Kind = "ResourceLimitExceeded"
	KindRateLimitExceeded       Kind = "RateLimitExceeded"
	KindExecutionTimeout        Kind = "ExecutionTimeout"
	KindExecutionFailed         Kind = "ExecutionFailed"
	KindContainerCreationFailed Kind = "ContainerCreationFailed"
	KindContainerStartFailed    Kind = "ContainerStartFailed"
	KindContainerCleanupFailed  Kind = "ContainerCleanupFailed"
	KindDockerConnectionFailed  Kind = "DockerConnectionFailed"
	KindInternalError           Kind = "InternalError"
	KindConfigurationError      Kind = "ConfigurationError"
)

// StatusCode returns the normative HTTP status for a Kind, per spec §6/§7.
func (k Kind) StatusCode() int {
	switch k {
	case KindExecutionTimeout:
		return http.StatusRequestTimeout
	case KindLanguageNotSupported, KindExecutionFailed, KindResourceLimitExceeded, KindInvalidInput:
		return http.StatusBadRequest
	case KindCodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindDockerConnectionFailed:
		return http.StatusServiceUnavailable
	case KindContainerCreationFailed, KindContainerStartFailed, KindContainerCleanupFailed,
		KindInternalError, KindConfigurationError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type carried through the core. Op
// names the operation that failed; ExecID is empty when the request
// was rejected before an ExecutionContext existed.
type Error struct {
	Kind    Kind
	ExecID  string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Kind, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors for errors.Is-based checks against raw engine/pool
// failures that have not yet been classified into a *Error.
var (
	ErrTimeout           = errors.New("execution timed out")
	ErrOOM               = errors.New("out of memory")
	ErrSecurityViolation = errors.New("security violation detected")
	ErrEngineDown        = errors.New("container engine unavailable")
	ErrPoolExhausted     = errors.New("container pool exhausted")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrUnsupportedLang   = errors.New("unsupported language")
)

func IsTimeout(err error) bool           { return errors.Is(err, ErrTimeout) }
func IsOOM(err error) bool               { return errors.Is(err, ErrOOM) }
func IsSecurityViolation(err error) bool { return errors.Is(err, ErrSecurityViolation) }
func IsPoolExhausted(err error) bool     { return errors.Is(err, ErrPoolExhausted) }

// isOOMExitCode reports whether code is the exit status a container's
// process reports when the cgroup OOM killer sends it SIGKILL.
func isOOMExitCode(code int) bool { return code == 137 }

// KindOf extracts the Kind from err if it (or something it wraps) is
// a *Error; otherwise it maps the package's sentinel errors to their
// kinds and falls back to InternalError for anything else.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindExecutionTimeout
	case errors.Is(err, ErrUnsupportedLang):
		return KindLanguageNotSupported
	case errors.Is(err, ErrEngineDown):
		return KindDockerConnectionFailed
	case errors.Is(err, ErrPoolExhausted):
		return KindResourceLimitExceeded
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidInput
	default:
		return KindInternalError
	}
}
