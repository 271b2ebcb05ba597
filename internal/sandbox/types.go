package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Language is the closed set of source languages the sandbox can run.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageShell      Language = "shell"
	LanguageRust       Language = "rust"
)

// AllLanguages returns the closed set of supported languages, in a
// stable order, for components that must enumerate every language
// (the container pool's pre-warm set, the /config endpoint).
func AllLanguages() []Language {
	return []Language{LanguagePython, LanguageJavaScript, LanguageShell, LanguageRust}
}

// ParseLanguage decodes a user-supplied language string, case
// insensitively, accepting the aliases the spec names: py, js/node,
// sh/bash, rs.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py":
		return LanguagePython, nil
	case "javascript", "js", "node":
		return LanguageJavaScript, nil
	case "shell", "sh", "bash":
		return LanguageShell, nil
	case "rust", "rs":
		return LanguageRust, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLang, s)
	}
}

// Executor returns the canonical interpreter/compiler command name.
func (l Language) Executor() string {
	switch l {
	case LanguagePython:
		return "python3"
	case LanguageJavaScript:
		return "node"
	case LanguageShell:
		return "/bin/sh"
	case LanguageRust:
		return "rustc"
	default:
		return ""
	}
}

// FileExtension returns the canonical source file extension, without
// a leading dot.
func (l Language) FileExtension() string {
	switch l {
	case LanguagePython:
		return "py"
	case LanguageJavaScript:
		return "js"
	case LanguageShell:
		return "sh"
	case LanguageRust:
		return "rs"
	default:
		return ""
	}
}

func (l Language) String() string { return string(l) }

// EnvVar is a single environment variable passed into the sandbox.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FileInput is an input file accepted with a request. Binary content is
// base64-encoded by the caller. Neither engine writes these files into
// the container; only the source file is placed in /workspace.
type FileInput struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Base64  bool   `json:"base64,omitempty"`
}

// ExecuteRequest is the input contract accepted at admission.
type ExecuteRequest struct {
	Code      string      `json:"code"`
	Language  string      `json:"language"`
	Timeout   int         `json:"timeout,omitempty"` // seconds, 1-300, default 60
	EnvVars   []EnvVar    `json:"env_vars,omitempty"`
	Files     []FileInput `json:"files,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// ExecutionContext is the immutable, per-request bundle handed to the
// driver. It is created once at admission and never mutated.
type ExecutionContext struct {
	ID        string
	Language  Language
	Code      string
	Timeout   time.Duration
	EnvVars   []EnvVar
	Files     []FileInput
	UserID    string
	RequestID string
	CreatedAt time.Time
}

const (
	defaultTimeoutSeconds = 60
	minTimeoutSeconds     = 1
	maxTimeoutSeconds     = 300
)

// NewExecutionContext validates and decodes req into an
// ExecutionContext. It is the sole constructor for the type.
func NewExecutionContext(req ExecuteRequest) (*ExecutionContext, error) {
	lang, err := ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	timeoutSeconds := req.Timeout
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	if timeoutSeconds < minTimeoutSeconds || timeoutSeconds > maxTimeoutSeconds {
		return nil, &Error{
			Kind:    KindInvalidInput,
			Message: fmt.Sprintf("timeout must be %d-%d seconds, got %d", minTimeoutSeconds, maxTimeoutSeconds, timeoutSeconds),
		}
	}

	return &ExecutionContext{
		ID:        uuid.NewString(),
		Language:  lang,
		Code:      req.Code,
		Timeout:   time.Duration(timeoutSeconds) * time.Second,
		EnvVars:   req.EnvVars,
		Files:     req.Files,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		CreatedAt: time.Now(),
	}, nil
}

// ExecutionStatus is the terminal classification of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult is the raw outcome of driving code through a
// container, before it is wrapped into an ExecuteResponse.
type ExecutionResult struct {
	Stdout          string
	Stderr          string
	Result          string // optional structured result, opaque to the core
	ExitCode        int
	ExecutionTimeMS int64
	MemoryUsedMB    *int64 // nil when the engine cannot report it
}

// ExecuteResponse is returned to the caller for every admitted
// request, win or lose.
type ExecuteResponse struct {
	ExecutionID     string          `json:"execution_id"`
	Status          ExecutionStatus `json:"status"`
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr"`
	Result          string          `json:"result,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	MemoryUsedMB    *int64          `json:"memory_used_mb,omitempty"`
	ExitCode        int             `json:"exit_code"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     time.Time       `json:"completed_at"`

	// ErrorKind is the taxonomy kind behind Error, used by the API
	// layer to pick an HTTP status. Not part of the wire contract.
	ErrorKind Kind `json:"-"`
}
