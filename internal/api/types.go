package api

import "sandboxd/internal/sandbox"

// ExecuteRequest is the wire-level request body for POST /execute. It
// mirrors sandbox.ExecuteRequest field-for-field; kept as its own type
// so the API's JSON contract can be versioned independently of the
// core's internal representation.
type ExecuteRequest struct {
	Code      string              `json:"code"`
	Language  string              `json:"language"`
	Timeout   int                 `json:"timeout,omitempty"`
	EnvVars   []sandbox.EnvVar    `json:"env_vars,omitempty"`
	Files     []sandbox.FileInput `json:"files,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func (r ExecuteRequest) toCore() sandbox.ExecuteRequest {
	return sandbox.ExecuteRequest{
		Code:      r.Code,
		Language:  r.Language,
		Timeout:   r.Timeout,
		EnvVars:   r.EnvVars,
		Files:     r.Files,
		UserID:    r.UserID,
		RequestID: r.RequestID,
	}
}

// ErrorResponse is returned for requests refused before execution
// (malformed JSON, unsupported language, out-of-range timeout, oversized
// code) and by the auth, rate-limit and panic-recovery middleware. Other
// failed executions are reported as an ExecuteResponse. Error carries
// the variant name (e.g. "CodeTooLarge"); Message is the human-readable
// detail.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string         `json:"status"`
	EngineHealthy bool           `json:"engine_healthy"`
	PoolSizes     map[string]int `json:"pool_sizes"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

// ConfigResponse is returned by GET /config: the subset of server
// configuration safe to disclose to a caller deciding how to shape a
// request (supported languages, limits, timeout bounds).
type ConfigResponse struct {
	SupportedLanguages []string `json:"supported_languages"`
	MaxCodeBytes       int      `json:"max_code_bytes"`
	MinTimeoutSeconds  int      `json:"min_timeout_seconds"`
	MaxTimeoutSeconds  int      `json:"max_timeout_seconds"`
	DefaultTimeoutSec  int      `json:"default_timeout_seconds"`
	MaxMemoryMB        int64    `json:"max_memory_mb"`
	MaxCPUQuota        int64    `json:"max_cpu_quota"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse = sandbox.Snapshot
