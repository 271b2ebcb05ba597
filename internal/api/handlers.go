package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/config"
	"sandboxd/internal/sandbox"
)

// Handlers implements the four spec-mandated operations: health,
// config, execute, stats. Business logic lives in internal/sandbox;
// these methods only decode requests, call the driver, and encode
// responses.
type Handlers struct {
	driver *sandbox.Driver
	engine sandbox.Engine
	pool   *sandbox.Pool
	stats  *sandbox.Stats
	limits sandbox.LimitsPolicy
	cfg    *config.Config
}

func NewHandlers(driver *sandbox.Driver, engine sandbox.Engine, pool *sandbox.Pool, stats *sandbox.Stats, limits sandbox.LimitsPolicy, cfg *config.Config) *Handlers {
	return &Handlers{driver: driver, engine: engine, pool: pool, stats: stats, limits: limits, cfg: cfg}
}

// HandleExecute implements POST /execute.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, string(sandbox.KindInvalidInput), "invalid JSON: "+err.Error(), http.StatusBadRequest, r)
		return
	}

	execCtx, err := sandbox.NewExecutionContext(req.toCore())
	if err != nil {
		kind := sandbox.KindOf(err)
		writeError(w, string(kind), err.Error(), kind.StatusCode(), r)
		return
	}

	resp := h.driver.Run(r.Context(), execCtx)
	if resp.ErrorKind == sandbox.KindCodeTooLarge {
		writeError(w, string(resp.ErrorKind), resp.Error, resp.ErrorKind.StatusCode(), r)
		return
	}
	status := http.StatusOK
	if resp.Status == sandbox.StatusFailed || resp.Status == sandbox.StatusTimeout {
		status = resp.ErrorKind.StatusCode()
	}
	writeJSON(w, status, resp)
}

// HandleHealth implements GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	engineHealthy := h.engine.Healthy(r.Context())

	poolSizes := make(map[string]int)
	for _, lang := range sandbox.AllLanguages() {
		poolSizes[lang.String()] = h.pool.Size(lang)
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !engineHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:        status,
		EngineHealthy: engineHealthy,
		PoolSizes:     poolSizes,
		UptimeSeconds: h.stats.UptimeSeconds(),
	})
}

// HandleConfig implements GET /config.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	langs := sandbox.AllLanguages()
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = l.String()
	}

	maxTimeout := 300
	if h.limits.MaxCPUTimeSec > 0 && h.limits.MaxCPUTimeSec < 300 {
		maxTimeout = int(h.limits.MaxCPUTimeSec)
	}

	writeJSON(w, http.StatusOK, ConfigResponse{
		SupportedLanguages: names,
		MaxCodeBytes:       sandbox.MaxCodeBytes(),
		MinTimeoutSeconds:  1,
		MaxTimeoutSeconds:  maxTimeout,
		DefaultTimeoutSec:  60,
		MaxMemoryMB:        h.limits.MaxMemoryMB,
		MaxCPUQuota:        h.cfg.Sandbox.DefaultLimits.CPUShares,
		RateLimitPerMinute: int(h.cfg.Security.RateLimitRPS * 60),
	})
}

// HandleStats implements GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, kind, msg string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     kind,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
