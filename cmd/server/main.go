package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/api"
	"sandboxd/internal/audit"
	"sandboxd/internal/config"
	"sandboxd/internal/monitor"
	"sandboxd/internal/sandbox"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnvOverrides()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	engine, err := sandbox.NewEngine(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox engine available")
	}

	resourceLimits := sandbox.ResourceLimits{
		CPUQuota:  int64(cfg.Sandbox.DefaultLimits.CPUShares) * 100,
		CPUPeriod: 100_000,
		MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
		PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
		DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
	}
	profile := sandbox.BuildSecurityProfile(resourceLimits,
		cfg.Security.ReadOnlyRootfs, cfg.Security.DropCapabilities, cfg.Security.NetworkMode == "none")

	pool := sandbox.NewPool(engine, profile, sandbox.AllLanguages(), sandbox.PoolConfig{
		MinIdle:         cfg.Pool.MinIdle,
		MaxIdle:         cfg.Pool.MaxIdle,
		RefillDelay:     cfg.Pool.RefillDelay,
		MaxAge:          cfg.Pool.MaxAge,
		AcquireDeadline: cfg.Pool.AcquireDeadline,
	})
	for langName, size := range cfg.Pool.PerLanguage {
		lang, err := sandbox.ParseLanguage(langName)
		if err != nil {
			log.Warn().Str("language", langName).Msg("ignoring pool size override for unknown language")
			continue
		}
		pool.SetLanguageSize(lang, size.MinIdle, size.MaxIdle)
	}
	if cfg.Pool.Enabled {
		pool.Start(ctx)
	}

	auditLogger, err := audit.NewLogger(cfg.Audit.LogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Audit.LogPath).Msg("failed to open audit log")
	}
	defer auditLogger.Close()

	var mirror *audit.PostgresMirror
	if cfg.Audit.PostgresMirror && cfg.Database.DSN != "" {
		mirror, err = audit.NewPostgresMirror(ctx, cfg.Database.DSN, cfg.Audit.MirrorBuffer)
		if err != nil {
			log.Warn().Err(err).Msg("audit postgres mirror unavailable, continuing with JSONL only")
		} else {
			auditLogger.AddSink(mirror)
			defer mirror.Close()
		}
	}

	limits := sandbox.LimitsPolicy{
		MaxMemoryMB:   cfg.Sandbox.DefaultLimits.MemoryMB,
		MaxCPUTimeSec: int64(cfg.Sandbox.MaxTimeout.Seconds()),
		MaxProcesses:  cfg.Sandbox.DefaultLimits.PidsLimit,
	}
	stats := sandbox.NewStats()
	driver := sandbox.NewDriver(engine, pool, limits, stats, auditLogger).
		WithDetector(monitor.NewEscapeDetector()).
		WithMetrics(metrics)

	server := api.NewServer(cfg, driver, engine, pool, stats, limits, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		pool.Stop(shutdownCtx)
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", cfg.Sandbox.Backend).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
