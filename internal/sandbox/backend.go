package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/config"
)

// Engine is the polymorphic Container Runtime Abstraction (§4.D): the
// capability set {create, start, execute, stop, remove, health} that
// every concrete container engine must honour. A warm container is
// created once with a long-lived idle entrypoint; Exec runs the
// user's code inside it as a separate process, so the same container
// can be reused across many executions via the Pool.
type Engine interface {
	// CreateWarm creates and starts an idle container for lang,
	// constrained by profile, and returns its engine-native id.
	CreateWarm(ctx context.Context, lang Language, profile SecurityProfile) (containerID string, err error)

	// Exec writes execCtx's source into the container's /workspace and
	// runs the language's executor command against it, honouring
	// execCtx.Timeout as a hard deadline. execCtx.Files are not written
	// into the container.
	Exec(ctx context.Context, containerID string, execCtx *ExecutionContext) (*ExecutionResult, error)

	// Reset clears a container's /workspace so it can be reused by a
	// different execution of the same language.
	Reset(ctx context.Context, containerID string) error

	// Remove stops and deletes the container. Errors are for logging
	// only; callers must not fail the response path on a Remove error.
	Remove(ctx context.Context, containerID string) error

	// Healthy reports whether the engine connection is usable.
	Healthy(ctx context.Context) bool

	Close() error
}

// NewEngine selects and constructs the configured engine backend. The
// default is the Docker Engine API; containerd is the explicitly
// selectable alternate variant (§4.D: "the design admits alternative
// variants").
func NewEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "docker"
	}

	switch preference {
	case "docker":
		return newDockerEngine(cfg)
	case "containerd":
		return newContainerdEngine(ctx, cfg)
	case "auto":
		engine, err := newDockerEngine(cfg)
		if err == nil {
			log.Info().Msg("using Docker engine backend")
			return engine, nil
		}
		log.Warn().Err(err).Msg("Docker unavailable, trying containerd")

		if runtime.GOOS == "linux" {
			engine, err := newContainerdEngine(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd engine backend")
				return engine, nil
			}
		}
		return nil, fmt.Errorf("no sandbox engine available: install Docker or containerd")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be docker, containerd, or auto", preference)
	}
}
