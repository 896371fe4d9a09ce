package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"bug-ghost-sandbox/internal/config"
)

// Backend is an engine that can also check for and build images.
type Backend interface {
	Engine
	ImageStore
}

// NewBackend connects to the configured runtime. "auto" prefers Docker,
// which can build the sandbox images, and falls back to containerd on Linux.
func NewBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "docker":
		return NewDockerEngine(ctx, cfg.DockerHost)
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "auto":
		docker, err := NewDockerEngine(ctx, cfg.DockerHost)
		if err == nil {
			log.Info().Msg("using docker backend")
			return docker, nil
		}
		log.Warn().Err(err).Msg("docker unavailable")

		if runtime.GOOS == "linux" {
			backend, cerr := newContainerdBackend(ctx, cfg)
			if cerr == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(cerr).Msg("containerd unavailable")
		}

		return nil, fmt.Errorf("%w: no sandbox backend reachable, start Docker or containerd", ErrRuntimeUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	return NewContainerdEngine(client), nil
}

// PolicyFromConfig builds the process-wide isolation policy.
func PolicyFromConfig(cfg config.SandboxConfig) (IsolationPolicy, error) {
	return BuildPolicy(Tunables{
		MemoryMB:    cfg.Limits.MemoryMB,
		CPUQuota:    cfg.Limits.CPUQuota,
		PidsLimit:   cfg.Limits.PidsLimit,
		WorkspaceMB: cfg.Limits.WorkspaceMB,
		TmpMB:       cfg.Limits.TmpMB,
		Seccomp:     cfg.Seccomp,
	})
}

func RunnerConfigFrom(cfg config.SandboxConfig) RunnerConfig {
	return RunnerConfig{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxCodeBytes:   cfg.MaxCodeBytes,
		OutputLimit:    cfg.OutputLimitBytes,
		StopGrace:      cfg.StopGrace,
		DrainWindow:    cfg.DrainWindow,
		OrphanMinAge:   cfg.OrphanMinAge,
	}
}
