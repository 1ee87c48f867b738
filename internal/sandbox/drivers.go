package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/config"
	"sandbox-governor/internal/runtime"
)

// NewDrivers opens every configured backend. "auto" picks containerd on
// Linux and falls back to docker. Orphaned containers from a previous run
// are removed before a driver is returned.
func NewDrivers(ctx context.Context, cfg config.SandboxConfig) ([]Driver, error) {
	var (
		drivers []Driver
		seen    = make(map[string]bool)
	)
	for _, pref := range cfg.Backends {
		d, err := newDriver(ctx, cfg, pref)
		if err != nil {
			closeAll(drivers)
			return nil, err
		}
		if seen[d.Name()] {
			_ = d.Close()
			continue
		}
		seen[d.Name()] = true

		if n, err := d.CleanupOrphaned(ctx); err != nil {
			log.Warn().Err(err).Str("driver", d.Name()).Msg("failed to cleanup orphaned containers")
		} else if n > 0 {
			log.Info().Int("count", n).Str("driver", d.Name()).Msg("cleaned orphaned containers on startup")
		}
		drivers = append(drivers, d)
	}
	if len(drivers) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrRuntimeUnavailable)
	}
	return drivers, nil
}

func newDriver(ctx context.Context, cfg config.SandboxConfig, preference string) (Driver, error) {
	switch preference {
	case "containerd":
		return newContainerdDriver(ctx, cfg)
	case "docker":
		return newDockerDriver(ctx)
	case "", "auto":
		if goruntime.GOOS == "linux" {
			d, err := newContainerdDriver(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return d, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}
		d, err := newDockerDriver(ctx)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return d, nil
		}
		return nil, fmt.Errorf("%w: install Docker Desktop (macOS/Windows) or containerd (Linux)", ErrRuntimeUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdDriver(ctx context.Context, cfg config.SandboxConfig) (Driver, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	go client.Warm(context.WithoutCancel(ctx), runtime.NewRegistry().Images())
	return NewContainerdDriver(client), nil
}

func newDockerDriver(ctx context.Context) (Driver, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %w", ErrRuntimeUnavailable, err)
	}
	d := NewDockerDriver()
	if err := d.Ping(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func closeAll(drivers []Driver) {
	var errs []error
	for _, d := range drivers {
		errs = append(errs, d.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("closing drivers")
	}
}
