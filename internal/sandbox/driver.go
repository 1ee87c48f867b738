package sandbox

import (
	"context"
	"io"

	"sandbox-governor/internal/monitor"
)

// ContainerSpec is everything a driver needs to build one environment.
// Restrictions have already been checked and written to HostDir.
type ContainerSpec struct {
	ID          string
	Image       string
	Command     []string
	HostDir     string // Per-environment host directory
	CodeFile    string // Host path of the code file, mounted read-only at CodePath
	CodePath    string
	SeccompPath string
	Limits      ResourceLimits
	Network     bool
	Env         []string
}

// Driver builds environments on one isolation substrate.
type Driver interface {
	Name() string
	Create(ctx context.Context, spec *ContainerSpec) (Container, error)
	// Active returns the number of containers the driver currently owns.
	Active() int
	// CleanupOrphaned removes sandbox containers left over from previous runs.
	CleanupOrphaned(ctx context.Context) (int, error)
	Close() error
}

// Container is a created, not yet started, environment.
type Container interface {
	ID() string
	Start(ctx context.Context, stdout, stderr io.Writer) (Process, error)
	// Destroy kills anything still running and releases every resource the
	// container holds. It must be safe to call more than once.
	Destroy(ctx context.Context) error
}

// Process is a running payload. Read samples its resource usage and returns
// monitor.ErrProcessGone once it has exited.
type Process interface {
	monitor.Sampler
	// Wait blocks until the process exits or ctx is done. A ctx error is
	// returned as is; the process keeps running until Kill.
	Wait(ctx context.Context) (int, error)
	Kill(ctx context.Context) error
}
