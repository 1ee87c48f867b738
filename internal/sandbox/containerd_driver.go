package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
)

// ContainerdDriver runs environments as containerd tasks.
type ContainerdDriver struct {
	client *Client
	active atomic.Int64
	closed atomic.Bool
}

func NewContainerdDriver(client *Client) *ContainerdDriver {
	return &ContainerdDriver{client: client}
}

func (d *ContainerdDriver) Name() string { return "containerd" }

func (d *ContainerdDriver) Active() int { return int(d.active.Load()) }

func (d *ContainerdDriver) Create(ctx context.Context, spec *ContainerSpec) (Container, error) {
	if d.closed.Load() {
		return nil, ErrDriverClosed
	}
	if err := d.client.Ensure(ctx); err != nil {
		return nil, err
	}

	image, err := d.client.PullImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	nsCtx := d.client.WithNamespace(ctx)
	c, err := d.client.raw().NewContainer(nsCtx, spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, SecurityProfileFor(spec.Network))
				ApplyResourceLimits(s, spec.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: spec.CodePath,
					Type:        "bind",
					Source:      spec.CodeFile,
					Options:     []string{"rbind", "ro", "nosuid", "nodev"},
				})
				s.Process.Env = spec.Env
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	d.active.Add(1)
	return &containerdContainer{
		driver:      d,
		inner:       c,
		memoryLimit: spec.Limits.MemoryBytes,
		logger:      log.With().Str("container_id", spec.ID).Logger(),
	}, nil
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (d *ContainerdDriver) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := d.client.WithNamespace(ctx)

	list, err := d.client.raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		id := c.ID()
		if !strings.HasPrefix(id, idPrefix) {
			continue
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Info().Msg("cleaning up orphaned sandbox container")

		if err := removeContainer(nsCtx, c, logger); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned containers")
	}
	return cleaned, nil
}

func (d *ContainerdDriver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.client.Close()
}

type containerdContainer struct {
	driver      *ContainerdDriver
	inner       containerd.Container
	memoryLimit int64
	logger      zerolog.Logger

	mu        sync.Mutex
	proc      *containerdProcess
	destroyed bool
}

func (c *containerdContainer) ID() string { return c.inner.ID() }

func (c *containerdContainer) Start(ctx context.Context, stdout, stderr io.Writer) (Process, error) {
	nsCtx := c.driver.client.WithNamespace(ctx)

	task, err := c.inner.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	// The exit channel must outlive the caller's ctx; it is released on Destroy.
	waitCtx, cancelWait := context.WithCancel(c.driver.client.WithNamespace(context.Background()))
	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		cancelWait()
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		return nil, fmt.Errorf("waiting on task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		cancelWait()
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		return nil, fmt.Errorf("starting task: %w", err)
	}

	p := &containerdProcess{
		client:      c.driver.client,
		task:        task,
		cancelWait:  cancelWait,
		done:        make(chan struct{}),
		cpu:         monitor.NewCPUTracker(),
		memoryLimit: c.memoryLimit,
	}
	if net, err := monitor.NewProcSampler(int(task.Pid()), c.memoryLimit); err == nil {
		p.net = net
	}
	go p.collect(exitCh)

	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()

	c.logger.Info().Uint32("pid", task.Pid()).Msg("task started")
	return p, nil
}

func (c *containerdContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	if c.proc != nil {
		defer c.proc.cancelWait()
	}

	if err := removeContainer(c.driver.client.WithNamespace(ctx), c.inner, c.logger); err != nil {
		return err
	}
	c.destroyed = true
	c.driver.active.Add(-1)
	return nil
}

// removeContainer kills and deletes the task, then the container and its
// snapshot. Already-gone resources count as removed.
func removeContainer(ctx context.Context, container containerd.Container, logger zerolog.Logger) error {
	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(ctx, syscall.SIGKILL)

			waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

type containerdProcess struct {
	client      *Client
	task        containerd.Task
	cancelWait  context.CancelFunc
	cpu         *monitor.CPUTracker
	memoryLimit int64
	net         *monitor.ProcSampler

	done chan struct{}
	code int
	err  error
}

func (p *containerdProcess) collect(exitCh <-chan containerd.ExitStatus) {
	defer close(p.done)
	status, ok := <-exitCh
	if !ok {
		p.code, p.err = -1, monitor.ErrProcessGone
		return
	}
	p.code = int(status.ExitCode())
	p.err = status.Error()
}

func (p *containerdProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *containerdProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.task.Kill(p.client.WithNamespace(ctx), syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("killing task: %w", err)
	}
	return nil
}

// Read samples the task's cgroup. Network counters come from the task's
// network namespace because cgroup v2 does not account them.
func (p *containerdProcess) Read(ctx context.Context) (monitor.Reading, error) {
	select {
	case <-p.done:
		return monitor.Reading{}, monitor.ErrProcessGone
	default:
	}

	m, err := p.task.Metrics(p.client.WithNamespace(ctx))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return monitor.Reading{}, monitor.ErrProcessGone
		}
		return monitor.Reading{}, fmt.Errorf("reading task metrics: %w", err)
	}
	if m == nil || m.Data == nil {
		return monitor.Reading{}, fmt.Errorf("task metrics: empty payload")
	}

	r, hasNet, err := decodeMetrics(m.Data, p.cpu, p.memoryLimit)
	if err != nil {
		return monitor.Reading{}, err
	}
	if !hasNet && p.net != nil {
		if sent, recv, err := p.net.Network(); err == nil {
			r.NetSentBytes, r.NetRecvBytes = sent, recv
		}
	}
	return r, nil
}
