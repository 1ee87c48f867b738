package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
)

const drainTimeout = 30 * time.Second

// RunningCommand is a started docker invocation.
type RunningCommand interface {
	// Wait returns the command's exit code. err is set only when the
	// command could not be run or waited on at all.
	Wait() (int, error)
}

// CommandRunner executes the docker CLI. Tests substitute a fake.
type CommandRunner interface {
	Output(ctx context.Context, args ...string) ([]byte, error)
	Start(ctx context.Context, stdout, stderr io.Writer, args ...string) (RunningCommand, error)
}

type execRunner struct {
	dockerHost string
}

func (r *execRunner) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, never raw user input
	if r.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+r.dockerHost)
	}
	return cmd
}

func (r *execRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := r.command(ctx, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (r *execRunner) Start(ctx context.Context, stdout, stderr io.Writer, args ...string) (RunningCommand, error) {
	cmd := r.command(ctx, args)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker %s: %w", args[0], err)
	}
	return execCommand{cmd}, nil
}

type execCommand struct{ cmd *exec.Cmd }

func (c execCommand) Wait() (int, error) {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		if host := strings.TrimSpace(string(out)); host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

type DockerOption func(*DockerDriver)

// WithCommandRunner replaces the docker CLI executor.
func WithCommandRunner(r CommandRunner) DockerOption {
	return func(d *DockerDriver) { d.runner = r }
}

// DockerDriver runs environments through the docker CLI (macOS, or Linux
// without containerd).
type DockerDriver struct {
	runner CommandRunner
	active atomic.Int64
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewDockerDriver(opts ...DockerOption) *DockerDriver {
	d := &DockerDriver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = &execRunner{dockerHost: resolveDockerHost()}
	}
	return d
}

func (d *DockerDriver) Name() string { return "docker" }

func (d *DockerDriver) Active() int { return int(d.active.Load()) }

// Ping checks that the docker daemon is reachable.
func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.runner.Output(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %w", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, spec *ContainerSpec) (Container, error) {
	if d.closed.Load() {
		return nil, ErrDriverClosed
	}
	if _, err := d.runner.Output(ctx, buildCreateArgs(spec)...); err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	d.active.Add(1)
	return &dockerContainer{
		driver:      d,
		name:        spec.ID,
		memoryLimit: spec.Limits.MemoryBytes,
		logger:      log.With().Str("container_id", spec.ID).Logger(),
	}, nil
}

func buildCreateArgs(spec *ContainerSpec) []string {
	network := "none"
	if spec.Network {
		network = "bridge"
	}
	l := spec.Limits
	mem := strconv.FormatInt(l.MemoryBytes, 10)

	args := []string{
		"create",
		"--name", spec.ID,
		"--label", "sandbox-governor.env=" + spec.ID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + spec.SeccompPath,
		"--memory", mem,
		"--memory-swap", mem,
		"--pids-limit", strconv.FormatInt(l.PidsLimit, 10),
		"--cpus", strconv.FormatFloat(l.CPUQuota, 'f', 2, 64),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,noexec,size=%dm", l.DiskMB),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", l.fds(), l.fds()),
		"--ulimit", fmt.Sprintf("nproc=%d:%d", l.PidsLimit, l.PidsLimit),
		"--ulimit", "core=0:0",
		"--oom-score-adj", "1000",
		"-v", fmt.Sprintf("%s:%s:ro", spec.CodeFile, spec.CodePath),
		"--user", fmt.Sprintf("%d:%d", nobody, nobody),
		"--read-only",
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// CleanupOrphaned removes sandbox containers that survived a server crash.
func (d *DockerDriver) CleanupOrphaned(ctx context.Context) (int, error) {
	out, err := d.runner.Output(ctx, "ps", "-a", "--filter", "name="+idPrefix, "-q")
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	var cleaned int
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		if _, err := d.runner.Output(ctx, "rm", "-f", id); err != nil {
			log.Error().Err(err).Str("container_id", id).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// Close waits for running payloads to drain.
func (d *DockerDriver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("timed out waiting for %d docker environments to drain", d.Active())
	}
}

type dockerContainer struct {
	driver      *DockerDriver
	name        string
	memoryLimit int64
	logger      zerolog.Logger

	mu        sync.Mutex
	destroyed bool
}

func (c *dockerContainer) ID() string { return c.name }

func (c *dockerContainer) Start(ctx context.Context, stdout, stderr io.Writer) (Process, error) {
	// The attach must outlive ctx; Kill and Destroy stop it.
	cmd, err := c.driver.runner.Start(context.WithoutCancel(ctx), stdout, stderr, "start", "-a", c.name)
	if err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	p := &dockerProcess{container: c, done: make(chan struct{})}
	c.driver.wg.Add(1)
	go func() {
		defer c.driver.wg.Done()
		defer close(p.done)
		p.code, p.err = cmd.Wait()
	}()

	c.logger.Info().Msg("container started")
	return p, nil
}

func (c *dockerContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	if _, err := c.driver.runner.Output(ctx, "rm", "-f", c.name); err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("removing container %s: %w", c.name, err)
	}
	c.destroyed = true
	c.driver.active.Add(-1)
	c.logger.Debug().Msg("container removed")
	return nil
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}

type dockerProcess struct {
	container *dockerContainer

	done chan struct{}
	code int
	err  error
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	_, err := p.container.driver.runner.Output(ctx, "kill", p.container.name)
	if err != nil && !isNoSuchContainer(err) && !strings.Contains(err.Error(), "is not running") {
		return fmt.Errorf("killing container: %w", err)
	}
	return nil
}

func (p *dockerProcess) Read(ctx context.Context) (monitor.Reading, error) {
	select {
	case <-p.done:
		return monitor.Reading{}, monitor.ErrProcessGone
	default:
	}
	out, err := p.container.driver.runner.Output(ctx, "stats", "--no-stream", "--format", "{{json .}}", p.container.name)
	if err != nil {
		if isNoSuchContainer(err) {
			return monitor.Reading{}, monitor.ErrProcessGone
		}
		return monitor.Reading{}, err
	}
	return parseDockerStats(out, p.container.memoryLimit)
}

// dockerStats is one line of `docker stats --format '{{json .}}'`.
type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
	PIDs     string `json:"PIDs"`
}

func parseDockerStats(out []byte, memoryLimit int64) (monitor.Reading, error) {
	var s dockerStats
	if err := json.Unmarshal(bytes.TrimSpace(out), &s); err != nil {
		return monitor.Reading{}, fmt.Errorf("parsing docker stats: %w", err)
	}

	var r monitor.Reading
	var err error
	if r.CPUPercent, err = parsePercent(s.CPUPerc); err != nil {
		return monitor.Reading{}, err
	}

	used, limit, err := parsePair(s.MemUsage)
	if err != nil {
		return monitor.Reading{}, fmt.Errorf("parsing MemUsage: %w", err)
	}
	r.MemoryUsedBytes = int64(used)
	if memoryLimit <= 0 {
		memoryLimit = int64(limit)
	}
	r.MemoryPercent = percent(r.MemoryUsedBytes, memoryLimit)

	if r.NetRecvBytes, r.NetSentBytes, err = parsePair(s.NetIO); err != nil {
		return monitor.Reading{}, fmt.Errorf("parsing NetIO: %w", err)
	}
	if r.IOReadBytes, r.IOWriteBytes, err = parsePair(s.BlockIO); err != nil {
		return monitor.Reading{}, fmt.Errorf("parsing BlockIO: %w", err)
	}
	return r, nil
}

func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "--" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing percent %q: %w", s, err)
	}
	return v, nil
}

// parsePair splits "1.2kB / 648B" into byte counts.
func parsePair(s string) (uint64, uint64, error) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed pair %q", s)
	}
	a, err := parseSize(left)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseSize(right)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}
