package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

var (
	// ErrProcessGone ends a sampling loop cleanly: the process exited or was killed.
	ErrProcessGone = errors.New("process gone")
	// ErrMonitoringAttachFailed means no baseline reading could be taken.
	// Execution continues without metrics.
	ErrMonitoringAttachFailed = errors.New("monitoring attach failed")
	// ErrAlreadyMonitoring is returned when a job already has a live session.
	ErrAlreadyMonitoring = errors.New("job already monitored")
)

// Reading is a point-in-time view of a process. Byte counters are cumulative
// since the process started; the monitor turns them into per-sample deltas.
type Reading struct {
	CPUPercent      float64
	MemoryPercent   float64
	MemoryUsedBytes int64
	IOReadBytes     uint64
	IOWriteBytes    uint64
	NetSentBytes    uint64
	NetRecvBytes    uint64
}

// Sampler reads resource usage of one running process.
type Sampler interface {
	Read(ctx context.Context) (Reading, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Reading, error)

func (f SamplerFunc) Read(ctx context.Context) (Reading, error) { return f(ctx) }

// CPUTracker converts a cumulative CPU-time counter into a utilisation
// percentage of one core between consecutive calls.
type CPUTracker struct {
	mu      sync.Mutex
	lastCPU time.Duration
	lastAt  time.Time
	now     func() time.Time
}

func NewCPUTracker() *CPUTracker {
	return &CPUTracker{now: time.Now}
}

// Percent records total CPU time consumed so far and returns utilisation since
// the previous call. The first call returns 0.
func (c *CPUTracker) Percent(total time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	defer func() {
		c.lastCPU = total
		c.lastAt = now
	}()

	if c.lastAt.IsZero() {
		return 0
	}
	wall := now.Sub(c.lastAt)
	if wall <= 0 || total < c.lastCPU {
		return 0
	}
	return float64(total-c.lastCPU) / float64(wall) * 100
}

// ProcSampler samples a host process through procfs. It is used directly for
// processes visible in the host PID namespace and to read per-netns network
// counters for containers.
type ProcSampler struct {
	fs          procfs.FS
	pid         int
	memoryLimit int64
	cpu         *CPUTracker
}

// NewProcSampler creates a sampler for pid. memoryLimit is the byte limit used
// to compute memory percent; zero falls back to host MemTotal.
func NewProcSampler(pid int, memoryLimit int64) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}

	if memoryLimit <= 0 {
		meminfo, err := fs.Meminfo()
		if err == nil && meminfo.MemTotal != nil {
			memoryLimit = int64(*meminfo.MemTotal) * 1024
		}
	}

	return &ProcSampler{
		fs:          fs,
		pid:         pid,
		memoryLimit: memoryLimit,
		cpu:         NewCPUTracker(),
	}, nil
}

func (p *ProcSampler) Read(_ context.Context) (Reading, error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Reading{}, ErrProcessGone
		}
		return Reading{}, fmt.Errorf("reading /proc/%d: %w", p.pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Reading{}, ErrProcessGone
		}
		return Reading{}, fmt.Errorf("reading stat of %d: %w", p.pid, err)
	}

	r := Reading{
		CPUPercent:      p.cpu.Percent(time.Duration(stat.CPUTime() * float64(time.Second))),
		MemoryUsedBytes: int64(stat.ResidentMemory()),
	}
	if p.memoryLimit > 0 {
		r.MemoryPercent = float64(r.MemoryUsedBytes) / float64(p.memoryLimit) * 100
	}

	// io and net/dev may be unreadable without privileges; treat as zero.
	if pio, err := proc.IO(); err == nil {
		r.IOReadBytes = pio.ReadBytes
		r.IOWriteBytes = pio.WriteBytes
	}
	if sent, recv, err := p.Network(); err == nil {
		r.NetSentBytes = sent
		r.NetRecvBytes = recv
	}

	return r, nil
}

// Network returns cumulative bytes sent and received in the process's network
// namespace, excluding loopback.
func (p *ProcSampler) Network() (sent, recv uint64, err error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return 0, 0, err
	}
	dev, err := proc.NetDev()
	if err != nil {
		return 0, 0, err
	}
	for name, line := range dev {
		if name == "lo" {
			continue
		}
		sent += line.TxBytes
		recv += line.RxBytes
	}
	return sent, recv, nil
}
