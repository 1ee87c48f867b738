package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	mib         = 1024 * 1024
	stackBytes  = 8 * mib
	cfsPeriod   = uint64(100000) // 100ms in microseconds
	defaultFDs  = 256
	minCFSQuota = 1000
)

type ResourceLimits struct {
	CPUQuota    float64 `json:"cpu_quota"`    // Fraction of one core, 1.0 = one core
	MemoryBytes int64   `json:"memory_bytes"` // Hard memory limit, swap disabled
	PidsLimit   int64   `json:"pids_limit"`   // Max processes (fork bomb protection)
	DiskMB      int64   `json:"disk_mb"`      // Tmpfs size for /tmp
	NoFile      int64   `json:"nofile"`       // Open file descriptors; 0 uses 256
}

// DefaultLimits matches the most restrictive trust tier.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUQuota:    0.25,
		MemoryBytes: 256 * mib,
		PidsLimit:   20,
		DiskMB:      100,
		NoFile:      100,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUQuota <= 0 || rl.CPUQuota > 8 {
		return fmt.Errorf("%w: cpu_quota must be in (0, 8], got %g", ErrInvalidRequest, rl.CPUQuota)
	}
	if rl.MemoryBytes < 16*mib || rl.MemoryBytes > 16384*mib {
		return fmt.Errorf("%w: memory_bytes must be 16MiB-16GiB, got %d", ErrInvalidRequest, rl.MemoryBytes)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	if rl.NoFile < 0 || rl.NoFile > 65536 {
		return fmt.Errorf("%w: nofile must be 0-65536, got %d", ErrInvalidRequest, rl.NoFile)
	}
	return nil
}

func (rl ResourceLimits) fds() int64 {
	if rl.NoFile == 0 {
		return defaultFDs
	}
	return rl.NoFile
}

// CFSQuota converts CPUQuota into microseconds per cfsPeriod.
func (rl ResourceLimits) CFSQuota() int64 {
	quota := int64(rl.CPUQuota * float64(cfsPeriod))
	if quota < minCFSQuota {
		quota = minCFSQuota
	}
	return quota
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota is a hard cap; shares would only be a weight.
	period := cfsPeriod
	quota := limits.CFSQuota()
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryBytes
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * mib
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	fds := safeUint64(limits.fds())
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: fds, Soft: fds},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: stackBytes, Soft: stackBytes},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
