package sandbox

import (
	"testing"
	"time"

	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/typeurl/v2"

	"sandbox-governor/internal/monitor"
)

func TestDecodeMetrics_Cgroup2(t *testing.T) {
	data, err := typeurl.MarshalAny(&v2.Metrics{
		CPU:    &v2.CPUStat{UsageUsec: 500000},
		Memory: &v2.MemoryStat{Usage: 96 * mib, InactiveFile: 32 * mib, UsageLimit: 256 * mib},
		Io:     &v2.IOStat{Usage: []*v2.IOEntry{{Rbytes: 100, Wbytes: 200}, {Rbytes: 1, Wbytes: 2}}},
	})
	if err != nil {
		t.Fatalf("MarshalAny() = %v", err)
	}

	r, hasNet, err := decodeMetrics(data, monitor.NewCPUTracker(), 128*mib)
	if err != nil {
		t.Fatalf("decodeMetrics() = %v", err)
	}
	if hasNet {
		t.Error("cgroup v2 metrics carry no network counters")
	}
	if r.MemoryUsedBytes != 64*mib {
		t.Errorf("MemoryUsedBytes = %d, want %d (usage minus inactive file)", r.MemoryUsedBytes, 64*mib)
	}
	if r.MemoryPercent != 50 {
		t.Errorf("MemoryPercent = %v, want 50 of the configured limit", r.MemoryPercent)
	}
	if r.IOReadBytes != 101 || r.IOWriteBytes != 202 {
		t.Errorf("IO = %d/%d, want 101/202", r.IOReadBytes, r.IOWriteBytes)
	}
	if r.CPUPercent != 0 {
		t.Errorf("first CPUPercent = %v, want 0", r.CPUPercent)
	}
}

func TestDecodeMetrics_Cgroup1(t *testing.T) {
	data, err := typeurl.MarshalAny(&v1.Metrics{
		CPU:    &v1.CPUStat{Usage: &v1.CPUUsage{Total: uint64(time.Second)}},
		Memory: &v1.MemoryStat{Usage: &v1.MemoryEntry{Usage: 64 * mib, Limit: 128 * mib}},
		Blkio: &v1.BlkIOStat{IoServiceBytesRecursive: []*v1.BlkIOEntry{
			{Op: "Read", Value: 10},
			{Op: "Write", Value: 20},
			{Op: "Total", Value: 30},
		}},
		Network: []*v1.NetworkStat{
			{Name: "eth0", RxBytes: 1000, TxBytes: 500},
			{Name: "lo", RxBytes: 99, TxBytes: 99},
		},
	})
	if err != nil {
		t.Fatalf("MarshalAny() = %v", err)
	}

	r, hasNet, err := decodeMetrics(data, monitor.NewCPUTracker(), 0)
	if err != nil {
		t.Fatalf("decodeMetrics() = %v", err)
	}
	if !hasNet {
		t.Error("cgroup v1 metrics should report network counters")
	}
	if r.MemoryPercent != 50 {
		t.Errorf("MemoryPercent = %v, want 50 of the cgroup limit", r.MemoryPercent)
	}
	if r.IOReadBytes != 10 || r.IOWriteBytes != 20 {
		t.Errorf("IO = %d/%d, want 10/20", r.IOReadBytes, r.IOWriteBytes)
	}
	if r.NetRecvBytes != 1000 || r.NetSentBytes != 500 {
		t.Errorf("Net = recv %d sent %d, want 1000/500 (loopback excluded)", r.NetRecvBytes, r.NetSentBytes)
	}
}
