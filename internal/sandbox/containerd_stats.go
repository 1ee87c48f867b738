package sandbox

import (
	"fmt"
	"strings"
	"time"

	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/typeurl/v2"

	"sandbox-governor/internal/monitor"
)

// decodeMetrics unpacks a containerd task metric payload. hasNet reports
// whether the payload carried network counters.
func decodeMetrics(data typeurl.Any, cpu *monitor.CPUTracker, memoryLimit int64) (monitor.Reading, bool, error) {
	v, err := typeurl.UnmarshalAny(data)
	if err != nil {
		return monitor.Reading{}, false, fmt.Errorf("decoding task metrics: %w", err)
	}

	switch m := v.(type) {
	case *v1.Metrics:
		r, hasNet := fromCgroup1(m, cpu, memoryLimit)
		return r, hasNet, nil
	case *v2.Metrics:
		return fromCgroup2(m, cpu, memoryLimit), false, nil
	default:
		return monitor.Reading{}, false, fmt.Errorf("unexpected task metrics type %T", v)
	}
}

func fromCgroup1(m *v1.Metrics, cpu *monitor.CPUTracker, memoryLimit int64) (monitor.Reading, bool) {
	var r monitor.Reading

	if m.CPU != nil && m.CPU.Usage != nil {
		r.CPUPercent = cpu.Percent(time.Duration(m.CPU.Usage.Total))
	}

	if m.Memory != nil && m.Memory.Usage != nil {
		used := m.Memory.Usage.Usage
		if m.Memory.TotalInactiveFile < used {
			used -= m.Memory.TotalInactiveFile
		}
		r.MemoryUsedBytes = int64(used)
		limit := memoryLimit
		if limit <= 0 {
			limit = int64(m.Memory.Usage.Limit)
		}
		r.MemoryPercent = percent(r.MemoryUsedBytes, limit)
	}

	if m.Blkio != nil {
		for _, e := range m.Blkio.IoServiceBytesRecursive {
			switch {
			case strings.EqualFold(e.Op, "read"):
				r.IOReadBytes += e.Value
			case strings.EqualFold(e.Op, "write"):
				r.IOWriteBytes += e.Value
			}
		}
	}

	for _, n := range m.Network {
		if n.Name == "lo" {
			continue
		}
		r.NetSentBytes += n.TxBytes
		r.NetRecvBytes += n.RxBytes
	}
	return r, len(m.Network) > 0
}

func fromCgroup2(m *v2.Metrics, cpu *monitor.CPUTracker, memoryLimit int64) monitor.Reading {
	var r monitor.Reading

	if m.CPU != nil {
		r.CPUPercent = cpu.Percent(time.Duration(m.CPU.UsageUsec) * time.Microsecond)
	}

	if m.Memory != nil {
		used := m.Memory.Usage
		if m.Memory.InactiveFile < used {
			used -= m.Memory.InactiveFile
		}
		r.MemoryUsedBytes = int64(used)
		limit := memoryLimit
		if limit <= 0 {
			limit = int64(m.Memory.UsageLimit)
		}
		r.MemoryPercent = percent(r.MemoryUsedBytes, limit)
	}

	if m.Io != nil {
		for _, e := range m.Io.Usage {
			r.IOReadBytes += e.Rbytes
			r.IOWriteBytes += e.Wbytes
		}
	}
	return r
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
