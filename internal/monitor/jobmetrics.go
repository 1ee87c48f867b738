package monitor

import "time"

// SeriesStats summarises a percentage series.
type SeriesStats struct {
	Current float64   `json:"current"`
	Average float64   `json:"average"`
	Peak    float64   `json:"peak"`
	History []float64 `json:"history"`
}

type IOPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Read      int64     `json:"read"`
	Write     int64     `json:"write"`
}

type IOStats struct {
	ReadTotal       int64     `json:"read_total"`
	WriteTotal      int64     `json:"write_total"`
	PeakBytesPerSec float64   `json:"peak_bytes_per_sec"`
	History         []IOPoint `json:"history"`
}

type NetPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Sent      int64     `json:"sent"`
	Recv      int64     `json:"recv"`
}

type NetworkStats struct {
	SentTotal       int64      `json:"sent_total"`
	RecvTotal       int64      `json:"recv_total"`
	PeakBytesPerSec float64    `json:"peak_bytes_per_sec"`
	History         []NetPoint `json:"history"`
}

// JobMetrics is the aggregate view of one job's timeline.
type JobMetrics struct {
	JobID           string       `json:"job_id"`
	Active          bool         `json:"active"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	Samples         int          `json:"samples"`
	CPU             SeriesStats  `json:"cpu"`
	Memory          SeriesStats  `json:"memory"`
	PeakMemoryBytes int64        `json:"peak_memory_bytes"`
	IO              IOStats      `json:"io"`
	Network         NetworkStats `json:"network"`
	Events          []Event      `json:"events"`
}

// GetJobMetrics computes the aggregate view from a snapshot of the job's
// samples. It returns false when no samples exist.
func (m *Monitor) GetJobMetrics(jobID string) (*JobMetrics, bool) {
	m.mu.RLock()
	s, ok := m.sessions[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	samples := append([]Sample(nil), s.samples...)
	events := append([]Event(nil), s.events...)
	startedAt := s.startedAt
	finishedAt := s.finishedAt
	s.mu.RUnlock()

	if len(samples) == 0 {
		return nil, false
	}

	secs := m.cfg.Interval.Seconds()
	jm := &JobMetrics{
		JobID:     jobID,
		Active:    finishedAt.IsZero(),
		StartedAt: startedAt,
		Samples:   len(samples),
		CPU:       SeriesStats{History: make([]float64, 0, len(samples))},
		Memory:    SeriesStats{History: make([]float64, 0, len(samples))},
		IO:        IOStats{History: make([]IOPoint, 0, len(samples))},
		Network:   NetworkStats{History: make([]NetPoint, 0, len(samples))},
		Events:    events,
	}
	if !finishedAt.IsZero() {
		jm.FinishedAt = &finishedAt
	}

	var cpuSum, memSum float64
	for _, sm := range samples {
		cpuSum += sm.CPUPercent
		memSum += sm.MemoryPercent
		jm.CPU.Peak = max(jm.CPU.Peak, sm.CPUPercent)
		jm.Memory.Peak = max(jm.Memory.Peak, sm.MemoryPercent)
		jm.PeakMemoryBytes = max(jm.PeakMemoryBytes, sm.MemoryUsedBytes)
		jm.CPU.History = append(jm.CPU.History, sm.CPUPercent)
		jm.Memory.History = append(jm.Memory.History, sm.MemoryPercent)

		jm.IO.ReadTotal += sm.IOReadBytes
		jm.IO.WriteTotal += sm.IOWriteBytes
		jm.IO.History = append(jm.IO.History, IOPoint{sm.Timestamp, sm.IOReadBytes, sm.IOWriteBytes})

		jm.Network.SentTotal += sm.NetSentBytes
		jm.Network.RecvTotal += sm.NetRecvBytes
		jm.Network.History = append(jm.Network.History, NetPoint{sm.Timestamp, sm.NetSentBytes, sm.NetRecvBytes})

		if secs > 0 {
			jm.IO.PeakBytesPerSec = max(jm.IO.PeakBytesPerSec, float64(sm.IOReadBytes+sm.IOWriteBytes)/secs)
			jm.Network.PeakBytesPerSec = max(jm.Network.PeakBytesPerSec, float64(sm.NetSentBytes+sm.NetRecvBytes)/secs)
		}
	}

	last := samples[len(samples)-1]
	n := float64(len(samples))
	jm.CPU.Current = last.CPUPercent
	jm.CPU.Average = cpuSum / n
	jm.Memory.Current = last.MemoryPercent
	jm.Memory.Average = memSum / n

	return jm, true
}
