package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/storage"
)

// EventType names a threshold crossing.
type EventType string

const (
	EventCPUPeak    EventType = "cpu_peak"
	EventMemoryPeak EventType = "memory_peak"
	EventThrottling EventType = "throttling"
)

const (
	// flushEvery bounds how many samples a long-running job buffers before
	// they are handed to the sink.
	flushEvery = 60
	// maxReadFailures ends a session after this many consecutive sampler errors.
	maxReadFailures = 5
)

// Sample is one point of a job's timeline. Byte fields are deltas against the
// previous sample.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	MemoryUsedBytes int64     `json:"memory_used_bytes"`
	IOReadBytes     int64     `json:"io_read_bytes"`
	IOWriteBytes    int64     `json:"io_write_bytes"`
	NetSentBytes    int64     `json:"net_sent_bytes"`
	NetRecvBytes    int64     `json:"net_recv_bytes"`
}

// Event is emitted when a sample crosses a threshold.
type Event struct {
	Type      EventType          `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	JobID     string             `json:"job_id"`
	Details   map[string]float64 `json:"details"`
	Sample    Sample             `json:"sample"`
}

// Thresholds trigger events. Byte thresholds are per second and are scaled
// to the sampling interval.
type Thresholds struct {
	CPUPercent     float64
	MemoryPercent  float64
	IOBytesPerSec  float64
	NetBytesPerSec float64
}

type Config struct {
	Interval   time.Duration
	Retention  time.Duration
	Thresholds Thresholds
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		Retention: time.Hour,
		Thresholds: Thresholds{
			CPUPercent:     80,
			MemoryPercent:  80,
			IOBytesPerSec:  100 * 1024 * 1024,
			NetBytesPerSec: 50 * 1024 * 1024,
		},
	}
}

// Monitor samples running jobs and keeps their timelines until purged.
type Monitor struct {
	cfg     Config
	sink    storage.Sink
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	jobID  string
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	startedAt  time.Time
	finishedAt time.Time
	samples    []Sample
	events     []Event
	flushed    int
}

// New creates a Monitor. sink may be storage.Discard; metrics may be nil.
func New(cfg Config, sink storage.Sink, metrics *Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if sink == nil {
		sink = storage.Discard
	}
	return &Monitor{
		cfg:      cfg,
		sink:     sink,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// StartMonitoring takes a baseline reading and starts the sampling loop for
// jobID. The loop ends when the process is gone, ctx is cancelled or
// StopMonitoring is called. A failed baseline returns ErrMonitoringAttachFailed
// and no session is created.
func (m *Monitor) StartMonitoring(ctx context.Context, jobID string, sampler Sampler) error {
	logger := log.With().Str("job_id", jobID).Str("component", "monitor").Logger()

	m.mu.Lock()
	if prev, ok := m.sessions[jobID]; ok && !prev.isFinished() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyMonitoring, jobID)
	}
	m.mu.Unlock()

	baseline, err := sampler.Read(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.MonitoringDegraded.Inc()
		}
		logger.Warn().Err(err).Msg("monitoring attach failed, job continues without metrics")
		return fmt.Errorf("%w: %v", ErrMonitoringAttachFailed, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &session{
		jobID:     jobID,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: m.now(),
	}

	m.mu.Lock()
	if prev, ok := m.sessions[jobID]; ok && !prev.isFinished() {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyMonitoring, jobID)
	}
	m.sessions[jobID] = s
	m.mu.Unlock()

	go m.run(loopCtx, s, sampler, baseline)
	logger.Debug().Dur("interval", m.cfg.Interval).Msg("monitoring started")
	return nil
}

// StopMonitoring cancels the sampling loop for jobID and waits for it to
// flush. Unknown or already stopped jobs are a no-op.
func (m *Monitor) StopMonitoring(jobID string) {
	m.mu.RLock()
	s, ok := m.sessions[jobID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

func (m *Monitor) run(ctx context.Context, s *session, sampler Sampler, prev Reading) {
	defer close(s.done)
	defer m.finish(s)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r, err := sampler.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrProcessGone) || ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn().Err(err).Int("consecutive", failures).Msg("sample read failed")
			if failures >= maxReadFailures {
				s.logger.Error().Msg("giving up on sampling after repeated failures")
				return
			}
			continue
		}
		failures = 0

		sample := delta(m.now(), prev, r)
		prev = r
		events := m.check(s.jobID, sample)

		s.mu.Lock()
		s.samples = append(s.samples, sample)
		s.events = append(s.events, events...)
		pending := len(s.samples) - s.flushed
		s.mu.Unlock()

		for i := range events {
			m.saveEvent(&events[i])
		}
		if pending >= flushEvery {
			m.flush(s)
		}
	}
}

func (m *Monitor) finish(s *session) {
	m.flush(s)
	s.mu.Lock()
	s.finishedAt = m.now()
	n := len(s.samples)
	e := len(s.events)
	s.mu.Unlock()
	s.logger.Debug().Int("samples", n).Int("events", e).Msg("monitoring stopped")
}

func (m *Monitor) flush(s *session) {
	s.mu.Lock()
	pending := s.samples[s.flushed:]
	s.flushed = len(s.samples)
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	recs := make([]storage.SampleRecord, len(pending))
	for i, sm := range pending {
		recs[i] = sampleRecord(s.jobID, sm)
	}
	m.sink.SaveSamples(s.jobID, recs)
}

// check runs every threshold independently against one sample.
func (m *Monitor) check(jobID string, s Sample) []Event {
	th := m.cfg.Thresholds
	secs := m.cfg.Interval.Seconds()
	var events []Event

	emit := func(t EventType, details map[string]float64) {
		events = append(events, Event{
			Type:      t,
			Timestamp: s.Timestamp,
			JobID:     jobID,
			Details:   details,
			Sample:    s,
		})
	}

	if th.CPUPercent > 0 && s.CPUPercent >= th.CPUPercent {
		emit(EventCPUPeak, map[string]float64{"cpu_percent": s.CPUPercent})
	}
	if th.MemoryPercent > 0 && s.MemoryPercent >= th.MemoryPercent {
		emit(EventMemoryPeak, map[string]float64{
			"memory_percent":    s.MemoryPercent,
			"memory_used_bytes": float64(s.MemoryUsedBytes),
		})
	}
	if th.IOBytesPerSec > 0 && float64(s.IOReadBytes+s.IOWriteBytes) >= th.IOBytesPerSec*secs {
		emit(EventThrottling, map[string]float64{
			"io_read":  float64(s.IOReadBytes),
			"io_write": float64(s.IOWriteBytes),
		})
	}
	if th.NetBytesPerSec > 0 && float64(s.NetSentBytes+s.NetRecvBytes) >= th.NetBytesPerSec*secs {
		emit(EventThrottling, map[string]float64{
			"network_sent": float64(s.NetSentBytes),
			"network_recv": float64(s.NetRecvBytes),
		})
	}

	return events
}

func (m *Monitor) saveEvent(e *Event) {
	if m.metrics != nil {
		m.metrics.ResourceEvents.WithLabelValues(string(e.Type)).Inc()
	}
	log.Info().
		Str("job_id", e.JobID).
		Str("type", string(e.Type)).
		Interface("details", e.Details).
		Msg("resource threshold crossed")

	m.sink.SaveEvent(&storage.EventRecord{
		ID:        uuid.NewString(),
		JobID:     e.JobID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Details:   e.Details,
		Sample:    sampleRecord(e.JobID, e.Sample),
	})
}

// Purge stops monitoring for jobID and drops its timeline.
func (m *Monitor) Purge(jobID string) {
	m.StopMonitoring(jobID)
	m.mu.Lock()
	delete(m.sessions, jobID)
	m.mu.Unlock()
}

// Active returns the number of jobs currently being sampled.
func (m *Monitor) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.isFinished() {
			n++
		}
	}
	return n
}

// Run evicts finished timelines older than the retention period until ctx
// is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.Retention <= 0 {
		return
	}
	every := m.cfg.Retention / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.evictExpired(); n > 0 {
				log.Debug().Int("evicted", n).Msg("monitor timelines evicted")
			}
		}
	}
}

func (m *Monitor) evictExpired() int {
	cutoff := m.now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		s.mu.RLock()
		expired := !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff)
		s.mu.RUnlock()
		if expired {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (s *session) isFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.finishedAt.IsZero()
}

func delta(now time.Time, prev, cur Reading) Sample {
	return Sample{
		Timestamp:       now,
		CPUPercent:      cur.CPUPercent,
		MemoryPercent:   cur.MemoryPercent,
		MemoryUsedBytes: cur.MemoryUsedBytes,
		IOReadBytes:     sub(cur.IOReadBytes, prev.IOReadBytes),
		IOWriteBytes:    sub(cur.IOWriteBytes, prev.IOWriteBytes),
		NetSentBytes:    sub(cur.NetSentBytes, prev.NetSentBytes),
		NetRecvBytes:    sub(cur.NetRecvBytes, prev.NetRecvBytes),
	}
}

// sub treats a counter that went backwards (reset) as zero progress.
func sub(cur, prev uint64) int64 {
	if cur < prev {
		return 0
	}
	return int64(cur - prev)
}

func sampleRecord(jobID string, s Sample) storage.SampleRecord {
	return storage.SampleRecord{
		JobID:           jobID,
		Timestamp:       s.Timestamp,
		CPUPercent:      s.CPUPercent,
		MemoryPercent:   s.MemoryPercent,
		MemoryUsedBytes: s.MemoryUsedBytes,
		IOReadBytes:     s.IOReadBytes,
		IOWriteBytes:    s.IOWriteBytes,
		NetSentBytes:    s.NetSentBytes,
		NetRecvBytes:    s.NetRecvBytes,
	}
}
