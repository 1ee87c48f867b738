package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/storage"
)

const cooldownReason = "max_failed_attempts_reached"

var (
	ErrInCooldown    = errors.New("caller in cooldown")
	ErrQuotaExceeded = errors.New("concurrent job limit reached")
)

// CooldownError carries the time left before the caller may submit again.
type CooldownError struct {
	CallerID  string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("caller %s in cooldown, %.1f seconds remaining", e.CallerID, e.Remaining.Seconds())
}

func (e *CooldownError) Is(target error) bool { return target == ErrInCooldown }

// Policy grants resource profiles by trust score, enforces per-caller
// concurrency and tracks failed attempts that lead to cooldown.
type Policy struct {
	tiers   Tiers
	slots   SlotStore
	sink    storage.Sink
	metrics *monitor.Metrics
	now     func() time.Time
	// refreshEvery is the lease heartbeat period. Zero disables it for
	// stores whose leases never expire.
	refreshEvery time.Duration

	mu      sync.Mutex
	ledgers map[string]*ledger

	statsMu sync.Mutex
	stats   map[string]*callerStats
}

// ledger is the failure state of one caller. Its mutex serializes every
// check and update for that caller.
type ledger struct {
	mu            sync.Mutex
	failures      []time.Time
	window        time.Duration
	cooldownUntil time.Time
}

type callerStats struct {
	total      int
	successful int
	failed     int
	durationMS int64
	memory     int64
}

// NewPolicy creates a Policy. slots defaults to in-memory accounting, sink to
// storage.Discard; metrics may be nil.
func NewPolicy(tiers Tiers, slots SlotStore, sink storage.Sink, metrics *monitor.Metrics) *Policy {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if slots == nil {
		slots = NewMemorySlots()
	}
	if sink == nil {
		sink = storage.Discard
	}
	p := &Policy{
		tiers:   tiers,
		slots:   slots,
		sink:    sink,
		metrics: metrics,
		now:     time.Now,
		ledgers: make(map[string]*ledger),
		stats:   make(map[string]*callerStats),
	}
	if e, ok := slots.(interface{ TTL() time.Duration }); ok && e.TTL() > 0 {
		p.refreshEvery = e.TTL() / 3
	}
	return p
}

// GetLimits returns the profile for a trust score.
func (p *Policy) GetLimits(score float64) Profile {
	return p.tiers.Limits(score)
}

func (p *Policy) Tiers() Tiers { return p.tiers }

func (p *Policy) ledger(callerID string, create bool) *ledger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.ledgers[callerID]
	if !ok && create {
		l = &ledger{}
		p.ledgers[callerID] = l
	}
	return l
}

// CheckCooldown reports whether the caller is in cooldown and for how long.
// Expired cooldowns and stale failures are cleared here.
func (p *Policy) CheckCooldown(callerID string) (time.Duration, bool) {
	l := p.ledger(callerID, false)
	if l == nil {
		return 0, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := p.now()
	if !l.cooldownUntil.IsZero() {
		if now.Before(l.cooldownUntil) {
			return l.cooldownUntil.Sub(now), true
		}
		l.cooldownUntil = time.Time{}
	}
	l.prune(now)
	return 0, false
}

// RecordFailedAttempt appends a failure and moves the caller into cooldown
// once profile.MaxFailedAttempts failures fall inside the cooldown window.
// It reports whether this failure started a cooldown.
func (p *Policy) RecordFailedAttempt(callerID string, profile Profile) bool {
	l := p.ledger(callerID, true)

	l.mu.Lock()
	now := p.now()
	l.failures = append(l.failures, now)
	l.window = profile.Cooldown
	if l.cooldownUntil.IsZero() {
		l.prune(now)
	}
	count := len(l.failures)
	// A running cooldown is not extended by further failures.
	triggered := count >= profile.MaxFailedAttempts && !now.Before(l.cooldownUntil)
	if triggered {
		l.cooldownUntil = now.Add(profile.Cooldown)
	}
	until := l.cooldownUntil
	l.mu.Unlock()

	logger := log.With().Str("caller_id", callerID).Str("tier", string(profile.Tier)).Logger()
	if !triggered {
		logger.Debug().Int("failures", count).Int("max", profile.MaxFailedAttempts).Msg("failed attempt recorded")
		return false
	}

	logger.Warn().
		Int("failures", count).
		Time("until", until).
		Msg("caller placed in cooldown")
	if p.metrics != nil {
		p.metrics.CooldownsTriggered.WithLabelValues(string(profile.Tier)).Inc()
	}
	p.sink.LogCooldown(&storage.CooldownRecord{
		ID:             uuid.NewString(),
		CallerID:       callerID,
		Reason:         cooldownReason,
		FailedAttempts: count,
		Until:          until,
		CreatedAt:      now,
	})
	return true
}

// prune drops failures older than the window. Callers hold l.mu and must not
// prune while a cooldown is active.
func (l *ledger) prune(now time.Time) {
	if l.window <= 0 {
		return
	}
	cutoff := now.Add(-l.window)
	keep := l.failures[:0]
	for _, t := range l.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.failures = keep
}

// Admit rejects callers in cooldown and callers at their concurrency ceiling
// before any resource is created. On success the returned release function
// must be called exactly once the work finishes; extra calls are ignored.
func (p *Policy) Admit(ctx context.Context, callerID string, profile Profile) (func(), error) {
	if remaining, in := p.CheckCooldown(callerID); in {
		p.reject("cooldown")
		return nil, &CooldownError{CallerID: callerID, Remaining: remaining}
	}

	lease, ok, err := p.slots.Acquire(ctx, callerID, profile.MaxConcurrentJobs)
	if err != nil {
		p.reject("slot_store_error")
		return nil, fmt.Errorf("checking concurrency for %s: %w", callerID, err)
	}
	if !ok {
		p.reject("concurrency")
		return nil, fmt.Errorf("%w: caller %s already runs %d concurrent batch(es)",
			ErrQuotaExceeded, callerID, profile.MaxConcurrentJobs)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go p.heartbeat(callerID, lease, stop, done)

	return sync.OnceFunc(func() {
		close(stop)
		<-done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.slots.Release(rctx, callerID, lease); err != nil {
			log.Error().Err(err).Str("caller_id", callerID).Msg("failed to release concurrency slot")
		}
	}), nil
}

// heartbeat keeps a slot lease alive until stop is closed.
func (p *Policy) heartbeat(callerID, lease string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if p.refreshEvery <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(p.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.slots.Refresh(ctx, callerID, lease)
			cancel()
			switch {
			case errors.Is(err, ErrLeaseLost):
				log.Error().Str("caller_id", callerID).Msg("concurrency slot lease expired while held")
				<-stop
				return
			case err != nil:
				log.Warn().Err(err).Str("caller_id", callerID).Msg("failed to refresh concurrency slot")
			}
		}
	}
}

func (p *Policy) reject(reason string) {
	if p.metrics != nil {
		p.metrics.QuotaRejections.WithLabelValues(reason).Inc()
	}
}

// LogExecution appends an execution to the audit trail and the caller's
// running statistics. It never fails on the caller's behalf.
func (p *Policy) LogExecution(rec *storage.ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = p.now()
	}

	p.statsMu.Lock()
	s, ok := p.stats[rec.CallerID]
	if !ok {
		s = &callerStats{}
		p.stats[rec.CallerID] = s
	}
	s.total++
	if rec.Status == "completed" && rec.ExitCode == 0 {
		s.successful++
	} else {
		s.failed++
	}
	s.durationMS += rec.DurationMS
	s.memory += rec.PeakMemoryBytes
	p.statsMu.Unlock()

	p.sink.LogExecution(rec)
}

// LogSignatureMismatch audits an artifact whose signature did not verify.
func (p *Policy) LogSignatureMismatch(callerID, ipAddress, codeHash string) {
	log.Warn().
		Str("caller_id", callerID).
		Str("ip", ipAddress).
		Str("code_hash", codeHash).
		Msg("artifact signature mismatch")
	if p.metrics != nil {
		p.metrics.RecordSecurityEvent("signature_mismatch")
	}
	p.sink.LogSignatureMismatch(&storage.SignatureMismatchRecord{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		IPAddress: ipAddress,
		CodeHash:  codeHash,
		CreatedAt: p.now(),
	})
}

// Stats summarises a caller's executions since process start.
type Stats struct {
	CallerID           string  `json:"caller_id"`
	TotalExecutions    int     `json:"total_executions"`
	Successful         int     `json:"successful_executions"`
	Failed             int     `json:"failed_executions"`
	AverageDurationMS  float64 `json:"average_duration_ms"`
	AverageMemoryBytes float64 `json:"average_memory_bytes"`
	RecentFailures     int     `json:"recent_failures"`
	InCooldown         bool    `json:"in_cooldown"`
	CooldownRemaining  float64 `json:"cooldown_remaining_seconds,omitempty"`
	ActiveBatches      int     `json:"active_batches"`
}

func (p *Policy) Stats(ctx context.Context, callerID string) Stats {
	st := Stats{CallerID: callerID}

	p.statsMu.Lock()
	if s, ok := p.stats[callerID]; ok {
		st.TotalExecutions = s.total
		st.Successful = s.successful
		st.Failed = s.failed
		if s.total > 0 {
			st.AverageDurationMS = float64(s.durationMS) / float64(s.total)
			st.AverageMemoryBytes = float64(s.memory) / float64(s.total)
		}
	}
	p.statsMu.Unlock()

	if remaining, in := p.CheckCooldown(callerID); in {
		st.InCooldown = true
		st.CooldownRemaining = remaining.Seconds()
	}
	if l := p.ledger(callerID, false); l != nil {
		l.mu.Lock()
		st.RecentFailures = len(l.failures)
		l.mu.Unlock()
	}
	if n, err := p.slots.Active(ctx, callerID); err == nil {
		st.ActiveBatches = n
	}
	return st
}
