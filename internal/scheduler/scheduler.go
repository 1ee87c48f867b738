package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sandbox-governor/internal/engine"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/storage"
)

var (
	ErrInvalidBatch  = errors.New("invalid batch")
	ErrBatchNotFound = errors.New("batch not found")
	ErrNotRetryable  = errors.New("only failed batches can be retried")
	ErrShuttingDown  = errors.New("scheduler shutting down")
)

const (
	cancelledByUser = "Batch cancelled by user"
	cancelledByStop = "Scheduler shutting down"
)

// JobRunner executes jobs on behalf of the scheduler.
type JobRunner interface {
	// Admit holds one concurrency slot for the caller until release is called.
	Admit(ctx context.Context, callerID string, trustScore float64) (release func(), err error)
	RunJob(ctx context.Context, spec engine.JobSpec) (*engine.JobResult, error)
}

type Config struct {
	MaxJobsPerBatch int
	MaxDelay        time.Duration
	Retry           RetryPolicy
	// Retention is how long finished batches stay in memory. Zero keeps
	// them until shutdown.
	Retention time.Duration
}

// Scheduler runs each batch in its own goroutine and its jobs in order.
type Scheduler struct {
	cfg     Config
	runner  JobRunner
	sink    storage.Sink
	metrics *monitor.Metrics
	now     func() time.Time
	wait    func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	runs     map[string]*run
	stopping bool
}

// run pairs a batch with the goroutine executing it. batch is guarded by mu.
type run struct {
	mu     sync.Mutex
	batch  *Batch
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// New creates a Scheduler. sink may be storage.Discard; metrics may be nil.
func New(cfg Config, runner JobRunner, sink storage.Sink, metrics *monitor.Metrics) *Scheduler {
	if cfg.MaxJobsPerBatch <= 0 {
		cfg.MaxJobsPerBatch = 50
	}
	if sink == nil {
		sink = storage.Discard
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		sink:    sink,
		metrics: metrics,
		now:     time.Now,
		wait:    sleep,
		runs:    make(map[string]*run),
	}
}

func (s *Scheduler) validate(req *BatchRequest) error {
	switch {
	case req.CallerID == "":
		return fmt.Errorf("%w: caller id is required", ErrInvalidBatch)
	case len(req.Jobs) == 0:
		return fmt.Errorf("%w: at least one job is required", ErrInvalidBatch)
	case len(req.Jobs) > s.cfg.MaxJobsPerBatch:
		return fmt.Errorf("%w: %d jobs exceeds the limit of %d", ErrInvalidBatch, len(req.Jobs), s.cfg.MaxJobsPerBatch)
	case req.DelayBetweenJobs < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidBatch)
	case s.cfg.MaxDelay > 0 && req.DelayBetweenJobs > s.cfg.MaxDelay:
		return fmt.Errorf("%w: delay %s exceeds %s", ErrInvalidBatch, req.DelayBetweenJobs, s.cfg.MaxDelay)
	case req.TrustScore < 0 || req.TrustScore > 100:
		return fmt.Errorf("%w: trust score %.1f outside [0, 100]", ErrInvalidBatch, req.TrustScore)
	}
	for i, a := range req.Jobs {
		if a.Language == "" {
			return fmt.Errorf("%w: job %d: language is required", ErrInvalidBatch, i)
		}
		if a.Code == "" {
			return fmt.Errorf("%w: job %d: code is required", ErrInvalidBatch, i)
		}
	}
	return nil
}

// CreateBatch admits the caller, persists the batch as pending and starts
// executing it in the background. Callers in cooldown or at their
// concurrency ceiling are rejected before anything is created.
func (s *Scheduler) CreateBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	return s.create(ctx, req, "")
}

func (s *Scheduler) create(ctx context.Context, req BatchRequest, retryOf string) (*Batch, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	s.mu.RLock()
	stopping := s.stopping
	s.mu.RUnlock()
	if stopping {
		return nil, ErrShuttingDown
	}

	release, err := s.runner.Admit(ctx, req.CallerID, req.TrustScore)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		ID:               uuid.NewString(),
		CallerID:         req.CallerID,
		ScriptID:         req.ScriptID,
		TrustScore:       req.TrustScore,
		IPAddress:        req.IPAddress,
		Status:           StatusPending,
		DelayBetweenJobs: req.DelayBetweenJobs,
		BackendBalancing: req.BackendBalancing,
		NetworkEnabled:   req.NetworkEnabled,
		RetryOf:          retryOf,
		CreatedAt:        s.now(),
		Jobs:             make([]Job, len(req.Jobs)),
	}
	for i, a := range req.Jobs {
		b.Jobs[i] = Job{
			ID:       uuid.NewString(),
			Artifact: a,
			Language: a.Language,
			CodeHash: a.Hash(),
			Status:   JobPending,
			ExitCode: -1,
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		batch:  b,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.With().Str("batch_id", b.ID).Str("caller_id", b.CallerID).Logger(),
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		cancel()
		release()
		return nil, ErrShuttingDown
	}
	s.runs[b.ID] = r
	s.mu.Unlock()

	snapshot := b.clone()
	s.sink.SaveBatch(b.record())
	if s.metrics != nil {
		s.metrics.ActiveBatches.Inc()
	}

	r.logger.Info().
		Int("jobs", len(b.Jobs)).
		Dur("delay", b.DelayBetweenJobs).
		Bool("balancing", b.BackendBalancing).
		Str("retry_of", retryOf).
		Msg("batch created")

	go s.execute(runCtx, r, release)
	return snapshot, nil
}

// execute is the batch loop. Job failures are recorded on the job and never
// abort the batch; only a panic here fails it.
func (s *Scheduler) execute(ctx context.Context, r *run, release func()) {
	defer close(r.done)
	defer release()
	defer r.cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("batch loop panicked")
			s.transition(r, StatusFailed, fmt.Sprintf("scheduler error: %v", rec))
		}
	}()

	if !s.transition(r, StatusRunning, "") {
		return
	}

	r.mu.Lock()
	n := len(r.batch.Jobs)
	delay := r.batch.DelayBetweenJobs
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		if !s.running(r) {
			return
		}
		if i > 0 && delay > 0 {
			if err := s.wait(ctx, delay); err != nil {
				return
			}
			if !s.running(r) {
				return
			}
		}
		s.runJob(ctx, r, i)
	}

	s.transition(r, StatusCompleted, "")
}

func (s *Scheduler) running(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch.Status == StatusRunning
}

// runJob executes job i, re-attempting retryable failures per the retry
// policy, and records the outcome on the job.
func (s *Scheduler) runJob(ctx context.Context, r *run, i int) {
	r.mu.Lock()
	b := r.batch
	job := b.Jobs[i]
	spec := engine.JobSpec{
		JobID:          job.ID,
		BatchID:        b.ID,
		CallerID:       b.CallerID,
		IPAddress:      b.IPAddress,
		TrustScore:     b.TrustScore,
		Artifact:       job.Artifact,
		Balancing:      b.BackendBalancing,
		NetworkEnabled: b.NetworkEnabled,
	}
	started := s.now()
	b.Jobs[i].StartedAt = &started
	r.mu.Unlock()

	logger := r.logger.With().Str("job_id", job.ID).Int("index", i).Logger()

	var (
		res      *engine.JobResult
		err      error
		attempts int
	)
	maxAttempts := s.cfg.Retry.attempts()
	for attempts = 1; ; attempts++ {
		res, err = s.runner.RunJob(ctx, spec)
		kind := engine.Classify(err)
		if err == nil || !kind.Retryable() || attempts >= maxAttempts || ctx.Err() != nil {
			break
		}
		backoff := s.cfg.Retry.Delay(attempts)
		logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).Msg("retrying job")
		if werr := s.wait(ctx, backoff); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}

	kind := engine.Classify(err)
	completed := s.now()
	r.mu.Lock()
	j := &r.batch.Jobs[i]
	j.Attempts = attempts
	j.CompletedAt = &completed
	if res != nil {
		j.ExitCode = res.ExitCode
		j.Backend = res.Backend
		j.Output = res.Output
		j.PeakCPUPercent = res.PeakCPUPercent
		j.PeakMemoryBytes = res.PeakMemoryBytes
	}
	if err != nil {
		j.Status = JobFailed
		j.Error = err.Error()
		j.ErrorKind = string(kind)
	} else {
		j.Status = JobCompleted
	}
	rec := r.batch.record()
	r.mu.Unlock()

	s.sink.SaveBatch(rec)
	if err != nil {
		logger.Warn().Err(err).Str("kind", string(kind)).Msg("job failed, batch continues")
	}
}

// transition moves the batch to status to if allowed and persists it.
// Transitions out of a terminal state are refused.
func (s *Scheduler) transition(r *run, to Status, message string) bool {
	r.mu.Lock()
	b := r.batch
	from := b.Status
	if !canTransition(from, to) {
		r.mu.Unlock()
		return false
	}
	now := s.now()
	b.Status = to
	switch {
	case to == StatusRunning:
		b.StartedAt = &now
	case to.Terminal():
		b.CompletedAt = &now
		if message != "" {
			b.ErrorMessage = message
		}
	}
	rec := b.record()
	r.mu.Unlock()

	s.sink.SaveBatch(rec)
	r.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("batch status changed")

	if to.Terminal() && s.metrics != nil {
		s.metrics.BatchesTotal.WithLabelValues(string(to)).Inc()
		s.metrics.ActiveBatches.Dec()
	}
	return true
}

func (s *Scheduler) lookup(id string) (*run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// CancelBatch cancels a pending or running batch. The in-flight job's
// environment is torn down through its context. It returns false for
// unknown or terminal batches.
func (s *Scheduler) CancelBatch(id string) bool {
	return s.cancel(id, cancelledByUser)
}

func (s *Scheduler) cancel(id, message string) bool {
	r, ok := s.lookup(id)
	if !ok {
		return false
	}
	if !s.transition(r, StatusCancelled, message) {
		return false
	}
	r.cancel()
	return true
}

// RetryBatch creates a new batch with the job set and configuration of a
// failed one. The original is left untouched.
func (s *Scheduler) RetryBatch(ctx context.Context, id string) (*Batch, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	r.mu.Lock()
	b := r.batch
	if b.Status != StatusFailed {
		status := b.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: batch %s is %s", ErrNotRetryable, id, status)
	}
	req := BatchRequest{
		CallerID:         b.CallerID,
		ScriptID:         b.ScriptID,
		TrustScore:       b.TrustScore,
		IPAddress:        b.IPAddress,
		DelayBetweenJobs: b.DelayBetweenJobs,
		BackendBalancing: b.BackendBalancing,
		NetworkEnabled:   b.NetworkEnabled,
	}
	for _, j := range b.Jobs {
		req.Jobs = append(req.Jobs, j.Artifact)
	}
	r.mu.Unlock()

	return s.create(ctx, req, id)
}

// GetBatchStatus returns an aggregate view of a batch.
func (s *Scheduler) GetBatchStatus(id string) (*BatchStatus, bool) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch.status(), true
}

// GetBatch returns a snapshot of a batch.
func (s *Scheduler) GetBatch(id string) (*Batch, bool) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch.clone(), true
}

// ListBatches returns the caller's batches, newest first. An empty callerID
// lists every batch.
func (s *Scheduler) ListBatches(callerID string) []*BatchStatus {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	var out []*BatchStatus
	for _, r := range runs {
		r.mu.Lock()
		if callerID == "" || r.batch.CallerID == callerID {
			out = append(out, r.batch.status())
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the batch's goroutine has exited or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	r, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active counts batches that have not reached a terminal state.
func (s *Scheduler) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		r.mu.Lock()
		if !r.batch.Status.Terminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Shutdown refuses new batches, cancels every running one and waits for
// their goroutines to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		if s.cancel(id, cancelledByStop) {
			log.Info().Str("batch_id", id).Msg("batch cancelled for shutdown")
		}
		g.Go(func() error { return s.Wait(gctx, id) })
	}
	return g.Wait()
}

// Run evicts finished batches older than the retention period until ctx is
// cancelled. Evicted batches remain readable from storage.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	every := max(s.cfg.Retention/4, time.Second)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.evictExpired(); n > 0 {
				log.Debug().Int("evicted", n).Msg("finished batches evicted")
			}
		}
	}
}

// evictExpired drops batches that finished before the retention cutoff and
// whose goroutine has exited.
func (s *Scheduler) evictExpired() int {
	cutoff := s.now().Add(-s.cfg.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		r.mu.Lock()
		done := r.batch.CompletedAt
		expired := r.batch.Status.Terminal() && done != nil && done.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(s.runs, id)
			n++
		}
	}
	return n
}
