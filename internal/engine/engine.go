package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/storage"
)

type Config struct {
	VerifySignatures bool
	LogExportBytes   int
}

// JobSpec is one job as handed over by the scheduler.
type JobSpec struct {
	JobID          string
	BatchID        string
	CallerID       string
	IPAddress      string
	TrustScore     float64
	Artifact       artifact.Artifact
	Balancing      bool // Pick the least loaded backend instead of the default
	NetworkEnabled bool
}

// JobResult describes a job that reached the execution pipeline. It is
// returned alongside the error on failure whenever anything is known.
type JobResult struct {
	JobID           string        `json:"job_id"`
	Backend         string        `json:"backend,omitempty"`
	Tier            quota.Tier    `json:"tier"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	Output          string        `json:"output,omitempty"`
	PeakCPUPercent  float64       `json:"peak_cpu_percent"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	Events          int           `json:"events"`
	Degraded        bool          `json:"degraded,omitempty"` // Ran without resource monitoring
	Findings        []string      `json:"findings,omitempty"`
}

// Engine runs single jobs through policy, isolation and monitoring.
type Engine struct {
	cfg      Config
	policy   *quota.Policy
	manager  *sandbox.Manager
	monitor  *monitor.Monitor
	verifier artifact.Verifier
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	now      func() time.Time
}

func New(cfg Config, policy *quota.Policy, manager *sandbox.Manager, mon *monitor.Monitor,
	verifier artifact.Verifier, metrics *monitor.Metrics, tracer *monitor.Tracer) *Engine {
	if verifier == nil {
		verifier = artifact.NoopVerifier{}
	}
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	if cfg.LogExportBytes <= 0 {
		cfg.LogExportBytes = 256 * 1024
	}
	return &Engine{
		cfg:      cfg,
		policy:   policy,
		manager:  manager,
		monitor:  mon,
		verifier: verifier,
		detector: monitor.NewEscapeDetector(),
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
	}
}

// Admit resolves the caller's tier and holds one concurrency slot for them.
func (e *Engine) Admit(ctx context.Context, callerID string, trustScore float64) (func(), error) {
	return e.policy.Admit(ctx, callerID, e.policy.GetLimits(trustScore))
}

// Languages lists the languages jobs may be written in.
func (e *Engine) Languages() []string { return e.manager.Runtimes().Languages() }

// SelectBackend picks the driver for a job.
func (e *Engine) SelectBackend(balancing bool) string {
	if balancing {
		return e.manager.LeastLoaded()
	}
	return e.manager.Drivers()[0]
}

// LimitsFor converts a tier profile into environment limits.
func LimitsFor(p quota.Profile) sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		CPUQuota:    p.CPUQuota,
		MemoryBytes: p.MemoryBytes,
		PidsLimit:   p.MaxPids,
	}
}

// RunJob executes one job end to end. The environment is gone by the time
// it returns, whatever the outcome.
func (e *Engine) RunJob(ctx context.Context, spec JobSpec) (*JobResult, error) {
	profile := e.policy.GetLimits(spec.TrustScore)
	codeHash := spec.Artifact.Hash()
	res := &JobResult{JobID: spec.JobID, Tier: profile.Tier, ExitCode: -1}

	logger := log.With().
		Str("job_id", spec.JobID).
		Str("batch_id", spec.BatchID).
		Str("caller_id", spec.CallerID).
		Str("tier", string(profile.Tier)).
		Str("code_hash", codeHash[:16]).
		Logger()

	ctx, span := e.tracer.StartSpan(ctx, "job",
		monitor.AttrJobID.String(spec.JobID),
		monitor.AttrBatchID.String(spec.BatchID),
		monitor.AttrCallerID.String(spec.CallerID),
		monitor.AttrTier.String(string(profile.Tier)),
		monitor.AttrLanguage.String(spec.Artifact.Language),
		monitor.AttrCodeHash.String(codeHash),
	)
	defer span.End()

	start := e.now()
	err := e.run(ctx, spec, profile, codeHash, res)
	res.Duration = e.now().Sub(start)

	kind := Classify(err)
	status := "completed"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		e.metrics.RecordError(string(kind))
	}
	span.SetAttributes(
		monitor.AttrBackend.String(res.Backend),
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrErrorKind.String(string(kind)),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	// Jobs refused before reaching a backend are rejections, not executions.
	if res.Backend != "" {
		e.metrics.RecordJob(res.Backend, string(profile.Tier), status, res.Duration.Seconds())
		e.policy.LogExecution(&storage.ExecutionRecord{
			CallerID:        spec.CallerID,
			JobID:           spec.JobID,
			BatchID:         spec.BatchID,
			CodeHash:        codeHash,
			Backend:         res.Backend,
			Tier:            string(profile.Tier),
			Status:          status,
			ErrorKind:       string(kind),
			ExitCode:        res.ExitCode,
			DurationMS:      res.Duration.Milliseconds(),
			PeakCPUPercent:  res.PeakCPUPercent,
			PeakMemoryBytes: res.PeakMemoryBytes,
			Events:          res.Events,
		})
	}

	if kind.CountsAsFailedAttempt() {
		if e.policy.RecordFailedAttempt(spec.CallerID, profile) {
			logger.Warn().Str("kind", string(kind)).Msg("caller entered cooldown")
		}
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err).Str("kind", string(kind))
	}
	ev.Str("backend", res.Backend).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("job finished")

	return res, err
}

func (e *Engine) run(ctx context.Context, spec JobSpec, profile quota.Profile, codeHash string, res *JobResult) error {
	if remaining, in := e.policy.CheckCooldown(spec.CallerID); in {
		return &quota.CooldownError{CallerID: spec.CallerID, Remaining: remaining}
	}

	if e.cfg.VerifySignatures && !e.verifier.Verify(codeHash, spec.Artifact.Signature) {
		e.policy.LogSignatureMismatch(spec.CallerID, spec.IPAddress, codeHash)
		return fmt.Errorf("job %s: %w", spec.JobID, artifact.ErrSignatureMismatch)
	}

	res.Backend = e.SelectBackend(spec.Balancing)
	e.metrics.CodeSizeBytes.Observe(float64(len(spec.Artifact.Code)))

	req := sandbox.EnvironmentRequest{
		JobID:          spec.JobID,
		CallerID:       spec.CallerID,
		Language:       spec.Artifact.Language,
		Code:           spec.Artifact.Code,
		Limits:         LimitsFor(profile),
		NetworkEnabled: spec.NetworkEnabled,
		Driver:         res.Backend,
	}

	return e.manager.WithEnvironment(ctx, req, func(env *sandbox.Environment) error {
		proc, err := env.Start(ctx)
		if err != nil {
			return err
		}

		if err := e.monitor.StartMonitoring(ctx, spec.JobID, proc); err != nil {
			res.Degraded = true
			log.Warn().Err(err).Str("job_id", spec.JobID).Msg("running without resource monitoring")
		}

		res.ExitCode, err = env.Wait(ctx, proc, profile.MaxExecution)
		e.monitor.StopMonitoring(spec.JobID)
		e.collect(env, res)

		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &ExitError{Code: res.ExitCode}
		}
		return nil
	})
}

// collect gathers output and metrics before the environment is torn down.
func (e *Engine) collect(env *sandbox.Environment, res *JobResult) {
	if out, err := env.ExportLog(e.cfg.LogExportBytes); err == nil {
		res.Output = string(out)
		findings := e.detector.AnalyzeOutput(res.Output)
		for _, f := range findings {
			e.metrics.RecordSecurityEvent("output_" + f.Pattern)
		}
		res.Findings = findings.Names()
	} else if !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("env_id", env.ID).Msg("no execution log")
	}

	if m, ok := e.monitor.GetJobMetrics(env.JobID); ok {
		res.PeakCPUPercent = m.CPU.Peak
		res.PeakMemoryBytes = m.PeakMemoryBytes
		res.Events = len(m.Events)
	}
}
