package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/engine"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/storage"
)

// fakeRunner admits through a real policy and runs jobs with a script.
type fakeRunner struct {
	policy *quota.Policy
	run    func(ctx context.Context, spec engine.JobSpec, call int) (*engine.JobResult, error)

	mu    sync.Mutex
	calls []engine.JobSpec
}

func (f *fakeRunner) Admit(ctx context.Context, callerID string, score float64) (func(), error) {
	return f.policy.Admit(ctx, callerID, f.policy.GetLimits(score))
}

func (f *fakeRunner) RunJob(ctx context.Context, spec engine.JobSpec) (*engine.JobResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	call := len(f.calls)
	f.mu.Unlock()
	if f.run == nil {
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}
	return f.run(ctx, spec, call)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordedWaits struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *recordedWaits) all() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func newTestScheduler(t *testing.T, runner *fakeRunner) (*Scheduler, *storage.MemorySink, *recordedWaits) {
	t.Helper()
	metrics := monitor.NewMetrics()
	if runner.policy == nil {
		runner.policy = quota.NewPolicy(nil, nil, nil, metrics)
	}
	sink := storage.NewMemorySink()
	s := New(Config{
		MaxJobsPerBatch: 10,
		MaxDelay:        time.Minute,
		Retry:           RetryPolicy{MaxAttempts: 3, Backoff: time.Second, MaxBackoff: 10 * time.Second, Strategy: "exponential"},
	}, runner, sink, metrics)
	w := &recordedWaits{}
	s.wait = w.wait
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, sink, w
}

func jobs(n int) []artifact.Artifact {
	out := make([]artifact.Artifact, n)
	for i := range out {
		out[i] = artifact.Artifact{Language: "python", Code: fmt.Sprintf("print(%d)\n", i)}
	}
	return out
}

func waitDone(t *testing.T, s *Scheduler, id string) *BatchStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, id))
	st, ok := s.GetBatchStatus(id)
	require.True(t, ok)
	return st
}

func jobStatuses(st *BatchStatus) []JobStatus {
	out := make([]JobStatus, len(st.Jobs))
	for i, j := range st.Jobs {
		out[i] = j.Status
	}
	return out
}

func TestCreateBatch_JobFailureDoesNotAbortBatch(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, spec engine.JobSpec, call int) (*engine.JobResult, error) {
		if call == 2 {
			return &engine.JobResult{JobID: spec.JobID, Backend: "fake", ExitCode: 1}, &engine.ExitError{Code: 1}
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}}
	s, sink, w := newTestScheduler(t, runner)

	b, err := s.CreateBatch(context.Background(), BatchRequest{
		CallerID:         "caller-1",
		TrustScore:       60,
		Jobs:             jobs(3),
		DelayBetweenJobs: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)

	st := waitDone(t, s, b.ID)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, []JobStatus{JobCompleted, JobFailed, JobCompleted}, jobStatuses(st))
	assert.Equal(t, map[JobStatus]int{JobCompleted: 2, JobFailed: 1}, st.JobStatuses)
	assert.Equal(t, string(engine.KindNonZeroExit), st.Jobs[1].ErrorKind)
	assert.Equal(t, 1, st.Jobs[1].Attempts, "non-zero exits are not retried")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, w.all())
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.CompletedAt)

	history := sink.BatchHistory(b.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, "pending", history[0].Status)
	assert.Equal(t, "completed", history[len(history)-1].Status)
}

func TestCreateBatch_ConcurrencyCeiling(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, spec engine.JobSpec, _ int) (*engine.JobResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}}
	s, _, _ := newTestScheduler(t, runner)

	first, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 40, Jobs: jobs(1)})
	require.NoError(t, err)

	_, err = s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 40, Jobs: jobs(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	other, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-2", TrustScore: 40, Jobs: jobs(1)})
	require.NoError(t, err, "ceilings are per caller")

	close(release)
	assert.Equal(t, StatusCompleted, waitDone(t, s, first.ID).Status)
	assert.Equal(t, StatusCompleted, waitDone(t, s, other.ID).Status)
	assert.Equal(t, 2, runner.callCount(), "the rejected batch never ran")

	again, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 40, Jobs: jobs(1)})
	require.NoError(t, err, "the slot is released when the batch ends")
	waitDone(t, s, again.ID)
}

func TestCreateBatch_RejectsCallerInCooldown(t *testing.T) {
	policy := quota.NewPolicy(nil, nil, nil, nil)
	bronze := policy.GetLimits(10)
	for i := 0; i < bronze.MaxFailedAttempts; i++ {
		policy.RecordFailedAttempt("caller-1", bronze)
	}
	runner := &fakeRunner{policy: policy}
	s, _, _ := newTestScheduler(t, runner)

	_, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 10, Jobs: jobs(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrInCooldown)

	var ce *quota.CooldownError
	require.ErrorAs(t, err, &ce)
	assert.Greater(t, ce.Remaining, time.Duration(0))
	assert.Zero(t, runner.callCount())
	assert.Empty(t, s.ListBatches(""))
}

func TestCancelBatch_LeavesRemainingJobsPending(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, spec engine.JobSpec, call int) (*engine.JobResult, error) {
		if call == 2 {
			close(started)
			<-ctx.Done()
			return &engine.JobResult{JobID: spec.JobID, ExitCode: -1}, ctx.Err()
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}}
	s, _, _ := newTestScheduler(t, runner)

	b, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 95, Jobs: jobs(4)})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second job never started")
	}
	assert.True(t, s.CancelBatch(b.ID))
	assert.False(t, s.CancelBatch(b.ID), "already terminal")

	st := waitDone(t, s, b.ID)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, "Batch cancelled by user", st.ErrorMessage)
	assert.Equal(t, []JobStatus{JobCompleted, JobFailed, JobPending, JobPending}, jobStatuses(st))
	assert.Equal(t, string(engine.KindCancelled), st.Jobs[1].ErrorKind)
	assert.Equal(t, 2, runner.callCount())
}

func TestCancelBatch_DuringDelay(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})
	blocked := make(chan struct{})
	s.wait = func(ctx context.Context, _ time.Duration) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	b, err := s.CreateBatch(context.Background(), BatchRequest{
		CallerID: "caller-1", TrustScore: 95, Jobs: jobs(2), DelayBetweenJobs: time.Minute,
	})
	require.NoError(t, err)
	<-blocked
	require.True(t, s.CancelBatch(b.ID))

	st := waitDone(t, s, b.ID)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, []JobStatus{JobCompleted, JobPending}, jobStatuses(st))
}

func TestCancelBatch_Unknown(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})
	assert.False(t, s.CancelBatch("nope"))
}

func TestRetryBatch(t *testing.T) {
	var panicked sync.Once
	runner := &fakeRunner{}
	runner.run = func(_ context.Context, spec engine.JobSpec, _ int) (*engine.JobResult, error) {
		boom := false
		panicked.Do(func() { boom = true })
		if boom {
			panic("scheduler bug")
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}
	s, _, _ := newTestScheduler(t, runner)

	req := BatchRequest{
		CallerID: "caller-1", ScriptID: "script-9", TrustScore: 80,
		Jobs: jobs(2), DelayBetweenJobs: time.Second, BackendBalancing: true,
	}
	orig, err := s.CreateBatch(context.Background(), req)
	require.NoError(t, err)

	failed := waitDone(t, s, orig.ID)
	require.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "scheduler bug")

	retried, err := s.RetryBatch(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, retried.ID)
	assert.Equal(t, orig.ID, retried.RetryOf)
	assert.Equal(t, "script-9", retried.ScriptID)
	assert.Equal(t, time.Second, retried.DelayBetweenJobs)
	assert.True(t, retried.BackendBalancing)
	require.Len(t, retried.Jobs, 2)
	for i := range retried.Jobs {
		assert.Equal(t, orig.Jobs[i].CodeHash, retried.Jobs[i].CodeHash)
		assert.NotEqual(t, orig.Jobs[i].ID, retried.Jobs[i].ID)
	}

	assert.Equal(t, StatusCompleted, waitDone(t, s, retried.ID).Status)

	after, ok := s.GetBatchStatus(orig.ID)
	require.True(t, ok)
	assert.Equal(t, failed, after, "the original batch is a historical record")

	_, err = s.RetryBatch(context.Background(), retried.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = s.RetryBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestRunJob_RetriesCreationFailures(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, spec engine.JobSpec, call int) (*engine.JobResult, error) {
		if call < 3 {
			return &engine.JobResult{JobID: spec.JobID}, fmt.Errorf("%w: no snapshotter", sandbox.ErrEnvironmentCreationFailed)
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}}
	s, _, w := newTestScheduler(t, runner)

	b, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 60, Jobs: jobs(1)})
	require.NoError(t, err)

	st := waitDone(t, s, b.ID)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, JobCompleted, st.Jobs[0].Status)
	assert.Equal(t, 3, st.Jobs[0].Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, w.all())
}

func TestRunJob_GivesUpAfterMaxAttempts(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, spec engine.JobSpec, _ int) (*engine.JobResult, error) {
		return nil, fmt.Errorf("%w: runtime down", sandbox.ErrEnvironmentCreationFailed)
	}}
	s, _, _ := newTestScheduler(t, runner)

	b, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 60, Jobs: jobs(1)})
	require.NoError(t, err)

	st := waitDone(t, s, b.ID)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, JobFailed, st.Jobs[0].Status)
	assert.Equal(t, 3, st.Jobs[0].Attempts)
	assert.Equal(t, string(engine.KindEnvironmentCreationFailed), st.Jobs[0].ErrorKind)
}

func TestCreateBatch_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})

	tests := []struct {
		name string
		req  BatchRequest
	}{
		{"no caller", BatchRequest{Jobs: jobs(1)}},
		{"no jobs", BatchRequest{CallerID: "c"}},
		{"too many jobs", BatchRequest{CallerID: "c", Jobs: jobs(11)}},
		{"negative delay", BatchRequest{CallerID: "c", Jobs: jobs(1), DelayBetweenJobs: -time.Second}},
		{"delay too long", BatchRequest{CallerID: "c", Jobs: jobs(1), DelayBetweenJobs: time.Hour}},
		{"score out of range", BatchRequest{CallerID: "c", Jobs: jobs(1), TrustScore: 101}},
		{"empty code", BatchRequest{CallerID: "c", Jobs: []artifact.Artifact{{Language: "python"}}}},
		{"no language", BatchRequest{CallerID: "c", Jobs: []artifact.Artifact{{Code: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateBatch(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidBatch)
		})
	}
}

func TestListBatches(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	a, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 95, Jobs: jobs(1)})
	require.NoError(t, err)
	waitDone(t, s, a.ID)
	b, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 95, Jobs: jobs(1)})
	require.NoError(t, err)
	waitDone(t, s, b.ID)
	c, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-2", TrustScore: 95, Jobs: jobs(1)})
	require.NoError(t, err)
	waitDone(t, s, c.ID)

	mine := s.ListBatches("caller-1")
	require.Len(t, mine, 2)
	assert.Equal(t, b.ID, mine[0].BatchID, "newest first")
	assert.Equal(t, a.ID, mine[1].BatchID)
	assert.Len(t, s.ListBatches(""), 3)
	assert.Zero(t, s.Active())
}

func TestShutdown(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, spec engine.JobSpec, _ int) (*engine.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _, _ := newTestScheduler(t, runner)

	b, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 95, Jobs: jobs(2)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	st, ok := s.GetBatchStatus(b.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, st.Status)

	_, err = s.CreateBatch(context.Background(), BatchRequest{CallerID: "caller-1", TrustScore: 95, Jobs: jobs(1)})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, canTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, canTransition(StatusPending, StatusRunning))
	assert.False(t, canTransition(StatusRunning, StatusPending))
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"linear first", RetryPolicy{Backoff: time.Second, Strategy: "linear"}, 1, time.Second},
		{"linear third", RetryPolicy{Backoff: time.Second, Strategy: "linear"}, 3, 3 * time.Second},
		{"exponential third", RetryPolicy{Backoff: time.Second, Strategy: "exponential"}, 3, 4 * time.Second},
		{"capped", RetryPolicy{Backoff: time.Second, MaxBackoff: 5 * time.Second, Strategy: "exponential"}, 10, 5 * time.Second},
		{"unknown strategy", RetryPolicy{Backoff: time.Second, Strategy: "fibonacci"}, 2, 2 * time.Second},
		{"default base", RetryPolicy{}, 1, time.Second},
		{"huge attempt", RetryPolicy{Backoff: time.Second, MaxBackoff: time.Minute}, 200, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestEvictExpired(t *testing.T) {
	unblock := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, spec engine.JobSpec, call int) (*engine.JobResult, error) {
		if call == 2 {
			<-unblock
		}
		return &engine.JobResult{JobID: spec.JobID, Backend: "fake"}, nil
	}}
	s, sink, _ := newTestScheduler(t, runner)
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	s.cfg.Retention = time.Hour

	old, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "a", TrustScore: 60, Jobs: jobs(1)})
	require.NoError(t, err)
	waitDone(t, s, old.ID)

	clock.advance(30 * time.Minute)
	live, err := s.CreateBatch(context.Background(), BatchRequest{CallerID: "b", TrustScore: 60, Jobs: jobs(1)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.callCount() == 2 }, time.Second, time.Millisecond)

	clock.advance(31 * time.Minute)
	assert.Equal(t, 1, s.evictExpired())
	_, ok := s.GetBatchStatus(old.ID)
	assert.False(t, ok, "expired batch is evicted")
	assert.NotEmpty(t, sink.BatchHistory(old.ID), "evicted batch stays in storage")
	_, ok = s.GetBatchStatus(live.ID)
	assert.True(t, ok, "running batch is kept")

	close(unblock)
	waitDone(t, s, live.ID)
	assert.Zero(t, s.evictExpired(), "recently finished batch is kept")

	clock.advance(time.Hour + time.Second)
	assert.Equal(t, 1, s.evictExpired())
	assert.Empty(t, s.ListBatches(""))
}

func TestRun_NoRetention(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when retention is disabled")
	}
}
