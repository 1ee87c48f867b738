package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestPolicy(sink storage.Sink) (*Policy, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := NewPolicy(DefaultTiers(), NewMemorySlots(), sink, monitor.NewMetrics())
	p.now = clock.Now
	return p, clock
}

func TestCooldownAfterMaxFailures(t *testing.T) {
	sink := storage.NewMemorySink()
	p, clock := newTestPolicy(sink)

	profile := p.GetLimits(40)
	profile.MaxFailedAttempts = 3
	profile.Cooldown = 60 * time.Second

	assert.False(t, p.RecordFailedAttempt("caller", profile))
	assert.False(t, p.RecordFailedAttempt("caller", profile))
	assert.True(t, p.RecordFailedAttempt("caller", profile))

	clock.Advance(59 * time.Second)
	remaining, in := p.CheckCooldown("caller")
	require.True(t, in)
	assert.Equal(t, time.Second, remaining)

	_, err := p.Admit(context.Background(), "caller", profile)
	require.ErrorIs(t, err, ErrInCooldown)
	var cerr *CooldownError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, time.Second, cerr.Remaining)

	clock.Advance(2 * time.Second)
	_, in = p.CheckCooldown("caller")
	assert.False(t, in)

	release, err := p.Admit(context.Background(), "caller", profile)
	require.NoError(t, err)
	release()

	cooldowns := sink.Cooldowns()
	require.Len(t, cooldowns, 1)
	assert.Equal(t, "max_failed_attempts_reached", cooldowns[0].Reason)
	assert.Equal(t, 3, cooldowns[0].FailedAttempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.CooldownsTriggered.WithLabelValues("bronze")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.QuotaRejections.WithLabelValues("cooldown")))
}

func TestFailuresOutsideWindowArePruned(t *testing.T) {
	p, clock := newTestPolicy(nil)
	profile := Profile{Tier: Bronze, MaxFailedAttempts: 3, Cooldown: time.Minute}

	p.RecordFailedAttempt("c", profile)
	p.RecordFailedAttempt("c", profile)
	clock.Advance(61 * time.Second)

	assert.False(t, p.RecordFailedAttempt("c", profile), "older failures fell out of the window")
	assert.Equal(t, 1, p.Stats(context.Background(), "c").RecentFailures)
}

func TestCooldownOnlyWithEnoughFailures(t *testing.T) {
	p, clock := newTestPolicy(nil)
	profile := Profile{Tier: Bronze, MaxFailedAttempts: 2, Cooldown: 10 * time.Second}

	p.RecordFailedAttempt("c", profile)
	p.RecordFailedAttempt("c", profile)

	// While the cooldown is active the ledger keeps the triggering failures.
	for i := 0; i < 9; i++ {
		clock.Advance(time.Second)
		_, in := p.CheckCooldown("c")
		require.True(t, in)
		l := p.ledger("c", false)
		l.mu.Lock()
		assert.GreaterOrEqual(t, len(l.failures), profile.MaxFailedAttempts)
		l.mu.Unlock()
	}
}

func TestCooldownNotExtendedByFurtherFailures(t *testing.T) {
	sink := storage.NewMemorySink()
	p, clock := newTestPolicy(sink)
	profile := Profile{Tier: Bronze, MaxFailedAttempts: 2, Cooldown: time.Minute}

	p.RecordFailedAttempt("c", profile)
	require.True(t, p.RecordFailedAttempt("c", profile))

	clock.Advance(30 * time.Second)
	assert.False(t, p.RecordFailedAttempt("c", profile))
	remaining, in := p.CheckCooldown("c")
	require.True(t, in)
	assert.Equal(t, 30*time.Second, remaining)

	clock.Advance(31 * time.Second)
	_, in = p.CheckCooldown("c")
	assert.False(t, in)
	assert.Len(t, sink.Cooldowns(), 1)
}

func TestCheckCooldown_UnknownCaller(t *testing.T) {
	p, _ := newTestPolicy(nil)
	_, in := p.CheckCooldown("nobody")
	assert.False(t, in)
	assert.Nil(t, p.ledger("nobody", false), "lookups must not create ledgers")
}

func TestConcurrentFailuresSerialized(t *testing.T) {
	p, _ := newTestPolicy(nil)
	profile := Profile{Tier: Bronze, MaxFailedAttempts: 5, Cooldown: time.Hour}

	var triggered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.RecordFailedAttempt("shared", profile) {
				triggered.Add(1)
			}
		}()
	}
	wg.Wait()

	// The fifth failure starts the cooldown; later ones do not restart it.
	assert.Equal(t, int32(1), triggered.Load())
	_, in := p.CheckCooldown("shared")
	assert.True(t, in)
}

func TestAdmit_ConcurrencyCeiling(t *testing.T) {
	p, _ := newTestPolicy(nil)
	profile := p.GetLimits(40)
	require.Equal(t, 1, profile.MaxConcurrentJobs)

	release, err := p.Admit(context.Background(), "caller", profile)
	require.NoError(t, err)

	_, err = p.Admit(context.Background(), "caller", profile)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = p.Admit(context.Background(), "other", profile)
	require.NoError(t, err, "slots are per caller")

	release()
	release()
	n, _ := p.slots.Active(context.Background(), "caller")
	assert.Equal(t, 0, n, "double release must not go negative")

	release, err = p.Admit(context.Background(), "caller", profile)
	require.NoError(t, err)
	release()
}

type brokenSlots struct{ MemorySlots }

func (*brokenSlots) Acquire(context.Context, string, int) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

// leasedSlots is a MemorySlots with an expiring lease and a refresh counter.
type leasedSlots struct {
	*MemorySlots
	refreshes atomic.Int32
}

func (*leasedSlots) TTL() time.Duration { return 15 * time.Millisecond }

func (l *leasedSlots) Refresh(ctx context.Context, callerID, lease string) error {
	l.refreshes.Add(1)
	return l.MemorySlots.Refresh(ctx, callerID, lease)
}

func TestAdmit_RefreshesLeaseUntilReleased(t *testing.T) {
	slots := &leasedSlots{MemorySlots: NewMemorySlots()}
	p := NewPolicy(nil, slots, nil, nil)
	require.Equal(t, 5*time.Millisecond, p.refreshEvery)

	release, err := p.Admit(context.Background(), "c", p.GetLimits(40))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return slots.refreshes.Load() >= 3 }, time.Second, time.Millisecond)

	release()
	n, _ := slots.Active(context.Background(), "c")
	assert.Equal(t, 0, n)

	after := slots.refreshes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, slots.refreshes.Load(), "heartbeat stops on release")
}

func TestAdmit_MemorySlotsHaveNoHeartbeat(t *testing.T) {
	p := NewPolicy(nil, NewMemorySlots(), nil, nil)
	assert.Zero(t, p.refreshEvery)
}

func TestAdmit_SlotStoreErrorFailsClosed(t *testing.T) {
	p := NewPolicy(nil, &brokenSlots{}, nil, nil)
	_, err := p.Admit(context.Background(), "c", p.GetLimits(50))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestLogExecutionAndStats(t *testing.T) {
	sink := storage.NewMemorySink()
	p, _ := newTestPolicy(sink)

	p.LogExecution(&storage.ExecutionRecord{CallerID: "c", Status: "completed", DurationMS: 100, PeakMemoryBytes: 1000})
	p.LogExecution(&storage.ExecutionRecord{CallerID: "c", Status: "completed", ExitCode: 2, DurationMS: 300, PeakMemoryBytes: 3000})
	p.LogExecution(&storage.ExecutionRecord{CallerID: "c", Status: "failed", ErrorKind: "ExecutionTimeout"})

	st := p.Stats(context.Background(), "c")
	assert.Equal(t, 3, st.TotalExecutions)
	assert.Equal(t, 1, st.Successful)
	assert.Equal(t, 2, st.Failed)
	assert.InDelta(t, 400.0/3, st.AverageDurationMS, 0.001)
	assert.InDelta(t, 4000.0/3, st.AverageMemoryBytes, 0.001)

	execs := sink.Executions()
	require.Len(t, execs, 3)
	assert.NotEmpty(t, execs[0].ID)
	assert.False(t, execs[0].CreatedAt.IsZero())
}

func TestLogSignatureMismatch(t *testing.T) {
	sink := storage.NewMemorySink()
	p, _ := newTestPolicy(sink)

	p.LogSignatureMismatch("c", "10.0.0.1", "abc123")

	recs := sink.SignatureMismatches()
	require.Len(t, recs, 1)
	assert.Equal(t, "10.0.0.1", recs[0].IPAddress)
	assert.Equal(t, "abc123", recs[0].CodeHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.SecurityEvents.WithLabelValues("signature_mismatch")))
}

func newRedisSlots(t *testing.T, ttl time.Duration) (*RedisSlots, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	slots := NewRedisSlots(rdb, "governor-test", ttl)
	slots.now = clock.Now
	return slots, mr, clock
}

// advance moves both the lease clock and redis key expiry forward.
func advance(mr *miniredis.Miniredis, clock *fakeClock, d time.Duration) {
	clock.Advance(d)
	mr.FastForward(d)
}

func TestRedisSlots_Ceiling(t *testing.T) {
	slots, _, _ := newRedisSlots(t, time.Minute)
	ctx := context.Background()

	first, ok, err := slots.Acquire(ctx, "c", 2)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := slots.Acquire(ctx, "c", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	_, ok, err = slots.Acquire(ctx, "c", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = slots.Acquire(ctx, "other", 2)
	assert.True(t, ok, "slots are per caller")

	n, err := slots.Active(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, slots.Release(ctx, "c", first))
	require.NoError(t, slots.Release(ctx, "c", first))
	n, _ = slots.Active(ctx, "c")
	assert.Equal(t, 1, n, "releasing a lease twice frees one slot")

	_, ok, _ = slots.Acquire(ctx, "c", 2)
	assert.True(t, ok)

	require.NoError(t, slots.Release(ctx, "nobody", "missing"))
}

func TestRedisSlots_LeaseExpires(t *testing.T) {
	slots, mr, clock := newRedisSlots(t, 2*time.Hour)
	ctx := context.Background()

	lease, ok, err := slots.Acquire(ctx, "c", 1)
	require.NoError(t, err)
	require.True(t, ok)

	advance(mr, clock, 2*time.Hour+time.Second)
	n, _ := slots.Active(ctx, "c")
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, slots.Refresh(ctx, "c", lease), ErrLeaseLost)

	_, ok, _ = slots.Acquire(ctx, "c", 1)
	assert.True(t, ok, "an abandoned lease frees its slot after one TTL")
}

func TestRedisSlots_RefreshHoldsSlotPastTTL(t *testing.T) {
	slots, mr, clock := newRedisSlots(t, 2*time.Hour)
	ctx := context.Background()

	lease, ok, err := slots.Acquire(ctx, "c", 1)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 6; i++ {
		advance(mr, clock, 40*time.Minute)
		require.NoError(t, slots.Refresh(ctx, "c", lease))
	}
	advance(mr, clock, 40*time.Minute)

	_, ok, err = slots.Acquire(ctx, "c", 1)
	require.NoError(t, err)
	assert.False(t, ok, "a refreshed lease still holds the only slot")
	n, _ := slots.Active(ctx, "c")
	assert.Equal(t, 1, n)
}

func TestRedisSlots_ExpiredLeaseDoesNotEvictOthers(t *testing.T) {
	slots, mr, clock := newRedisSlots(t, time.Hour)
	ctx := context.Background()

	stale, _, _ := slots.Acquire(ctx, "c", 2)
	advance(mr, clock, 30*time.Minute)
	live, _, _ := slots.Acquire(ctx, "c", 2)
	advance(mr, clock, 31*time.Minute)

	assert.ErrorIs(t, slots.Refresh(ctx, "c", stale), ErrLeaseLost)
	require.NoError(t, slots.Refresh(ctx, "c", live))
	n, _ := slots.Active(ctx, "c")
	assert.Equal(t, 1, n)
}

func TestAdmit_RedisCeilingAcrossPolicies(t *testing.T) {
	slots, _, _ := newRedisSlots(t, time.Hour)
	a := NewPolicy(nil, slots, nil, nil)
	b := NewPolicy(nil, slots, nil, nil)
	bronze := a.GetLimits(10)
	require.Equal(t, 20*time.Minute, a.refreshEvery)

	release, err := a.Admit(context.Background(), "c", bronze)
	require.NoError(t, err)
	_, err = b.Admit(context.Background(), "c", bronze)
	require.ErrorIs(t, err, ErrQuotaExceeded, "replicas share the ceiling")

	release()
	release, err = b.Admit(context.Background(), "c", bronze)
	require.NoError(t, err)
	release()
}
