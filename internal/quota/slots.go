package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Refresh when the lease has expired or was
// never held.
var ErrLeaseLost = errors.New("slot lease lost")

// SlotStore counts concurrent batches per caller. Each held slot is a lease
// identified by the string Acquire returns.
type SlotStore interface {
	// Acquire takes a slot if the caller holds fewer than limit. ok is false
	// without error when the ceiling is reached.
	Acquire(ctx context.Context, callerID string, limit int) (lease string, ok bool, err error)
	Refresh(ctx context.Context, callerID, lease string) error
	Release(ctx context.Context, callerID, lease string) error
	Active(ctx context.Context, callerID string) (int, error)
}

// MemorySlots is a process-local SlotStore. Its leases never expire.
type MemorySlots struct {
	mu     sync.Mutex
	leases map[string]map[string]struct{}
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{leases: make(map[string]map[string]struct{})}
}

func (m *MemorySlots) Acquire(_ context.Context, callerID string, limit int) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.leases[callerID]
	if len(held) >= limit {
		return "", false, nil
	}
	if held == nil {
		held = make(map[string]struct{})
		m.leases[callerID] = held
	}
	lease := uuid.NewString()
	held[lease] = struct{}{}
	return lease, true, nil
}

func (m *MemorySlots) Refresh(_ context.Context, callerID, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[callerID][lease]; !ok {
		return ErrLeaseLost
	}
	return nil
}

func (m *MemorySlots) Release(_ context.Context, callerID, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.leases[callerID]
	delete(held, lease)
	if len(held) == 0 {
		delete(m.leases, callerID)
	}
	return nil
}

func (m *MemorySlots) Active(_ context.Context, callerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases[callerID]), nil
}

// The caller key is a sorted set of leases scored by expiry in unix
// milliseconds. Expired leases are dropped before the ceiling is checked, so
// a crashed replica only pins its slots for one TTL.
//
// ARGV: limit, now, expiry, ttl, lease.
var acquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

// ARGV: now, expiry, ttl, lease.
var refreshScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[4])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
  return 0
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("ZCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
end
return 1
`)

// RedisSlots shares concurrency accounting across replicas. A lease lives
// for ttl after its last Acquire or Refresh.
type RedisSlots struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisSlots(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisSlots {
	if prefix == "" {
		prefix = "governor"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisSlots{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

// TTL is the lease lifetime. Holders must refresh well within it.
func (r *RedisSlots) TTL() time.Duration { return r.ttl }

func (r *RedisSlots) key(callerID string) string {
	return fmt.Sprintf("%s:slots:%s", r.prefix, callerID)
}

func (r *RedisSlots) Acquire(ctx context.Context, callerID string, limit int) (string, bool, error) {
	lease := uuid.NewString()
	now := r.now()
	n, err := acquireScript.Run(ctx, r.rdb, []string{r.key(callerID)},
		limit, now.UnixMilli(), now.Add(r.ttl).UnixMilli(), r.ttl.Milliseconds(), lease).Int()
	if err != nil {
		return "", false, fmt.Errorf("acquiring slot for %s: %w", callerID, err)
	}
	if n != 1 {
		return "", false, nil
	}
	return lease, true, nil
}

func (r *RedisSlots) Refresh(ctx context.Context, callerID, lease string) error {
	now := r.now()
	n, err := refreshScript.Run(ctx, r.rdb, []string{r.key(callerID)},
		now.UnixMilli(), now.Add(r.ttl).UnixMilli(), r.ttl.Milliseconds(), lease).Int()
	if err != nil {
		return fmt.Errorf("refreshing slot for %s: %w", callerID, err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisSlots) Release(ctx context.Context, callerID, lease string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key(callerID)}, lease).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing slot for %s: %w", callerID, err)
	}
	return nil
}

// Active counts leases that have not expired.
func (r *RedisSlots) Active(ctx context.Context, callerID string) (int, error) {
	from := "(" + strconv.FormatInt(r.now().UnixMilli(), 10)
	n, err := r.rdb.ZCount(ctx, r.key(callerID), from, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("reading slots for %s: %w", callerID, err)
	}
	return int(n), nil
}
