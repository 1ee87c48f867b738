package quota

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-governor/internal/config"
)

func TestLimits_Thresholds(t *testing.T) {
	tiers := DefaultTiers()

	tests := []struct {
		score float64
		want  Tier
	}{
		{0, Bronze},
		{40, Bronze},
		{49.9, Bronze},
		{50, Silver},
		{74, Silver},
		{75, Gold},
		{89.99, Gold},
		{90, Platinum},
		{100, Platinum},
		{150, Platinum},
		{-5, Bronze},
		{math.NaN(), Bronze},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tiers.Limits(tt.score).Tier, "score %v", tt.score)
	}
}

func TestLimits_DefaultProfiles(t *testing.T) {
	bronze := DefaultTiers().Limits(10)
	assert.Equal(t, 0.25, bronze.CPUQuota)
	assert.Equal(t, int64(256<<20), bronze.MemoryBytes)
	assert.Equal(t, int64(20), bronze.MaxPids)
	assert.Equal(t, 5*time.Minute, bronze.MaxExecution)
	assert.Equal(t, 1, bronze.MaxConcurrentJobs)
	assert.Equal(t, time.Hour, bronze.Cooldown)
	assert.Equal(t, 3, bronze.MaxFailedAttempts)

	platinum := DefaultTiers().Limits(95)
	assert.Equal(t, 1.0, platinum.CPUQuota)
	assert.Equal(t, int64(2<<30), platinum.MemoryBytes)
	assert.Equal(t, 5, platinum.MaxConcurrentJobs)
}

func TestLimits_MonotonicAndPure(t *testing.T) {
	tiers := DefaultTiers()
	prev := tiers.Limits(0)
	for s := 0.0; s <= 100; s += 0.5 {
		p := tiers.Limits(s)
		assert.Equal(t, p, tiers.Limits(s), "same score must give same profile")

		assert.GreaterOrEqual(t, p.CPUQuota, prev.CPUQuota)
		assert.GreaterOrEqual(t, p.MemoryBytes, prev.MemoryBytes)
		assert.GreaterOrEqual(t, p.MaxPids, prev.MaxPids)
		assert.GreaterOrEqual(t, p.MaxExecution, prev.MaxExecution)
		assert.GreaterOrEqual(t, p.MaxConcurrentJobs, prev.MaxConcurrentJobs)
		assert.GreaterOrEqual(t, p.MaxFailedAttempts, prev.MaxFailedAttempts)
		assert.LessOrEqual(t, p.Cooldown, prev.Cooldown)
		prev = p
	}
}

func TestNewTiers(t *testing.T) {
	t.Run("empty uses defaults", func(t *testing.T) {
		tiers, err := NewTiers(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultTiers(), tiers)
	})

	t.Run("sorted by score", func(t *testing.T) {
		tiers, err := NewTiers([]config.TierConfig{
			{Name: "free", MinScore: 0, CPUQuota: 0.1, MemoryMB: 64, MaxPids: 10,
				MaxExecution: time.Minute, MaxConcurrentJobs: 1, Cooldown: time.Hour, MaxFailedAttempts: 2},
			{Name: "paid", MinScore: 60, CPUQuota: 1, MemoryMB: 1024, MaxPids: 100,
				MaxExecution: time.Hour, MaxConcurrentJobs: 4, Cooldown: time.Minute, MaxFailedAttempts: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, Tier("paid"), tiers[0].Tier)
		assert.Equal(t, int64(64<<20), tiers.Limits(59).MemoryBytes)
		assert.Equal(t, Tier("paid"), tiers.Limits(60).Tier)
	})

	t.Run("non-monotonic rejected", func(t *testing.T) {
		_, err := NewTiers([]config.TierConfig{
			{Name: "low", MinScore: 0, CPUQuota: 1, MemoryMB: 64, MaxPids: 10,
				MaxExecution: time.Minute, MaxConcurrentJobs: 1, Cooldown: time.Hour, MaxFailedAttempts: 2},
			{Name: "high", MinScore: 50, CPUQuota: 0.5, MemoryMB: 128, MaxPids: 10,
				MaxExecution: time.Minute, MaxConcurrentJobs: 1, Cooldown: time.Hour, MaxFailedAttempts: 2},
		})
		assert.ErrorContains(t, err, "at least as generous")
	})

	t.Run("lowest must cover zero", func(t *testing.T) {
		_, err := NewTiers([]config.TierConfig{
			{Name: "only", MinScore: 10, CPUQuota: 1, MemoryMB: 64, MaxPids: 10,
				MaxExecution: time.Minute, MaxConcurrentJobs: 1, Cooldown: time.Hour, MaxFailedAttempts: 2},
		})
		assert.ErrorContains(t, err, "min_score 0")
	})
}

func TestLookup(t *testing.T) {
	p, ok := DefaultTiers().Lookup(Gold)
	require.True(t, ok)
	assert.Equal(t, 75.0, p.MinScore)

	_, ok = DefaultTiers().Lookup("diamond")
	assert.False(t, ok)
}
