package quota

import (
	"fmt"
	"math"
	"sort"
	"time"

	"sandbox-governor/internal/config"
)

type Tier string

const (
	Bronze   Tier = "bronze"
	Silver   Tier = "silver"
	Gold     Tier = "gold"
	Platinum Tier = "platinum"
)

// Profile is the resource limit profile of one trust tier. It is derived
// from the trust score on every request and never stored as mutable state.
type Profile struct {
	Tier              Tier          `json:"tier"`
	MinScore          float64       `json:"min_score"`
	CPUQuota          float64       `json:"cpu_quota"` // fraction of one core
	MemoryBytes       int64         `json:"memory_bytes"`
	MaxPids           int64         `json:"max_pids"`
	MaxExecution      time.Duration `json:"max_execution"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	Cooldown          time.Duration `json:"cooldown"`
	MaxFailedAttempts int           `json:"max_failed_attempts"`
}

// Tiers is ordered from most to least generous.
type Tiers []Profile

func DefaultTiers() Tiers {
	return Tiers{
		{
			Tier: Platinum, MinScore: 90,
			CPUQuota: 1.0, MemoryBytes: 2 << 30, MaxPids: 200,
			MaxExecution: time.Hour, MaxConcurrentJobs: 5,
			Cooldown: 5 * time.Minute, MaxFailedAttempts: 20,
		},
		{
			Tier: Gold, MinScore: 75,
			CPUQuota: 0.75, MemoryBytes: 1 << 30, MaxPids: 100,
			MaxExecution: 20 * time.Minute, MaxConcurrentJobs: 3,
			Cooldown: 15 * time.Minute, MaxFailedAttempts: 10,
		},
		{
			Tier: Silver, MinScore: 50,
			CPUQuota: 0.5, MemoryBytes: 512 << 20, MaxPids: 50,
			MaxExecution: 10 * time.Minute, MaxConcurrentJobs: 2,
			Cooldown: 30 * time.Minute, MaxFailedAttempts: 5,
		},
		{
			Tier: Bronze, MinScore: 0,
			CPUQuota: 0.25, MemoryBytes: 256 << 20, MaxPids: 20,
			MaxExecution: 5 * time.Minute, MaxConcurrentJobs: 1,
			Cooldown: time.Hour, MaxFailedAttempts: 3,
		},
	}
}

// NewTiers builds a tier table from configuration. An empty list yields the
// default table.
func NewTiers(cfgs []config.TierConfig) (Tiers, error) {
	if len(cfgs) == 0 {
		return DefaultTiers(), nil
	}

	t := make(Tiers, 0, len(cfgs))
	for _, c := range cfgs {
		t = append(t, Profile{
			Tier:              Tier(c.Name),
			MinScore:          c.MinScore,
			CPUQuota:          c.CPUQuota,
			MemoryBytes:       c.MemoryMB << 20,
			MaxPids:           c.MaxPids,
			MaxExecution:      c.MaxExecution,
			MaxConcurrentJobs: c.MaxConcurrentJobs,
			Cooldown:          c.Cooldown,
			MaxFailedAttempts: c.MaxFailedAttempts,
		})
	}
	sort.SliceStable(t, func(i, j int) bool { return t[i].MinScore > t[j].MinScore })

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every profile is usable, the lowest tier covers every
// score, and generosity never decreases as the score threshold rises.
func (t Tiers) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for i, p := range t {
		switch {
		case p.Tier == "":
			return fmt.Errorf("tier %d: name is required", i)
		case p.CPUQuota <= 0 || p.CPUQuota > 64:
			return fmt.Errorf("tier %s: cpu_quota must be in (0, 64]", p.Tier)
		case p.MemoryBytes <= 0:
			return fmt.Errorf("tier %s: memory must be positive", p.Tier)
		case p.MaxPids <= 0:
			return fmt.Errorf("tier %s: max_pids must be positive", p.Tier)
		case p.MaxExecution <= 0:
			return fmt.Errorf("tier %s: max_execution must be positive", p.Tier)
		case p.MaxConcurrentJobs < 1:
			return fmt.Errorf("tier %s: max_concurrent_jobs must be >= 1", p.Tier)
		case p.Cooldown <= 0:
			return fmt.Errorf("tier %s: cooldown must be positive", p.Tier)
		case p.MaxFailedAttempts < 1:
			return fmt.Errorf("tier %s: max_failed_attempts must be >= 1", p.Tier)
		}

		if i == 0 {
			continue
		}
		hi := t[i-1]
		if hi.MinScore == p.MinScore {
			return fmt.Errorf("tiers %s and %s share min_score %.0f", hi.Tier, p.Tier, p.MinScore)
		}
		if hi.CPUQuota < p.CPUQuota || hi.MemoryBytes < p.MemoryBytes || hi.MaxPids < p.MaxPids ||
			hi.MaxExecution < p.MaxExecution || hi.MaxConcurrentJobs < p.MaxConcurrentJobs ||
			hi.MaxFailedAttempts < p.MaxFailedAttempts || hi.Cooldown > p.Cooldown {
			return fmt.Errorf("tier %s must be at least as generous as %s", hi.Tier, p.Tier)
		}
	}
	if lowest := t[len(t)-1]; lowest.MinScore > 0 {
		return fmt.Errorf("lowest tier %s must have min_score 0, got %.0f", lowest.Tier, lowest.MinScore)
	}
	return nil
}

// Limits returns the profile for a trust score. Scores outside 0-100 are
// clamped; NaN maps to the lowest tier.
func (t Tiers) Limits(score float64) Profile {
	if math.IsNaN(score) {
		return t[len(t)-1]
	}
	score = math.Max(0, math.Min(100, score))
	for _, p := range t {
		if score >= p.MinScore {
			return p
		}
	}
	return t[len(t)-1]
}

// Lookup returns the profile with the given tier name.
func (t Tiers) Lookup(name Tier) (Profile, bool) {
	for _, p := range t {
		if p.Tier == name {
			return p, true
		}
	}
	return Profile{}, false
}
