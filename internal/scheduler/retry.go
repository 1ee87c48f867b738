package scheduler

import (
	"context"
	"math"
	"strings"
	"time"

	"sandbox-governor/internal/config"
)

// RetryPolicy controls re-attempts of jobs that failed for reasons outside
// the caller's code.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Strategy    string // "linear" or "exponential"
}

func RetryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxBackoff:  cfg.MaxBackoff,
		Strategy:    cfg.Strategy,
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicyFrom(config.DefaultConfig().Scheduler.Retry)
}

// Delay returns the wait before the given attempt. Attempt 1 is the first
// retry. Unknown strategies fall back to exponential.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Backoff
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch strings.ToLower(p.Strategy) {
	case "linear":
		d = time.Duration(attempt) * base
	default:
		factor := math.Pow(2, float64(attempt-1))
		if factor > float64(math.MaxInt64)/float64(base) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(factor * float64(base))
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
