package engine

import (
	"context"
	"errors"
	"fmt"

	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/sandbox"
)

// ErrNonZeroExit marks a payload that ran to completion but failed.
var ErrNonZeroExit = errors.New("non-zero exit")

// ExitError carries the exit code of a failed payload.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

func (e *ExitError) Is(target error) bool { return target == ErrNonZeroExit }

// Kind names a job failure class. It is what job status, metrics and audit
// records carry.
type Kind string

const (
	KindNone                      Kind = ""
	KindEnvironmentCreationFailed Kind = "EnvironmentCreationFailed"
	KindRestrictionSetupFailed    Kind = "RestrictionSetupFailed"
	KindExecutionTimeout          Kind = "ExecutionTimeout"
	KindQuotaExceeded             Kind = "QuotaExceeded"
	KindInCooldown                Kind = "InCooldown"
	KindSignatureMismatch         Kind = "SignatureMismatch"
	KindMonitoringAttachFailed    Kind = "MonitoringAttachFailed"
	KindCancelled                 Kind = "Cancelled"
	KindNonZeroExit               Kind = "NonZeroExit"
	KindInvalidRequest            Kind = "InvalidRequest"
	KindInternal                  Kind = "Internal"
)

// Classify maps an error from RunJob onto its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, quota.ErrInCooldown):
		return KindInCooldown
	case errors.Is(err, quota.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, artifact.ErrSignatureMismatch):
		return KindSignatureMismatch
	case errors.Is(err, sandbox.ErrRestrictionSetupFailed):
		return KindRestrictionSetupFailed
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		return KindExecutionTimeout
	case errors.Is(err, sandbox.ErrEnvironmentCreationFailed):
		return KindEnvironmentCreationFailed
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, sandbox.ErrUnsupportedLang):
		return KindInvalidRequest
	case errors.Is(err, ErrNonZeroExit):
		return KindNonZeroExit
	case errors.Is(err, monitor.ErrMonitoringAttachFailed):
		return KindMonitoringAttachFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// CountsAsFailedAttempt reports whether a failure is attributable to the
// caller's code and feeds the abuse ledger. Platform faults and
// cancellations never do.
func (k Kind) CountsAsFailedAttempt() bool {
	switch k {
	case KindSignatureMismatch, KindRestrictionSetupFailed, KindExecutionTimeout, KindNonZeroExit:
		return true
	default:
		return false
	}
}

// Retryable reports whether re-running the job may succeed without any
// change from the caller.
func (k Kind) Retryable() bool {
	return k == KindEnvironmentCreationFailed
}
