package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrEnvironmentCreationFailed = errors.New("environment creation failed")
	ErrRestrictionSetupFailed    = errors.New("restriction setup failed")
	ErrExecutionTimeout          = errors.New("execution timed out")
	ErrInvalidRequest            = errors.New("invalid execution request")
	ErrUnsupportedLang           = errors.New("unsupported language")
	ErrRuntimeUnavailable        = errors.New("container runtime unavailable")
	ErrDriverClosed              = errors.New("driver closed")
	ErrEscapePattern             = errors.New("escape pattern detected")
)

// ExecutionError wraps errors with environment context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("environment %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is an execution timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}

// IsCreationFailure returns true if the environment could not be built.
func IsCreationFailure(err error) bool {
	return errors.Is(err, ErrEnvironmentCreationFailed)
}

// IsRestrictionFailure returns true if code was rejected before it ran.
func IsRestrictionFailure(err error) bool {
	return errors.Is(err, ErrRestrictionSetupFailed)
}

func creationFailed(id, op string, err error) error {
	return &ExecutionError{ExecID: id, Op: op, Err: fmt.Errorf("%w: %w", ErrEnvironmentCreationFailed, err)}
}

func restrictionFailed(id, op string, err error) error {
	return &ExecutionError{ExecID: id, Op: op, Err: fmt.Errorf("%w: %w", ErrRestrictionSetupFailed, err)}
}
