package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrImageMissing       = errors.New("sandbox image not present")
	ErrUnsupportedLang    = errors.New("unsupported language")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrInvalidPolicy      = errors.New("invalid isolation policy")
	ErrOutputLimit        = errors.New("output limit reached")
	ErrBuildUnsupported   = errors.New("image build not supported by this engine")
	ErrClosed             = errors.New("runner is closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsRuntimeUnavailable reports whether the engine could not be reached.
func IsRuntimeUnavailable(err error) bool {
	return errors.Is(err, ErrRuntimeUnavailable)
}

// IsImageMissing reports whether a run failed because its image is absent.
func IsImageMissing(err error) bool {
	return errors.Is(err, ErrImageMissing)
}

// FailedOp returns the operation recorded in an ExecutionError, or "".
func FailedOp(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Op
	}
	return ""
}
