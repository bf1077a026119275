package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCompletion is returned when a run starts without a completion service.
	ErrMissingCompletion = errors.New("completion service not configured")
	// ErrIterationCap is returned when a run needs more stage invocations than its cap allows.
	ErrIterationCap = errors.New("iteration cap exceeded")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid run configuration")
)

// RunError describes an engine-fatal failure. Kind is one of the sentinel
// errors above so callers can match with errors.Is.
type RunError struct {
	Kind  error
	Stage Stage
	Step  int
	Err   error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v at step %d (%s): %v", e.Kind, e.Step, e.Stage, e.Err)
	}
	return fmt.Sprintf("%v at step %d (%s)", e.Kind, e.Step, e.Stage)
}

func (e *RunError) Is(target error) bool { return target == e.Kind }

func (e *RunError) Unwrap() error { return e.Err }
