package module

import (
	"errors"
	"fmt"
)

// ErrCancelled is wrapped by every cancellation error so callers can tell
// "torn down mid-flight" apart from a genuine failure.
var ErrCancelled = errors.New("cancelled")

var (
	// ErrCompilationCancelled settles a compile job cancelled by invalidation.
	ErrCompilationCancelled = fmt.Errorf("compilation %w", ErrCancelled)

	// ErrExecutionCancelled settles an execution job or import whose owning
	// instance was torn down.
	ErrExecutionCancelled = fmt.Errorf("execution %w", ErrCancelled)

	// ErrInstanceExists guards the one-instance-per-id invariant of an
	// environment. It should never surface.
	ErrInstanceExists = errors.New("module instance already exists")

	// ErrSealed is returned when exports are written after the module body
	// has completed.
	ErrSealed = errors.New("exports are sealed")
)

// IsCancelled reports whether err is any cancellation error.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ImportReason classifies an ImportError.
type ImportReason string

const (
	ReasonSelfImport     ImportReason = "self-import"
	ReasonDisallowedKind ImportReason = "disallowed-kind"
	ReasonUnresolvable   ImportReason = "unresolvable"
)

// ImportError is returned when a specifier cannot be turned into exports.
type ImportError struct {
	From      string
	Specifier string
	Reason    ImportReason
	Err       error
}

func (e *ImportError) Error() string {
	msg := fmt.Sprintf("import %q from %s: %s", e.Specifier, e.From, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ImportError) Unwrap() error { return e.Err }

// CompileError wraps a transport or compiler failure for a path.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure raised by a module body.
type ExecutionError struct {
	Path string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Path, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
