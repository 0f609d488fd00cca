package module

import "fmt"

// Result is a tagged ok/error value. Reading the value of a failed result
// panics; callers check OK first.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail wraps an error. A nil err is reported as a failure all the same.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	return Result[T]{err: err}
}

// OK reports whether the result holds a value.
func (r Result[T]) OK() bool { return r.err == nil }

// Err returns the failure, or nil.
func (r Result[T]) Err() error { return r.err }

// Value returns the payload and panics if the result failed.
func (r Result[T]) Value() T {
	if r.err != nil {
		panic(fmt.Sprintf("module: Value() called on failed result: %v", r.err))
	}
	return r.value
}

// Unwrap returns the payload and error without panicking.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}

// ImportResult is what a module body receives for each import.
type ImportResult = Result[*Exports]

// ArtifactResult is the settled value of a compile job.
type ArtifactResult struct {
	Result[*Artifact]
	ID ID
}

// CompiledArtifact returns a successful compile result.
func CompiledArtifact(a *Artifact) *ArtifactResult {
	return &ArtifactResult{Result: Ok(a), ID: a.ID}
}

// FailedArtifact returns a failed compile result for id.
func FailedArtifact(id ID, err error) *ArtifactResult {
	return &ArtifactResult{Result: Fail[*Artifact](err), ID: id}
}

// ExecResult is the settled value of an execution job. Instance is set
// whenever one was constructed, including for failures.
type ExecResult struct {
	Result[*Exports]
	ID       ID
	Instance *Instance
}

// Executed returns a successful execution result.
func Executed(inst *Instance) *ExecResult {
	return &ExecResult{Result: Ok(inst.Exports()), ID: inst.ID(), Instance: inst}
}

// FailedExec returns a failed execution result. inst may be nil.
func FailedExec(id ID, inst *Instance, err error) *ExecResult {
	return &ExecResult{Result: Fail[*Exports](err), ID: id, Instance: inst}
}

// Cancelled reports whether the result failed because of cancellation.
func (r *ExecResult) Cancelled() bool {
	return r != nil && IsCancelled(r.Err())
}
