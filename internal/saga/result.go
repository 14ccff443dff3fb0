package saga

// resultKind discriminates step outcomes so retry-vs-compensate decisions
// are made on an explicit variant, not on error type sniffing.
type resultKind int

const (
	kindSuccess resultKind = iota
	kindRetryable
	kindFatal
)

// StepResult is the tagged outcome of a step or compensation handler.
type StepResult struct {
	kind   resultKind
	output map[string]string
	err    error
}

// Success marks the step done; output is merged into the saga context.
func Success(output map[string]string) StepResult {
	return StepResult{kind: kindSuccess, output: output}
}

// RetryableFailure marks a transient failure worth another attempt.
func RetryableFailure(err error) StepResult {
	return StepResult{kind: kindRetryable, err: err}
}

// FatalFailure marks a failure that must not be retried.
func FatalFailure(err error) StepResult {
	return StepResult{kind: kindFatal, err: err}
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.kind == kindSuccess }

// Retryable reports whether another attempt is allowed.
func (r StepResult) Retryable() bool { return r.kind == kindRetryable }

// Output returns data produced by a successful step.
func (r StepResult) Output() map[string]string { return r.output }

// Err returns the failure cause, nil on success.
func (r StepResult) Err() error { return r.err }
