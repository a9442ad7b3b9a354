package sandbox

import "errors"

var (
	// ErrValidation means the submitted code was rejected before any
	// execution. Validation failures never enter the job queue.
	ErrValidation = errors.New("submission rejected by validation")

	// ErrInfrastructure means no trustworthy verdict could be obtained:
	// the runner was unreachable, returned a non-2xx status, or its output
	// could not be parsed. Missing marker framing folds in here and is
	// never reported as "all tests failed".
	ErrInfrastructure = errors.New("execution backend failure")

	// ErrTimeout means the wall-clock budget was exceeded. Distinct from a
	// wrong answer: the code may be correct but slow.
	ErrTimeout = errors.New("execution time budget exceeded")

	// ErrOutputLimit means the run produced more stdout/stderr bytes than
	// allowed, which signals runaway or print-bomb code.
	ErrOutputLimit = errors.New("execution output limit exceeded")
)

// ValidationError carries the reason a submission was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "submission rejected: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationFailed(reason string) error {
	return &ValidationError{Reason: reason}
}
