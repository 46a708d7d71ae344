package condition

import (
	"fmt"
)

type CompilationError struct {
	Condition string
	Cause     error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile live channel condition '%s': %v", e.Condition, e.Cause)
}

func (e *CompilationError) Unwrap() error {
	return e.Cause
}

type EvaluationError struct {
	Condition string
	Cause     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate live channel condition '%s': %v", e.Condition, e.Cause)
}

func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluationFailed
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}
