package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrPlanning           = errors.New("planning failed")
	ErrGeneration         = errors.New("code generation failed")
	ErrExecution          = errors.New("script execution failed")
	ErrValidationMismatch = errors.New("output does not match expected output")
	ErrTimeout            = errors.New("script execution timed out")
	ErrTesterFailure      = errors.New("tester phase failed")

	// ErrJobVanished is returned when the job record disappears mid-run.
	ErrJobVanished = errors.New("job vanished")
)

// Kind classifies a phase failure.
type Kind int

const (
	KindPlanning Kind = iota + 1
	KindGeneration
	KindExecution
	KindValidation
	KindTimeout
	KindTester
)

func (k Kind) sentinel() error {
	switch k {
	case KindPlanning:
		return ErrPlanning
	case KindGeneration:
		return ErrGeneration
	case KindExecution:
		return ErrExecution
	case KindValidation:
		return ErrValidationMismatch
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrTesterFailure
	}
}

// reason is the prefix of a failed job's error message.
func (k Kind) reason() string {
	switch k {
	case KindPlanning:
		return "Planning failed"
	case KindGeneration:
		return "Code generation failed"
	case KindExecution, KindTimeout:
		return "Script execution failed"
	case KindValidation:
		return "Testing failed"
	default:
		return "Tester phase failed"
	}
}

func (k Kind) String() string {
	switch k {
	case KindPlanning:
		return "planning"
	case KindGeneration:
		return "generation"
	case KindExecution:
		return "execution"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindTester:
		return "tester"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PhaseError is a recoverable failure of one phase. It matches both its
// kind's sentinel and the underlying cause.
type PhaseError struct {
	Kind  Kind
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}
