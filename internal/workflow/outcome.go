package workflow

// Outcome is the result of one phase: a value or a *PhaseError, never both.
type Outcome[T any] struct {
	value T
	err   *PhaseError
}

func Ok[T any](v T) Outcome[T] { return Outcome[T]{value: v} }

func Err[T any](err *PhaseError) Outcome[T] { return Outcome[T]{err: err} }

func (o Outcome[T]) IsOk() bool { return o.err == nil }

// Get returns the value and a nil error, or the zero value and the failure.
func (o Outcome[T]) Get() (T, *PhaseError) { return o.value, o.err }
