package pipeline

// State is where a stage result stands.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is Pending, Succeeded with a value, or Failed with an error.
// The zero Result is Pending.
type Result[T any] struct {
	state State
	value T
	err   error
}

func PendingResult[T any]() Result[T] { return Result[T]{} }

func Success[T any](v T) Result[T] { return Result[T]{state: Succeeded, value: v} }

func Failure[T any](err error) Result[T] { return Result[T]{state: Failed, err: err} }

func (r Result[T]) State() State { return r.state }

func (r Result[T]) Pending() bool { return r.state == Pending }

// Value returns the value and true only for a Succeeded result.
func (r Result[T]) Value() (T, bool) {
	if r.state != Succeeded {
		var zero T
		return zero, false
	}
	return r.value, true
}

func (r Result[T]) Err() error { return r.err }
