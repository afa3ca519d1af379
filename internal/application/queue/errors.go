package queue

import "fmt"

// PanicError wraps a panic recovered from a job handler so it flows
// through the normal retry and dead-letter pipeline instead of killing
// the worker process.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
