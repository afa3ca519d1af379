package domain

import "errors"

// Domain errors returned by repository implementations and the queue.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobOwnershipLost indicates the job is no longer leased to this worker.
	// Another worker reclaimed it after the lease timed out.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrJobNotCancellable indicates the job is processing or already terminal.
	ErrJobNotCancellable = errors.New("job is not in a cancellable state")

	// ErrDuplicateIdempotencyKey indicates an insert raced with another job
	// carrying the same idempotency key. Callers resolve it by fetching the
	// existing job.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDeadLetterNotFound indicates the dead letter entry does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter job not found")

	// ErrInvalidPriority indicates an unknown priority value.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrAutomationNotFound indicates the requested automation does not exist.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrAutomationDisabled indicates a trigger arrived for a disabled automation.
	ErrAutomationDisabled = errors.New("automation is disabled")

	// ErrExecutionNotFound indicates the execution record was never created
	// or has been evicted from the bounded execution store.
	ErrExecutionNotFound = errors.New("execution not found")
)
