package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rezkam/renderflow/internal/domain"
)

// StepState is the durable scratchpad a handler uses to survive retries.
// Values written here are persisted before the step is marked done, so a
// later attempt can pick up where this one stopped.
type StepState interface {
	// Get returns the value stored under key, or nil.
	Get(ctx context.Context, key string) (any, error)

	// Set merges key=value into the job's state.
	Set(ctx context.Context, key string, value any) error
}

// Handler executes one step of a job. It is invoked once per non-completed
// step, in order; returning an error fails the current step and the attempt.
type Handler func(ctx context.Context, job *domain.Job, step *domain.Step, state StepState) error

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *registry) get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("No handler registered for job type: %s", jobType)
	}
	return h, nil
}

// coordinatorStepState persists step state through the coordinator.
type coordinatorStepState struct {
	coordinator Coordinator
	jobID       string
}

func (s *coordinatorStepState) Get(ctx context.Context, key string) (any, error) {
	state, err := s.coordinator.GetStepState(ctx, s.jobID)
	if err != nil {
		return nil, err
	}
	return state[key], nil
}

func (s *coordinatorStepState) Set(ctx context.Context, key string, value any) error {
	return s.coordinator.UpdateStepState(ctx, s.jobID, map[string]any{key: value})
}
