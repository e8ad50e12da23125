package stepper

import "context"

// Step identifies one unit of executor work.
type Step struct {
	Handle string
	JobID  string
	Index  int
	Total  int
}

// StepResult carries the executor's out-of-band abort signal. An abort ends
// the job normally with Reason; it wins over a returned error.
type StepResult struct {
	Abort  bool
	Reason string
}

// Executor performs one step of a job. The stepper knows nothing about what a
// step does.
type Executor interface {
	PerformStep(ctx context.Context, step Step) (StepResult, error)
}

type ExecutorFunc func(ctx context.Context, step Step) (StepResult, error)

func (f ExecutorFunc) PerformStep(ctx context.Context, step Step) (StepResult, error) {
	return f(ctx, step)
}

// ResourceChecker tells whether the handle a job is bound to still exists.
type ResourceChecker interface {
	Alive(ctx context.Context, handle string) (bool, error)
}

// Listener receives terminal job events. Calls happen on the event loop.
type Listener interface {
	StepperFinished(ctx context.Context, ev Event)
}
