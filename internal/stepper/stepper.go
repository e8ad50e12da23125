// Package stepper drives a single job through a bounded number of steps with
// a delay between them. Progress is persisted after every step so a restarted
// process continues where the previous one stopped.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brogergvhs/novelgrab/internal/eventloop"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/timer"
	"github.com/brogergvhs/novelgrab/internal/ui"
)

var (
	ErrAlreadyRunning = errors.New("a run is already active for this handle")
	ErrInvalidSteps   = errors.New("total steps must be at least 1")
)

type Options struct {
	// Delays at or above this use durable wakes; shorter ones use local
	// timers with keepalive writes.
	LongDelayThreshold time.Duration
	KeepaliveInterval  time.Duration
	// A run fails after this many step errors in a row. Zero never fails.
	MaxConsecutiveErrors int
}

func DefaultOptions() Options {
	return Options{
		LongDelayThreshold:   60 * time.Second,
		KeepaliveInterval:    20 * time.Second,
		MaxConsecutiveErrors: 3,
	}
}

// JobRef is what the stepper needs to know about the job it runs.
type JobRef struct {
	ID    string
	Title string
}

type Stepper struct {
	store     store.Store
	timers    *timer.Service
	loop      *eventloop.Loop
	exec      Executor
	resources ResourceChecker
	log       *ui.Logger
	opts      Options

	listener Listener
	watchers []func(Progress)
	busy     map[string]bool
}

func New(st store.Store, timers *timer.Service, loop *eventloop.Loop, exec Executor, resources ResourceChecker, log *ui.Logger, opts Options) *Stepper {
	if opts.LongDelayThreshold <= 0 {
		opts.LongDelayThreshold = DefaultOptions().LongDelayThreshold
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultOptions().KeepaliveInterval
	}

	s := &Stepper{
		store:     st,
		timers:    timers,
		loop:      loop,
		exec:      exec,
		resources: resources,
		log:       log,
		opts:      opts,
		busy:      map[string]bool{},
	}
	timers.Handle(wakeKeyPrefix, s.onWake)

	return s
}

func (s *Stepper) SetListener(l Listener) { s.listener = l }

// Subscribe registers fn for progress updates.
func (s *Stepper) Subscribe(fn func(Progress)) {
	s.watchers = append(s.watchers, fn)
}

// Start binds a new run to handle and performs its first step right away.
func (s *Stepper) Start(ctx context.Context, job JobRef, totalSteps, delaySeconds int, handle string) error {
	if totalSteps < 1 {
		return ErrInvalidSteps
	}

	prev, ok, err := s.Load(ctx, handle)
	if err != nil {
		return err
	}
	if (ok && prev.IsRunning) || s.busy[handle] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, handle)
	}

	if delaySeconds < 0 {
		delaySeconds = 0
	}

	st := &State{
		Handle:       handle,
		JobID:        job.ID,
		Title:        job.Title,
		IsRunning:    true,
		TotalSteps:   totalSteps,
		DelaySeconds: delaySeconds,
		StartTime:    s.now(),
		Status:       "Starting",
	}
	if err := s.save(ctx, st); err != nil {
		return err
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("handle", handle).
		Int("steps", totalSteps).
		Int("delay_seconds", delaySeconds).
		Msg("run started")

	return s.RunStep(ctx, handle)
}

// Stop ends the run cooperatively. A step already handed to the executor is
// left to finish; its result is discarded.
func (s *Stepper) Stop(ctx context.Context, handle, reason string) error {
	st, ok, err := s.Load(ctx, handle)
	if err != nil {
		return err
	}
	if !ok || !st.IsRunning {
		return nil
	}

	// The latest increment may belong to an attempt that did not succeed.
	steps := st.CurrentStep - 1
	if steps < 0 {
		steps = 0
	}

	ev := Event{
		Kind:      EventStopped,
		JobID:     st.JobID,
		Handle:    handle,
		Reason:    reason,
		Steps:     steps,
		Succeeded: st.Succeeded,
	}

	st.ShouldStop = true
	st.IsRunning = false
	st.InFlight = false
	st.NextStepAt = nil
	st.LastPercent = st.percent()
	st.Status = "Stopped: " + reason
	st.Final = &ev
	if err := s.save(ctx, st); err != nil {
		return err
	}

	s.cancelWakes(ctx, handle)
	s.emit(ev)

	return nil
}

// Status returns a snapshot of the run bound to handle.
func (s *Stepper) Status(ctx context.Context, handle string) (Snapshot, error) {
	st, ok, err := s.Load(ctx, handle)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{Progress: "Ready", Status: "Ready"}, nil
	}

	if st.IsRunning {
		return Snapshot{
			Running:  true,
			Progress: fmt.Sprintf("Chapter %d of %d", st.CurrentStep, st.TotalSteps),
			Percent:  st.percent(),
			Status:   st.Status,
		}, nil
	}

	return Snapshot{
		Progress: st.Status,
		Percent:  st.LastPercent,
		Status:   st.Status,
	}, nil
}

// OnResourceReleased clears everything bound to a handle that was destroyed
// from outside. A live run is reported as failed.
func (s *Stepper) OnResourceReleased(ctx context.Context, handle string) {
	st, ok, err := s.Load(ctx, handle)
	if err != nil {
		s.log.Error().Err(err).Str("handle", handle).Msg("failed to load state of released handle")
	}

	s.cancelWakes(ctx, handle)
	delete(s.busy, handle)

	if err := s.store.Remove(ctx, stateKeyPrefix+handle); err != nil {
		s.log.Error().Err(err).Str("handle", handle).Msg("failed to clear stepper state")
	}

	if ok && st.IsRunning {
		s.log.Warn().Str("handle", handle).Str("job_id", st.JobID).Msg("handle released while running")
		s.emit(Event{
			Kind:      EventFailed,
			JobID:     st.JobID,
			Handle:    handle,
			Reason:    "resource released",
			Steps:     st.CurrentStep,
			Succeeded: st.Succeeded,
		})
	}
}

// Recover re-arms runs that were live when the previous process died. Runs
// waiting on a durable wake are left to timer.Service.Restore.
func (s *Stepper) Recover(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, stateKeyPrefix)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, k := range keys {
		var st State
		ok, err := s.store.Load(ctx, k, &st)
		if err != nil {
			return n, err
		}
		if !ok || !st.IsRunning {
			continue
		}

		_, pending, err := s.timers.Pending(ctx, wakeKeyPrefix+st.Handle)
		if err != nil {
			return n, err
		}
		if pending {
			continue
		}

		handle := st.Handle
		if st.NextStepAt != nil && !st.ShouldStop {
			if err := s.arm(ctx, handle, st.NextStepAt.Sub(s.now())); err != nil {
				return n, err
			}
		} else {
			s.loop.Post(func(ctx context.Context) {
				if err := s.RunStep(ctx, handle); err != nil {
					s.log.Error().Err(err).Str("handle", handle).Msg("resumed step failed")
				}
			})
		}

		s.log.Info().Str("handle", handle).Int("step", st.CurrentStep).Msg("resuming run")
		n++
	}

	return n, nil
}

func (s *Stepper) emit(ev Event) {
	s.log.Info().
		Str("job_id", ev.JobID).
		Str("handle", ev.Handle).
		Str("kind", string(ev.Kind)).
		Str("reason", ev.Reason).
		Int("succeeded", ev.Succeeded).
		Msg("run finished")

	s.loop.Post(func(ctx context.Context) {
		if s.listener != nil {
			s.listener.StepperFinished(ctx, ev)
		}
	})
}

func (s *Stepper) notify(st *State) {
	p := Progress{
		Handle:      st.Handle,
		JobID:       st.JobID,
		Title:       st.Title,
		CurrentStep: st.CurrentStep,
		TotalSteps:  st.TotalSteps,
		Succeeded:   st.Succeeded,
		Running:     st.IsRunning,
	}
	for _, fn := range s.watchers {
		fn(p)
	}
}

func (s *Stepper) now() time.Time {
	return s.timers.Clock().Now()
}
