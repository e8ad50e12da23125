package stepper

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RunStep is the re-entry point for a run. It is safe to call from a wake,
// directly after a step, or twice in a row: a run that is not live is left
// untouched.
func (s *Stepper) RunStep(ctx context.Context, handle string) error {
	if s.busy[handle] {
		return nil
	}

	st, ok, err := s.Load(ctx, handle)
	if err != nil {
		return err
	}
	if !ok || !st.IsRunning {
		return nil
	}

	if st.ShouldStop {
		st.IsRunning = false
		st.InFlight = false
		st.Status = "Stopped"
		return s.save(ctx, st)
	}

	if st.CurrentStep >= st.TotalSteps {
		return s.complete(ctx, st)
	}

	alive, err := s.resources.Alive(ctx, handle)
	if err != nil {
		return err
	}
	if !alive {
		return s.fail(ctx, st, "resource gone")
	}

	st.InFlight = true
	st.NextStepAt = nil
	st.KeepaliveAt = nil
	st.Status = fmt.Sprintf("Processing chapter %d of %d", st.CurrentStep+1, st.TotalSteps)
	if err := s.save(ctx, st); err != nil {
		return err
	}

	step := Step{
		Handle: handle,
		JobID:  st.JobID,
		Index:  st.CurrentStep,
		Total:  st.TotalSteps,
	}

	s.busy[handle] = true
	var res StepResult
	s.loop.Go(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.exec.PerformStep(ctx, step)
		return err
	}, func(ctx context.Context, err error) {
		s.afterStep(ctx, step, res, err)
	})

	return nil
}

func (s *Stepper) afterStep(ctx context.Context, step Step, res StepResult, stepErr error) {
	delete(s.busy, step.Handle)

	st, ok, err := s.Load(ctx, step.Handle)
	if err != nil {
		s.log.Error().Err(err).Str("handle", step.Handle).Msg("failed to reload state after step")
		return
	}
	if !ok || !st.IsRunning || st.JobID != step.JobID || st.CurrentStep != step.Index {
		s.log.Debug().Str("handle", step.Handle).Int("step", step.Index).Msg("discarding result of a run that moved on")
		return
	}

	// Every attempt counts, so a run always terminates.
	st.CurrentStep++
	st.InFlight = false

	switch {
	case res.Abort:
		reason := strings.TrimSpace(res.Reason)
		if reason == "" {
			reason = "stopped by executor"
		}
		if stepErr != nil {
			s.log.Debug().Err(stepErr).Str("handle", step.Handle).Msg("step aborted with error")
		}
		s.finishStopped(ctx, st, reason)
		return

	case stepErr != nil:
		st.Errors++
		st.ConsecutiveErrors++
		st.LastError = stepErr.Error()
		s.log.Warn().
			Err(stepErr).
			Str("job_id", st.JobID).
			Int("step", step.Index+1).
			Int("consecutive", st.ConsecutiveErrors).
			Msg("step failed")

		if limit := s.opts.MaxConsecutiveErrors; limit > 0 && st.ConsecutiveErrors >= limit {
			reason := fmt.Sprintf("%d consecutive step errors, last: %s", st.ConsecutiveErrors, st.LastError)
			if err := s.fail(ctx, st, reason); err != nil {
				s.log.Error().Err(err).Str("handle", step.Handle).Msg("failed to record failure")
			}
			return
		}

	default:
		st.Succeeded++
		st.ConsecutiveErrors = 0
		s.log.Debug().Str("job_id", st.JobID).Int("step", step.Index+1).Msg("step done")
	}

	st.LastPercent = st.percent()
	if err := s.save(ctx, st); err != nil {
		s.log.Error().Err(err).Str("handle", step.Handle).Msg("failed to persist step progress")
		return
	}
	s.notify(st)

	if st.CurrentStep < st.TotalSteps {
		err = s.scheduleNext(ctx, st)
	} else {
		err = s.RunStep(ctx, step.Handle)
	}
	if err != nil {
		s.log.Error().Err(err).Str("handle", step.Handle).Msg("failed to continue run")
	}
}

func (s *Stepper) scheduleNext(ctx context.Context, st *State) error {
	delay := time.Duration(st.DelaySeconds) * time.Second
	due := s.now().Add(delay)

	st.NextStepAt = &due
	st.Status = fmt.Sprintf("Waiting %ds before chapter %d of %d", st.DelaySeconds, st.CurrentStep+1, st.TotalSteps)
	if err := s.save(ctx, st); err != nil {
		return err
	}

	return s.arm(ctx, st.Handle, delay)
}

// arm picks the wake mechanism by delay length. Short waits keep the
// persisted state fresh so an idle process is not mistaken for a dead one.
func (s *Stepper) arm(ctx context.Context, handle string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	key := wakeKeyPrefix + handle
	if delay >= s.opts.LongDelayThreshold {
		return s.timers.Schedule(ctx, key, delay)
	}

	s.timers.ScheduleLocal(key, delay, s.onWake)
	if delay > s.opts.KeepaliveInterval {
		s.timers.ScheduleLocal(keepaliveKeyPrefix+handle, s.opts.KeepaliveInterval, s.onKeepalive)
	}

	return nil
}

func (s *Stepper) onWake(ctx context.Context, key string) {
	handle := strings.TrimPrefix(key, wakeKeyPrefix)
	s.timers.CancelLocal(keepaliveKeyPrefix + handle)

	if err := s.RunStep(ctx, handle); err != nil {
		s.log.Error().Err(err).Str("handle", handle).Msg("scheduled step failed")
	}
}

func (s *Stepper) onKeepalive(ctx context.Context, key string) {
	handle := strings.TrimPrefix(key, keepaliveKeyPrefix)

	st, ok, err := s.Load(ctx, handle)
	if err != nil || !ok || !st.IsRunning || st.NextStepAt == nil {
		return
	}

	now := s.now()
	st.KeepaliveAt = &now
	if err := s.save(ctx, st); err != nil {
		s.log.Error().Err(err).Str("handle", handle).Msg("keepalive write failed")
		return
	}

	if st.NextStepAt.Sub(now) > s.opts.KeepaliveInterval {
		s.timers.ScheduleLocal(key, s.opts.KeepaliveInterval, s.onKeepalive)
	}
}

func (s *Stepper) complete(ctx context.Context, st *State) error {
	ev := Event{
		Kind:      EventCompleted,
		JobID:     st.JobID,
		Handle:    st.Handle,
		Steps:     st.CurrentStep,
		Succeeded: st.Succeeded,
	}

	st.IsRunning = false
	st.InFlight = false
	st.NextStepAt = nil
	st.LastPercent = 100
	st.Status = fmt.Sprintf("Completed: %d of %d chapters", st.Succeeded, st.TotalSteps)
	st.Final = &ev

	return s.finish(ctx, st, ev)
}

func (s *Stepper) fail(ctx context.Context, st *State, reason string) error {
	ev := Event{
		Kind:      EventFailed,
		JobID:     st.JobID,
		Handle:    st.Handle,
		Reason:    reason,
		Steps:     st.CurrentStep,
		Succeeded: st.Succeeded,
	}

	st.IsRunning = false
	st.InFlight = false
	st.NextStepAt = nil
	st.LastPercent = st.percent()
	st.Status = "Failed: " + reason
	st.Final = &ev

	return s.finish(ctx, st, ev)
}

func (s *Stepper) finishStopped(ctx context.Context, st *State, reason string) {
	ev := Event{
		Kind:      EventStopped,
		JobID:     st.JobID,
		Handle:    st.Handle,
		Reason:    reason,
		Steps:     st.CurrentStep,
		Succeeded: st.Succeeded,
	}

	st.IsRunning = false
	st.NextStepAt = nil
	st.LastPercent = st.percent()
	st.Status = "Stopped: " + reason
	st.Final = &ev

	if err := s.finish(ctx, st, ev); err != nil {
		s.log.Error().Err(err).Str("handle", st.Handle).Msg("failed to record stop")
	}
}

func (s *Stepper) finish(ctx context.Context, st *State, ev Event) error {
	if err := s.save(ctx, st); err != nil {
		return err
	}

	s.cancelWakes(ctx, st.Handle)
	s.notify(st)
	s.emit(ev)

	return nil
}

func (s *Stepper) cancelWakes(ctx context.Context, handle string) {
	if err := s.timers.Cancel(ctx, wakeKeyPrefix+handle); err != nil {
		s.log.Error().Err(err).Str("handle", handle).Msg("failed to cancel step wake")
	}
	s.timers.CancelLocal(keepaliveKeyPrefix + handle)
}
