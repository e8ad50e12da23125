package queue

import (
	"context"
	"fmt"

	"github.com/brogergvhs/novelgrab/internal/stepper"
)

// Outcome is the terminal result of one job.
type Outcome struct {
	Status   Status
	Message  string
	Chapters int
}

func outcomeFor(ev stepper.Event) Outcome {
	out := Outcome{Chapters: ev.Succeeded, Message: ev.Reason}

	switch ev.Kind {
	case stepper.EventCompleted:
		if ev.Succeeded > 0 {
			out.Status = StatusSuccess
			out.Message = fmt.Sprintf("Fetched %d of %d chapters", ev.Succeeded, ev.Steps)
		} else {
			out.Status = StatusNoContent
			out.Message = "No chapters fetched"
		}
	case stepper.EventStopped:
		switch {
		case ev.Reason == CancelReason:
			out.Status = StatusCancelled
		case ev.Succeeded > 0:
			out.Status = StatusSuccess
		default:
			out.Status = StatusNoContent
		}
	default:
		out.Status = StatusFailed
	}

	return out
}

func (c *Coordinator) dispatchLater(ids []string) {
	for _, id := range ids {
		id := id
		c.loop.Post(func(ctx context.Context) {
			if err := c.dispatch(ctx, id); err != nil {
				c.log.Error().Err(err).Str("job_id", id).Msg("dispatch failed")
			}
		})
	}
}

// dispatch opens a session for an admitted job and starts its run.
func (c *Coordinator) dispatch(ctx context.Context, id string) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}

	p := st.Processing[id]
	if p == nil || p.Handle != "" {
		return nil
	}

	handle, err := c.host.Open(ctx, p.Job)
	if err != nil {
		return c.onJobFinished(ctx, id, Outcome{Status: StatusFailed, Message: "failed to start: " + err.Error()})
	}

	p.Handle = handle
	p.StartedAt = c.now()
	if err := c.save(ctx, st); err != nil {
		return err
	}
	c.notify(st)

	c.log.Info().
		Str("job_id", id).
		Str("domain", p.Job.Domain).
		Str("handle", handle).
		Msg("job dispatched")

	ref := stepper.JobRef{ID: p.Job.ID, Title: p.Job.Title}
	if err := c.runner.Start(ctx, ref, p.Job.Chapters, c.opts.DelaySeconds, handle); err != nil {
		return c.onJobFinished(ctx, id, Outcome{Status: StatusFailed, Message: "failed to start: " + err.Error()})
	}

	return nil
}

// onJobFinished moves a processing job to completed and lets the queue move
// on. Unknown ids are ignored so late events are harmless.
func (c *Coordinator) onJobFinished(ctx context.Context, id string, out Outcome) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}

	f, handle, ok := c.retire(st, id, out)
	if !ok {
		return nil
	}

	return c.commit(ctx, st, nil, []Finished{f}, []string{handle})
}

// retire moves a processing job to completed in st. The returned session
// handle must only be closed once st is saved: closing it drops the run's
// final record, which recovery needs while the job is still processing.
func (c *Coordinator) retire(st *State, id string, out Outcome) (Finished, string, bool) {
	p := st.Processing[id]
	if p == nil {
		return Finished{}, "", false
	}

	st.release(p.Job)
	delete(st.Processing, id)

	now := c.now()
	f := Finished{
		Job:        p.Job,
		Status:     out.Status,
		Message:    out.Message,
		Chapters:   out.Chapters,
		Duration:   now.Sub(startOf(p)),
		FinishedAt: now,
	}
	st.Completed[id] = &f

	c.log.Info().
		Str("job_id", id).
		Str("status", string(f.Status)).
		Str("message", f.Message).
		Dur("duration", f.Duration).
		Msg("job finished")

	return f, p.Handle, true
}

// commit closes the epoch when nothing is left, otherwise admits what can
// run, then persists the state, closes the sessions of retired jobs and
// publishes.
func (c *Coordinator) commit(ctx context.Context, st *State, admitted []string, finished []Finished, closing []string) error {
	if st.IsActive {
		if len(st.Queue) == 0 && len(st.Processing) == 0 {
			st.IsActive = false
			st.IsPaused = false
			st.IsCompleted = true
			if err := c.timers.Cancel(ctx, admitWakeKey); err != nil {
				c.log.Warn().Err(err).Msg("cancel admission wake")
			}
			c.log.Info().Str("queue_id", st.QueueID).Int("completed", len(st.Completed)).Msg("queue finished")
		} else {
			more, err := c.pump(ctx, st)
			if err != nil {
				c.log.Error().Err(err).Str("queue_id", st.QueueID).Msg("schedule admission")
			}
			admitted = append(admitted, more...)
		}
	}

	if err := c.save(ctx, st); err != nil {
		return err
	}

	c.closeSessions(ctx, closing)
	c.finished(ctx, finished)
	c.notify(st)
	c.dispatchLater(admitted)

	return nil
}

// pump admits queued exclusive jobs at once and arms the spacing wake for the
// first runnable non-exclusive one.
func (c *Coordinator) pump(ctx context.Context, st *State) ([]string, error) {
	if !st.IsActive || st.IsPaused {
		return nil, nil
	}

	var admitted []string
	for {
		i, ok := st.nextRunnable()
		if !ok {
			return admitted, nil
		}

		if st.Queue[i].RequiresExclusive {
			j := st.take(i)
			st.admit(j, c.now())
			admitted = append(admitted, j.ID)
			continue
		}

		_, pending, err := c.timers.Pending(ctx, admitWakeKey)
		if err != nil || pending {
			return admitted, err
		}

		return admitted, c.timers.Schedule(ctx, admitWakeKey, c.opts.Spacing)
	}
}

func (c *Coordinator) onAdmitWake(ctx context.Context, _ string) {
	st, err := c.load(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("admission wake")
		return
	}
	if !st.IsActive || st.IsPaused {
		return
	}

	var admitted []string
	if i, ok := st.nextRunnable(); ok {
		j := st.take(i)
		st.admit(j, c.now())
		admitted = append(admitted, j.ID)
	}

	if err := c.commit(ctx, st, admitted, nil, nil); err != nil {
		c.log.Error().Err(err).Msg("admission wake")
	}
}

// Recover picks up an epoch left behind by a previous process. Durable wakes
// must already be restored so pending admissions are not armed twice.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	st, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	if !st.IsActive {
		c.closeOrphans(ctx, st)
		return 0, nil
	}

	var (
		undispatched []string
		restart      []*InFlight
		finished     []Finished
		closing      []string
	)

	for _, id := range st.inFlightIDs() {
		p := st.Processing[id]
		if p.Handle == "" {
			undispatched = append(undispatched, id)
			continue
		}

		rs, ok, err := c.runner.Load(ctx, p.Handle)
		if err != nil {
			return 0, err
		}

		switch {
		case !ok:
			restart = append(restart, p)
		case !rs.IsRunning:
			out := Outcome{Status: StatusFailed, Message: "run ended without outcome", Chapters: rs.Succeeded}
			if rs.Final != nil {
				out = outcomeFor(*rs.Final)
			}
			if f, handle, ok := c.retire(st, id, out); ok {
				finished = append(finished, f)
				closing = append(closing, handle)
			}
		}
	}

	if err := c.commit(ctx, st, undispatched, finished, closing); err != nil {
		return 0, err
	}
	c.closeOrphans(ctx, st)

	// Killed between opening the session and starting the run.
	for _, p := range restart {
		p := *p
		c.loop.Post(func(ctx context.Context) {
			ref := stepper.JobRef{ID: p.Job.ID, Title: p.Job.Title}
			if err := c.runner.Start(ctx, ref, p.Job.Chapters, c.opts.DelaySeconds, p.Handle); err != nil {
				if err := c.onJobFinished(ctx, p.Job.ID, Outcome{Status: StatusFailed, Message: "failed to start: " + err.Error()}); err != nil {
					c.log.Error().Err(err).Str("job_id", p.Job.ID).Msg("retire job")
				}
			}
		})
	}

	c.log.Info().
		Str("queue_id", st.QueueID).
		Int("processing", len(st.Processing)).
		Int("queued", len(st.Queue)).
		Bool("paused", st.IsPaused).
		Msg("queue recovered")

	return len(st.Processing), nil
}

func (c *Coordinator) closeSessions(ctx context.Context, handles []string) {
	for _, h := range handles {
		if h == "" {
			continue
		}
		if err := c.host.Close(ctx, h); err != nil {
			c.log.Warn().Err(err).Str("handle", h).Msg("close session")
		}
	}
}

// closeOrphans closes sessions no processing job owns. They are left when the
// process dies between saving a retirement and closing the session.
func (c *Coordinator) closeOrphans(ctx context.Context, st *State) {
	handles, err := c.host.Handles(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("list sessions")
		return
	}

	owned := map[string]bool{}
	for _, p := range st.Processing {
		owned[p.Handle] = true
	}

	var orphans []string
	for _, h := range handles {
		if !owned[h] {
			orphans = append(orphans, h)
		}
	}
	if len(orphans) > 0 {
		c.log.Info().Int("sessions", len(orphans)).Msg("closing orphaned sessions")
	}
	c.closeSessions(ctx, orphans)
}
