// Package queue admits many jobs onto a fixed pool of runs, keeping at most
// one live job per domain and one live exclusive job overall.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brogergvhs/novelgrab/internal/eventloop"
	"github.com/brogergvhs/novelgrab/internal/stepper"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/timer"
	"github.com/brogergvhs/novelgrab/internal/ui"
)

const (
	stateKey     = "queue:state"
	admitWakeKey = "queue:admit"

	CancelReason = "cancelled by user"
)

var (
	ErrNoActiveQueue = errors.New("no active queue")
	ErrQueueActive   = errors.New("a queue is already active")
	ErrQueueBusy     = errors.New("queue has not finished")
	ErrNotActive     = errors.New("queue is not running")
)

// Runner starts and stops single-job runs.
type Runner interface {
	Start(ctx context.Context, job stepper.JobRef, totalSteps, delaySeconds int, handle string) error
	Stop(ctx context.Context, handle, reason string) error
	Load(ctx context.Context, handle string) (*stepper.State, bool, error)
}

// Host opens and closes the resource a job runs on.
type Host interface {
	Open(ctx context.Context, job Job) (string, error)
	Close(ctx context.Context, handle string) error
	// Handles lists every resource still open.
	Handles(ctx context.Context) ([]string, error)
}

// Classifier maps a job URL to its domain and whether the domain demands
// exclusive execution.
type Classifier func(rawURL string) (domain string, exclusive bool)

type Options struct {
	Chapters     int
	DelaySeconds int
	// Spacing is the pause before a non-exclusive job is admitted after
	// another one finished.
	Spacing time.Duration
	// OnFinished is called once per job that reaches a terminal status.
	OnFinished func(ctx context.Context, f Finished)
}

type SubmitResult struct {
	QueueID   string `json:"queue_id"`
	Immediate int    `json:"immediate"`
	Queued    int    `json:"queued"`
	Total     int    `json:"total"`
}

type Coordinator struct {
	store    store.Store
	timers   *timer.Service
	loop     *eventloop.Loop
	runner   Runner
	host     Host
	classify Classifier
	log      *ui.Logger
	opts     Options

	watchers []func(Snapshot)
}

func New(st store.Store, timers *timer.Service, loop *eventloop.Loop, runner Runner, host Host, classify Classifier, log *ui.Logger, opts Options) *Coordinator {
	if classify == nil {
		classify = func(rawURL string) (string, bool) { return DomainOf(rawURL), false }
	}
	if opts.Chapters < 1 {
		opts.Chapters = 1
	}

	c := &Coordinator{
		store:    st,
		timers:   timers,
		loop:     loop,
		runner:   runner,
		host:     host,
		classify: classify,
		log:      log,
		opts:     opts,
	}
	timers.Handle(admitWakeKey, c.onAdmitWake)

	return c
}

// Subscribe registers fn for a snapshot after every transition.
func (c *Coordinator) Subscribe(fn func(Snapshot)) {
	c.watchers = append(c.watchers, fn)
}

// Submit starts a new epoch with jobs.
func (c *Coordinator) Submit(ctx context.Context, jobs []Job) (SubmitResult, error) {
	if len(jobs) == 0 {
		return SubmitResult{}, errors.New("no jobs to submit")
	}

	st, err := c.load(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if st.IsActive {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrQueueActive, st.QueueID)
	}

	st.QueueID = uuid.NewString()
	st.Queue = nil
	st.Processing = map[string]*InFlight{}
	st.DomainLocks = map[string][]string{}
	st.ExclusiveOwner = ""
	st.IsActive = true
	st.IsPaused = false
	st.IsCompleted = false
	st.StartedAt = c.now()

	res := SubmitResult{QueueID: st.QueueID}
	admitted := c.place(st, jobs, &res)

	c.log.Info().Str("queue_id", st.QueueID).
		Int("immediate", res.Immediate).
		Int("queued", res.Queued).
		Msg("queue submitted")

	return res, c.commit(ctx, st, admitted, nil, nil)
}

// AddToQueue merges jobs into the active epoch.
func (c *Coordinator) AddToQueue(ctx context.Context, jobs []Job) (SubmitResult, error) {
	st, err := c.load(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if !st.IsActive {
		return SubmitResult{}, ErrNoActiveQueue
	}

	res := SubmitResult{QueueID: st.QueueID}
	admitted := c.place(st, jobs, &res)

	c.log.Info().Str("queue_id", st.QueueID).
		Int("immediate", res.Immediate).
		Int("queued", res.Queued).
		Msg("jobs added")

	return res, c.commit(ctx, st, admitted, nil, nil)
}

func (c *Coordinator) Pause(ctx context.Context) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive {
		return ErrNotActive
	}
	if st.IsPaused {
		return nil
	}

	st.IsPaused = true
	if err := c.timers.Cancel(ctx, admitWakeKey); err != nil {
		return err
	}
	if err := c.save(ctx, st); err != nil {
		return err
	}

	c.log.Info().Str("queue_id", st.QueueID).Int("processing", len(st.Processing)).Msg("queue paused")
	c.notify(st)

	return nil
}

func (c *Coordinator) Resume(ctx context.Context) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive {
		return ErrNotActive
	}
	if !st.IsPaused {
		return nil
	}

	st.IsPaused = false
	if len(st.Queue) > 0 {
		if err := c.timers.Schedule(ctx, admitWakeKey, 0); err != nil {
			return err
		}
	}
	if err := c.save(ctx, st); err != nil {
		return err
	}

	c.log.Info().Str("queue_id", st.QueueID).Int("queued", len(st.Queue)).Msg("queue resumed")
	c.notify(st)

	return nil
}

// Cancel stops every live job and marks everything left as cancelled.
func (c *Coordinator) Cancel(ctx context.Context) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive {
		return ErrNoActiveQueue
	}

	if err := c.timers.Cancel(ctx, admitWakeKey); err != nil {
		c.log.Warn().Err(err).Msg("cancel admission wake")
	}

	now := c.now()
	var (
		finished []Finished
		closing  []string
	)

	for _, id := range st.inFlightIDs() {
		p := st.Processing[id]
		chapters := 0
		if p.Handle != "" {
			if rs, ok, err := c.runner.Load(ctx, p.Handle); err == nil && ok {
				chapters = rs.Succeeded
			}
			if err := c.runner.Stop(ctx, p.Handle, CancelReason); err != nil {
				c.log.Warn().Err(err).Str("handle", p.Handle).Msg("stop run")
			}
			closing = append(closing, p.Handle)
		}

		f := Finished{
			Job:        p.Job,
			Status:     StatusCancelled,
			Message:    "Cancelled by user",
			Chapters:   chapters,
			Duration:   now.Sub(startOf(p)),
			FinishedAt: now,
		}
		st.Completed[id] = &f
		finished = append(finished, f)
	}

	for _, j := range st.Queue {
		f := Finished{
			Job:        j,
			Status:     StatusCancelled,
			Message:    "Cancelled before start",
			FinishedAt: now,
		}
		st.Completed[j.ID] = &f
		finished = append(finished, f)
	}

	st.Queue = nil
	st.Processing = map[string]*InFlight{}
	st.DomainLocks = map[string][]string{}
	st.ExclusiveOwner = ""
	st.IsActive = false
	st.IsPaused = false
	st.IsCompleted = true

	if err := c.save(ctx, st); err != nil {
		return err
	}
	c.closeSessions(ctx, closing)

	c.log.Info().Str("queue_id", st.QueueID).Int("cancelled", len(finished)).Msg("queue cancelled")
	c.finished(ctx, finished)
	c.notify(st)

	return nil
}

func (c *Coordinator) Status(ctx context.Context) (Snapshot, error) {
	st, err := c.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	return st.snapshot(), nil
}

// ClearCompleted drops finished records once the epoch is over.
func (c *Coordinator) ClearCompleted(ctx context.Context) error {
	st, err := c.load(ctx)
	if err != nil {
		return err
	}
	if st.IsActive || !st.IsCompleted {
		return ErrQueueBusy
	}

	st.Completed = map[string]*Finished{}
	st.IsCompleted = false
	if err := c.save(ctx, st); err != nil {
		return err
	}

	c.notify(st)

	return nil
}

// StepperFinished retires the job bound to a run that reached a terminal
// state.
func (c *Coordinator) StepperFinished(ctx context.Context, ev stepper.Event) {
	if err := c.onJobFinished(ctx, ev.JobID, outcomeFor(ev)); err != nil {
		c.log.Error().Err(err).Str("job_id", ev.JobID).Msg("retire job")
	}
}

// place classifies jobs and either admits or queues each of them.
func (c *Coordinator) place(st *State, jobs []Job, res *SubmitResult) []string {
	var admitted []string
	now := c.now()

	for _, j := range jobs {
		j = c.normalize(st, j)
		if j.URL == "" || st.holds(j) {
			continue
		}

		res.Total++
		if !st.IsPaused && st.runnable(j) {
			st.admit(j, now)
			admitted = append(admitted, j.ID)
			res.Immediate++
			continue
		}

		st.Queue = append(st.Queue, j)
		res.Queued++
	}

	return admitted
}

func (c *Coordinator) normalize(st *State, j Job) Job {
	j.URL = strings.TrimSpace(j.URL)
	if j.ID == "" {
		j.ID = uuid.NewString()
	} else if _, dup := st.Completed[j.ID]; dup {
		j.ID = j.ID + "-" + uuid.NewString()[:8]
	}

	domain, exclusive := c.classify(j.URL)
	if j.Domain == "" {
		j.Domain = domain
	}
	j.RequiresExclusive = j.RequiresExclusive || exclusive
	if j.Title == "" {
		j.Title = titleFor(j.URL, j.Domain)
	}
	if !st.holds(j) {
		j.Title = st.uniqueTitle(j.Title)
	}
	if j.Chapters <= 0 {
		j.Chapters = c.opts.Chapters
	}

	return j
}

func (c *Coordinator) load(ctx context.Context) (*State, error) {
	var st State
	if _, err := c.store.Load(ctx, stateKey, &st); err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}
	st.init()

	return &st, nil
}

func (c *Coordinator) save(ctx context.Context, st *State) error {
	if err := c.store.Save(ctx, stateKey, st); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}

	return nil
}

func (c *Coordinator) notify(st *State) {
	if len(c.watchers) == 0 {
		return
	}

	snap := st.snapshot()
	for _, fn := range c.watchers {
		fn(snap)
	}
}

func (c *Coordinator) finished(ctx context.Context, fs []Finished) {
	if c.opts.OnFinished == nil {
		return
	}
	for _, f := range fs {
		c.opts.OnFinished(ctx, f)
	}
}

func (c *Coordinator) now() time.Time {
	return c.timers.Clock().Now()
}

func startOf(p *InFlight) time.Time {
	if !p.StartedAt.IsZero() {
		return p.StartedAt
	}

	return p.AdmittedAt
}
