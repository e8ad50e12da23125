// Package app wires the scheduler together for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/brogergvhs/novelgrab/internal/chapters"
	"github.com/brogergvhs/novelgrab/internal/config"
	"github.com/brogergvhs/novelgrab/internal/eventloop"
	"github.com/brogergvhs/novelgrab/internal/queue"
	"github.com/brogergvhs/novelgrab/internal/session"
	"github.com/brogergvhs/novelgrab/internal/stepper"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/timer"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/brogergvhs/novelgrab/internal/util"
	"github.com/brogergvhs/novelgrab/internal/walker"
)

type Options struct {
	// Dormant apps change persisted state only. Timers are recorded but
	// never fire and nothing is fetched until the next run.
	Dormant bool
	Clock   timer.Clock
	Store   store.Store
	Client  walker.ClientFactory
}

type App struct {
	Config   *config.Config
	Log      *ui.Logger
	Store    store.Store
	Loop     *eventloop.Loop
	Timers   *timer.Service
	Sessions *session.Manager
	Walker   *walker.Walker
	Stepper  *stepper.Stepper
	Queue    *queue.Coordinator

	hooks []func(ctx context.Context, f queue.Finished)
}

func Open(cfg *config.Config, log *ui.Logger, opts Options) (*App, error) {
	st := opts.Store
	if st == nil {
		if err := os.MkdirAll(cfg.StorePath, 0755); err != nil {
			return nil, fmt.Errorf("cannot create state folder: %w", err)
		}

		b, err := store.OpenBadger(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open state at %s (is another run active?): %w", cfg.StorePath, err)
		}
		st = b
	}

	clock := opts.Clock
	if clock == nil {
		clock = timer.RealClock()
	}

	newClient := opts.Client
	if newClient == nil {
		newClient = httpClients(cfg, log)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Store:  st,
		Loop:   eventloop.New(),
	}

	a.Timers = timer.NewService(st, a.Loop, clock, log, timer.Options{Dormant: opts.Dormant})
	a.Sessions = session.NewManager(st, log, clock.Now)
	a.Walker = walker.New(a.Sessions, cfg, newClient, log, walker.Options{
		Output:            cfg.Output,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	a.Stepper = stepper.New(st, a.Timers, a.Loop, a.Walker, a.Sessions, log, stepper.Options{
		LongDelayThreshold:   cfg.LongDelay(),
		KeepaliveInterval:    cfg.Keepalive(),
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	})
	a.Queue = queue.New(st, a.Timers, a.Loop, a.Stepper, sessionHost{a.Sessions}, cfg.Classify, log, queue.Options{
		Chapters:     cfg.Chapters,
		DelaySeconds: cfg.DelaySeconds,
		Spacing:      cfg.JobSpacing(),
		OnFinished:   a.finished,
	})

	a.Sessions.OnRelease(a.Stepper.OnResourceReleased)
	a.Stepper.SetListener(a.Queue)

	return a, nil
}

// OnFinished registers fn for every job that reaches a terminal status.
func (a *App) OnFinished(fn func(ctx context.Context, f queue.Finished)) {
	a.hooks = append(a.hooks, fn)
}

func (a *App) finished(ctx context.Context, f queue.Finished) {
	if a.Config.Bundle && f.Chapters > 0 {
		if path, err := chapters.Bundle(a.Config.Output, f.Job.Title); err != nil {
			a.Log.Warn().Err(err).Str("job_id", f.Job.ID).Msg("bundle failed")
		} else {
			size := ""
			if info, err := os.Stat(path); err == nil {
				size = util.Human(info.Size())
			}
			a.Log.Info().Str("job_id", f.Job.ID).Str("file", path).Str("size", size).Msg("bundle written")
		}
	}

	for _, fn := range a.hooks {
		fn(ctx, f)
	}
}

// Recover re-arms persisted wakes and resumes runs and the queue epoch left
// by a previous process.
func (a *App) Recover(ctx context.Context) error {
	wakes, err := a.Timers.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore wakes: %w", err)
	}

	runs, err := a.Stepper.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	jobs, err := a.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	if wakes+runs+jobs > 0 {
		a.Log.Info().Int("wakes", wakes).Int("runs", runs).Int("jobs", jobs).Msg("resumed previous state")
	}

	return nil
}

// Enqueue starts a new epoch or adds to the active one.
func (a *App) Enqueue(ctx context.Context, jobs []queue.Job) (queue.SubmitResult, error) {
	res, err := a.Queue.AddToQueue(ctx, jobs)
	if errors.Is(err, queue.ErrNoActiveQueue) {
		return a.Queue.Submit(ctx, jobs)
	}

	return res, err
}

// Run processes the loop until the epoch is over, the queue is paused with
// nothing in flight, or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	snap, err := a.Queue.Status(ctx)
	if err != nil {
		return err
	}
	if idle(snap) {
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	a.Queue.Subscribe(func(s queue.Snapshot) {
		if idle(s) {
			stop()
		}
	})

	err = a.Loop.Run(runCtx)
	if ctx.Err() == nil && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func idle(s queue.Snapshot) bool {
	return !s.IsActive || (s.IsPaused && len(s.Processing) == 0)
}

// Close waits briefly for steps still running off the loop, then closes the
// store. Their results are dropped and the steps run again on recovery.
func (a *App) Close() error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, inflight := a.Loop.Pending(); inflight == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	return a.Store.Close()
}

type sessionHost struct {
	sessions *session.Manager
}

func (h sessionHost) Open(ctx context.Context, job queue.Job) (string, error) {
	return h.sessions.Open(ctx, session.Spec{
		JobID:     job.ID,
		Title:     job.Title,
		URL:       job.URL,
		Domain:    job.Domain,
		Exclusive: job.RequiresExclusive,
	})
}

func (h sessionHost) Close(ctx context.Context, handle string) error {
	return h.sessions.Close(ctx, handle)
}

func (h sessionHost) Handles(ctx context.Context) ([]string, error) {
	list, err := h.sessions.List(ctx)
	if err != nil {
		return nil, err
	}

	handles := make([]string, 0, len(list))
	for _, s := range list {
		handles = append(handles, s.Handle)
	}
	return handles, nil
}

func httpClients(cfg *config.Config, log *ui.Logger) walker.ClientFactory {
	return func(rule config.SiteRule) (*http.Client, error) {
		return util.NewHTTPClient(util.HTTPClientOptions{
			Timeout:     30 * time.Second,
			UserAgent:   util.PickUserAgent(cfg.UserAgent),
			Cookie:      cfg.Cookie,
			CookieFile:  cfg.CookieFile,
			Bypass:      rule.Bypass,
			DebugLogger: log,
		})
	}
}
