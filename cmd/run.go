package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brogergvhs/novelgrab/internal/app"
	"github.com/brogergvhs/novelgrab/internal/config"
	"github.com/brogergvhs/novelgrab/internal/queue"
	"github.com/brogergvhs/novelgrab/internal/stepper"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/brogergvhs/novelgrab/internal/util"

	"github.com/spf13/cobra"
)

var (
	flagURLs       []string
	flagFile       string
	flagTitle      string
	flagChapters   int
	flagDelay      int
	flagSpacing    int
	flagOutput     string
	flagBundle     bool
	flagCookie     string
	flagCookieFile string
	flagUserAgent  string
	flagRPS        float64
	flagNoProgress bool
)

var runCmd = &cobra.Command{
	Use:   "run [url...]",
	Short: "Queue stories and fetch until the queue is done",
	Long: `Queue the given stories, resume whatever a previous run left behind,
and keep fetching until every job has finished or the queue is paused.

Interrupt with Ctrl+C at any time; the next run picks up where this one stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(config.Options{
			Output:            flagOutput,
			Chapters:          flagChapters,
			DelaySeconds:      flagDelay,
			JobSpacingSeconds: flagSpacing,
			RequestsPerSecond: flagRPS,
			Bundle:            flagBundle,
			Cookie:            flagCookie,
			CookieFile:        flagCookieFile,
			UserAgent:         flagUserAgent,
		})
		if err != nil {
			return err
		}

		jobs, err := collectJobs(args)
		if err != nil {
			return err
		}

		log := ui.NewLoggerWithWriter(cfg.Debug, cfg.LogFormat, os.Stderr)
		log.Debugf("output=%s store=%s delay=%ds spacing=%ds", cfg.Output, cfg.StorePath, cfg.DelaySeconds, cfg.JobSpacingSeconds)

		a, err := app.Open(cfg, log, app.Options{})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Errorf("closing state: %v", err)
			}
		}()

		ctx, cancel := util.InterruptContext(context.Background())
		defer cancel()

		var stats ui.Stats
		var board *ui.Board
		if !flagNoProgress && !flagDebug && cfg.LogFormat != "json" {
			board = ui.NewBoard(os.Stderr)
			a.Stepper.Subscribe(func(p stepper.Progress) {
				board.Update(p.JobID, p.Title, p.CurrentStep, p.TotalSteps)
			})
		}

		a.OnFinished(func(_ context.Context, f queue.Finished) {
			stats.Jobs.Add(1)
			stats.Chapters.Add(int64(f.Chapters))
			switch f.Status {
			case queue.StatusSuccess:
				stats.Succeeded.Add(1)
			case queue.StatusFailed:
				stats.Failed.Add(1)
			}

			if board != nil {
				board.Finish(f.Job.ID, f.Status.Label())
			}
			log.Info().Str("job_id", f.Job.ID).Str("title", f.Job.Title).Str("status", string(f.Status)).
				Int("chapters", f.Chapters).Msg(f.Message)
		})

		if len(jobs) > 0 {
			res, err := a.Enqueue(ctx, jobs)
			if err != nil {
				return err
			}
			log.Info().Str("queue_id", res.QueueID).Int("started", res.Immediate).Int("queued", res.Queued).
				Msg("jobs accepted")
		}

		if err := a.Recover(ctx); err != nil {
			return err
		}

		start := time.Now()
		err = a.Run(ctx)
		if board != nil {
			board.Close()
		}

		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted. Run `novelgrab run` again to resume.")
			err = nil
		}

		if stats.Jobs.Load() > 0 {
			stats.Print(os.Stdout, time.Since(start))
		} else if len(jobs) == 0 {
			fmt.Println("Nothing to do.")
		}

		return err
	},
}

// collectJobs gathers jobs from positional URLs, --url and --file.
func collectJobs(args []string) ([]queue.Job, error) {
	urls := append(append([]string{}, args...), flagURLs...)
	jobs := app.JobsFromURLs(urls, flagTitle, flagChapters)

	if flagFile != "" {
		fromFile, err := app.LoadStories(flagFile)
		if err != nil {
			return nil, err
		}
		for i := range fromFile {
			if fromFile[i].Chapters == 0 {
				fromFile[i].Chapters = flagChapters
			}
		}
		jobs = append(jobs, fromFile...)
	}

	return jobs, nil
}

func addJobFlags(c *cobra.Command) {
	c.Flags().StringSliceVarP(&flagURLs, "url", "u", nil, "story start URL (repeatable)")
	c.Flags().StringVarP(&flagFile, "file", "f", "", "YAML file listing stories")
	c.Flags().StringVarP(&flagTitle, "title", "t", "", "story title for the given URLs")
	c.Flags().IntVarP(&flagChapters, "chapters", "n", 0, "chapters to fetch per story")
}

func init() {
	addJobFlags(runCmd)
	runCmd.Flags().IntVar(&flagDelay, "delay", 0, "seconds between chapters")
	runCmd.Flags().IntVar(&flagSpacing, "spacing", 0, "seconds between admitting queued stories")
	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output folder")
	runCmd.Flags().BoolVar(&flagBundle, "bundle", false, "zip each finished story")
	runCmd.Flags().StringVar(&flagCookie, "cookie", "", "cookie header sent with every request")
	runCmd.Flags().StringVar(&flagCookieFile, "cookie-file", "", "file holding the cookie header")
	runCmd.Flags().StringVar(&flagUserAgent, "user-agent", "", "user agent override")
	runCmd.Flags().Float64Var(&flagRPS, "rps", 0, "max requests per second per site")
	runCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "hide progress bars")

	rootCmd.AddCommand(runCmd)
}
