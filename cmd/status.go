package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/brogergvhs/novelgrab/internal/util"

	"github.com/spf13/cobra"
)

var flagStatusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue and the progress of every job",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openControl()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx := context.Background()
		snap, err := a.Queue.Status(ctx)
		if err != nil {
			return err
		}

		if flagStatusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		state := "idle"
		switch {
		case snap.IsActive && snap.IsPaused:
			state = "paused"
		case snap.IsActive:
			state = "active"
		case snap.IsCompleted:
			state = "completed"
		}
		fmt.Printf("Queue %s: %s\n", snap.QueueID, state)
		fmt.Printf("total %d, processing %d, queued %d, success %d, failed %d, no success %d, cancelled %d\n\n",
			snap.Stats.Total, snap.Stats.Processing, snap.Stats.Queued, snap.Stats.Successful,
			snap.Stats.Failed, snap.Stats.NoContent, snap.Stats.Cancelled)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(w, "STATUS\tTITLE\tDOMAIN\tPROGRESS\tDETAIL")

		for _, p := range snap.Processing {
			progress := "starting"
			detail := ""
			if p.Handle != "" {
				s, err := a.Stepper.Status(ctx, p.Handle)
				if err == nil {
					progress = s.Progress
					detail = s.Status
				}
			}
			_, _ = fmt.Fprintf(w, "Processing\t%s\t%s\t%s\t%s\n", p.Job.Title, p.Job.Domain, progress, detail)
		}
		for _, j := range snap.Queue {
			_, _ = fmt.Fprintf(w, "Queued\t%s\t%s\t-\t%s\n", j.Title, j.Domain, j.URL)
		}
		for _, f := range snap.Completed {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d chapters\t%s (%s)\n", f.Status.Label(), f.Job.Title, f.Job.Domain,
				f.Chapters, f.Message, util.HumanDuration(f.Duration))
		}

		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "print the raw snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
