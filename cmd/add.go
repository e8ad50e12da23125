package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add [url...]",
	Short: "Queue stories for the next run without fetching",
	Long:  "Queue stories for the next run without fetching.\n" + controlNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := collectJobs(args)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return fmt.Errorf("no stories given, pass URLs or --file")
		}

		a, err := openControl()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.Enqueue(context.Background(), jobs)
		if err != nil {
			return err
		}

		fmt.Printf("Queue %s: %d ready to start, %d waiting (%d total)\n", res.QueueID, res.Immediate, res.Queued, res.Total)
		fmt.Println("Start fetching with `novelgrab run`.")
		return nil
	},
}

func init() {
	addJobFlags(addCmd)
	rootCmd.AddCommand(addCmd)
}
