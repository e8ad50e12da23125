package cmd

import (
	"context"
	"fmt"

	"github.com/brogergvhs/novelgrab/internal/app"

	"github.com/spf13/cobra"
)

// controlNote is appended to every command that edits saved state.
const controlNote = `
The state folder is locked while ` + "`novelgrab run`" + ` is active, so this command
fails during a run. Stop the run with Ctrl-C first; the next run applies
the change and resumes where it stopped.`

// control runs fn against the persisted state. The next run acts on it.
func control(fn func(ctx context.Context, a *app.App) error) error {
	a, err := openControl()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	return fn(context.Background(), a)
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop admitting queued stories (stop the run with Ctrl-C first)",
	Long:  "Stop admitting queued stories. Stories already fetching continue.\n" + controlNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(func(ctx context.Context, a *app.App) error {
			if err := a.Queue.Pause(ctx); err != nil {
				return err
			}
			fmt.Println("Queue paused.")
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume admitting queued stories (stop the run with Ctrl-C first)",
	Long:  "Resume admitting queued stories.\n" + controlNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(func(ctx context.Context, a *app.App) error {
			if err := a.Queue.Resume(ctx); err != nil {
				return err
			}
			fmt.Println("Queue resumed. Continue with `novelgrab run`.")
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel every running and queued story (stop the run with Ctrl-C first)",
	Long:  "Cancel every running and queued story. Chapters already saved are kept.\n" + controlNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm("Cancel the whole queue") {
			fmt.Println("Aborted.")
			return nil
		}

		return control(func(ctx context.Context, a *app.App) error {
			if err := a.Queue.Cancel(ctx); err != nil {
				return err
			}
			fmt.Println("Queue cancelled.")
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget finished stories",
	Long:  "Forget finished stories. Only allowed once the queue has finished.\n" + controlNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(func(ctx context.Context, a *app.App) error {
			if err := a.Queue.ClearCompleted(ctx); err != nil {
				return err
			}
			fmt.Println("Finished stories cleared.")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd, clearCmd)
}
