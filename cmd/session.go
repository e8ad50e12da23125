package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brogergvhs/novelgrab/internal/app"
	"github.com/brogergvhs/novelgrab/internal/util"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or close open fetch sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(func(ctx context.Context, a *app.App) error {
			list, err := a.Sessions.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			_, _ = fmt.Fprintln(w, "HANDLE\tTITLE\tCHAPTERS\tOPEN FOR\tNEXT")
			for _, s := range list {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.Handle, s.Title, len(s.Files),
					util.HumanDuration(time.Since(s.OpenedAt)), s.URL)
			}
			return w.Flush()
		})
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <handle>",
	Short: "Close a session; its job stops as no longer available",
	Long:  "Close a session. Its job is retired as failed on the next run.\n" + controlNote,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(func(ctx context.Context, a *app.App) error {
			if err := a.Sessions.Close(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Closed session %s\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionCloseCmd)
	rootCmd.AddCommand(sessionCmd)
}
