package cmd

import (
	"fmt"

	"github.com/brogergvhs/novelgrab/internal/config"

	"github.com/spf13/cobra"
)

var configRenameCmd = &cobra.Command{
	Use:   "rename [old_label] <new_label>",
	Short: "Rename a config; with one argument the active one is renamed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		newLabel := args[len(args)-1]

		oldLabel := ""
		if len(args) == 2 {
			oldLabel = args[0]
		} else {
			active, err := config.CurrentLabel()
			if err != nil {
				return fmt.Errorf("no active config to rename: %w", err)
			}
			oldLabel = active
		}

		if err := config.RenameConfig(oldLabel, newLabel); err != nil {
			return err
		}

		fmt.Printf("Renamed config %q to %q\n", oldLabel, newLabel)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configRenameCmd)
}
