package cmd

import (
	"fmt"

	"github.com/brogergvhs/novelgrab/internal/config"

	"github.com/spf13/cobra"
)

var forceRemove bool

var configRemoveCmd = &cobra.Command{
	Use:   "remove <label>",
	Short: "Remove a config profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]

		active, _ := config.CurrentLabel()
		if label == active && !forceRemove {
			if !confirm(fmt.Sprintf("Config %q is currently active. Remove it anyway", label)) {
				fmt.Println("Aborted.")
				return nil
			}
		}

		switched, err := config.RemoveConfig(label)
		if err != nil {
			return err
		}

		fmt.Printf("Removed configuration %q\n", label)
		if switched {
			fmt.Printf("Active config is now %q\n", config.DefaultLabel)
		}
		return nil
	},
}

func init() {
	configRemoveCmd.Flags().BoolVarP(&forceRemove, "force", "f", false, "do not ask before removing the active config")
	configCmd.AddCommand(configRemoveCmd)
}
