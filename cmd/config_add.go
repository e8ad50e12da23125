package cmd

import (
	"fmt"
	"strings"

	"github.com/brogergvhs/novelgrab/internal/config"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var configAddFrom string

var configAddCmd = &cobra.Command{
	Use:   "add [label]",
	Short: "Create a new config profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var label string
		if len(args) == 1 {
			label = args[0]
		} else {
			prompt := promptui.Prompt{
				Label: "Label for new config",
				Validate: func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("label cannot be empty")
					}
					return nil
				},
			}

			var err error
			label, err = prompt.Run()
			if err != nil {
				return fmt.Errorf("input cancelled")
			}
		}
		label = strings.TrimSpace(label)

		if configAddFrom != "" {
			if err := config.AddConfig(label, configAddFrom); err != nil {
				return err
			}
			fmt.Printf("Imported %s as config %q\n", configAddFrom, label)
			return nil
		}

		path, err := config.CreateEmptyConfig(label)
		if err != nil {
			return err
		}

		fmt.Printf("Created new config: %s\n", path)
		return nil
	},
}

func init() {
	configAddCmd.Flags().StringVar(&configAddFrom, "from", "", "import an existing YAML file instead of the defaults")
	configCmd.AddCommand(configAddCmd)
}
