package cmd

import (
	"errors"
	"fmt"

	"github.com/brogergvhs/novelgrab/internal/config"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var configSwitchCmd = &cobra.Command{
	Use:   "switch [label]",
	Short: "Switch to a different config profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := ""
		if len(args) == 1 {
			label = args[0]
		} else {
			picked, err := pickConfig()
			if err != nil {
				return err
			}
			label = picked
		}

		if err := config.SwitchConfig(label); err != nil {
			return err
		}

		fmt.Println("Switched to:", label)
		return nil
	},
}

// pickConfig lets the user choose a profile, starting on the active one.
func pickConfig() (string, error) {
	list, err := config.ListConfigs()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.New("no configs available, run `novelgrab config init`")
	}

	cursor := 0
	for i, c := range list {
		if c.Active {
			cursor = i
		}
	}

	prompt := promptui.Select{
		Label:     "Select config",
		Items:     list,
		CursorPos: cursor,
		Templates: &promptui.SelectTemplates{
			Active:   `> {{ .Label | cyan }}{{ if .Active }} (active){{ end }}`,
			Inactive: `  {{ .Label }}{{ if .Active }} (active){{ end }}`,
			Selected: `{{ .Label }}`,
		},
	}

	idx, _, err := prompt.Run()
	if err != nil {
		return "", errors.New("selection cancelled")
	}

	return list[idx].Label, nil
}

func init() {
	configCmd.AddCommand(configSwitchCmd)
}
