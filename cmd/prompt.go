package cmd

import (
	"github.com/manifoldco/promptui"
)

var flagYes bool

// confirm asks a yes/no question unless --yes was given.
func confirm(label string) bool {
	if flagYes {
		return true
	}

	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}

	_, err := prompt.Run()
	return err == nil
}
