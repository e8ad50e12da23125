package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/brogergvhs/novelgrab/internal/config"

	"github.com/spf13/cobra"
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the Default config and make it active",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Default configuration:")
		config.DefaultConfig().Print()
		fmt.Println()

		if !confirm(fmt.Sprintf("Create Default config in %s", config.ConfigsDir())) {
			fmt.Println("Aborted.")
			return nil
		}

		path, err := config.InitDefaultConfig()
		if errors.Is(err, os.ErrExist) {
			fmt.Println("Configuration already exists at:")
			fmt.Println("  ", path)
			fmt.Println("Use `novelgrab config reset` to recreate it.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Println("Config created at:", path)
		fmt.Println("This config is now active (label: Default).")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
