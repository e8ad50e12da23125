package cmd

import (
	"fmt"
	"os"

	"github.com/brogergvhs/novelgrab/internal/app"
	"github.com/brogergvhs/novelgrab/internal/config"
	"github.com/brogergvhs/novelgrab/internal/ui"

	"github.com/spf13/cobra"
)

var (
	flagIgnoreConfig bool
	flagDebug        bool
	flagLogFormat    string
	flagStorePath    string
)

var rootCmd = &cobra.Command{
	Use:           "novelgrab",
	Short:         "Fetch web novels chapter by chapter on a polite, resumable schedule",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagIgnoreConfig, "ignore-config", false, "ignore config and use only CLI flags")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log output: console or json")
	rootCmd.PersistentFlags().StringVar(&flagStorePath, "store", "", "folder holding the scheduler state")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "answer yes to every confirmation")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig merges the active profile with the global flags and opts.
func loadConfig(opts config.Options) (*config.Config, string, error) {
	opts.IgnoreConfig = flagIgnoreConfig
	opts.Debug = opts.Debug || flagDebug
	if opts.LogFormat == "" {
		opts.LogFormat = flagLogFormat
	}
	if opts.StorePath == "" {
		opts.StorePath = flagStorePath
	}

	return config.LoadMerged(opts)
}

// openControl opens the state for commands that only change what the next
// run will do.
func openControl() (*app.App, error) {
	cfg, _, err := loadConfig(config.Options{})
	if err != nil {
		return nil, err
	}

	log := ui.NewLoggerWithWriter(cfg.Debug, cfg.LogFormat, os.Stderr)

	return app.Open(cfg, log, app.Options{Dormant: true})
}
