package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/logging"
)

// errRunFailed marks a run whose scenario failed; the summary already said why
var errRunFailed = errors.New("run failed")

// NewRootCmd creates the root command. Without a subcommand it behaves like run.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   config.AppName,
		Short: "Headless browser smoke checks for the atlas UI",
		Long: `atlasprobe drives a headless Chromium through UI smoke scenarios.

With no subcommand it runs the built-in timeline-alignment scenario against
http://localhost:8000 and writes verify_alignment.png. Settings come from
flags, ATLASPROBE_* environment variables and .atlasprobe.yaml, in that order
of precedence.`,
		Version:       getVersion(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRunCmd,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default: .atlasprobe.yaml in the current or home directory)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Shorthand for --log-level debug")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	cmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			color.NoColor = true
		}
	}

	addRunFlags(cmd)

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// loadConfig builds the configuration for cmd: defaults, file, environment,
// then every flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// applyFlags copies explicitly set flags onto cfg
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error

	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}
	integer := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}

	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)

	str("base-url", &cfg.BaseURL)
	str("output", &cfg.Output)
	str("chrome-bin", &cfg.ChromeBin)
	boolean("headless", &cfg.Headless)
	boolean("auto-install", &cfg.AutoInstall)
	boolean("full-page", &cfg.FullPage)
	boolean("history", &cfg.RecordHistory)
	boolean("no-history", &cfg.NoHistory)
	str("history-dir", &cfg.HistoryDir)
	integer("concurrency", &cfg.Concurrency)
	integer("viewport-width", &cfg.ViewportWidth)
	integer("viewport-height", &cfg.ViewportHeight)

	if err == nil && flags.Changed("load-timeout") {
		cfg.LoadTimeout, err = flags.GetDuration("load-timeout")
	}
	if err == nil && flags.Changed("step-timeout") {
		cfg.StepTimeout, err = flags.GetDuration("step-timeout")
	}
	if err == nil && flags.Changed("scenario") {
		cfg.ScenarioFiles, err = flags.GetStringArray("scenario")
	}

	str("host", &cfg.Host)
	integer("port", &cfg.Port)
	str("output-dir", &cfg.OutputDir)
	str("nats-url", &cfg.NatsURL)

	return err
}

// setupLogger builds the logger for cfg writing to cmd's stderr
func setupLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
}
