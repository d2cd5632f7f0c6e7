// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-watch/internal/config"
	"github.com/bonial-oss/epss-watch/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Process exit codes.
const (
	ExitDeliveryFailed = 1
	ExitFailure        = 2
	ExitInvalidConfig  = 3
	ExitLocked         = 4
)

// ExitError signals a non-zero exit code with an optional message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// globalOptions holds the persistent flags shared by all subcommands.
type globalOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the root cobra command with all subcommands.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:     "epss-watch",
		Short:   "Track EPSS score changes and notify on new or rising high-risk CVEs",
		Version: Version,
		Long: `epss-watch reads the daily EPSS feed, looks up each high-risk CVE in NVD,
and compares its score with the value stored by the previous run. CVEs that
appear for the first time, or whose score rose by at least the configured
relative threshold, are sent to a webhook.

Usage:
  epss-watch run --config epss-watch.yaml
  epss-watch run --feed-file epss_scores-2024-06-01.csv.gz --dry-run
  epss-watch history --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.ConfigFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&g.EnvFile, "env-file", ".env", "Path to a .env file with secrets (ignored if missing)")
	pf.StringVar(&g.LogLevel, "log-level", "", "Override log level: debug, info, warn, error")
	pf.StringVar(&g.LogFormat, "log-format", "", "Override log format: text, json")

	cmd.AddCommand(newRunCommand(g), newHistoryCommand(g), newVersionCommand())

	return cmd
}

// setup loads the configuration, applies flag overrides, validates the
// result and builds the logger. Configuration problems become exit code 3.
func (g *globalOptions) setup(logOut io.Writer, override func(*config.Config)) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(g.ConfigFile, g.EnvFile)
	if err != nil {
		return nil, nil, &ExitError{Code: ExitInvalidConfig, Message: err.Error()}
	}

	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, &ExitError{Code: ExitInvalidConfig, Message: err.Error()}
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, nil, &ExitError{Code: ExitInvalidConfig, Message: err.Error()}
	}
	return cfg, log, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
