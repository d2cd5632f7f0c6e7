// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-watch/internal/config"
	"github.com/bonial-oss/epss-watch/internal/output"
)

type historyOptions struct {
	Format      string
	SortBy      string
	Backend     string
	HistoryPath string
}

func newHistoryCommand(g *globalOptions) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored score history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, g, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Format, "format", "table", "Output format: table, json")
	flags.StringVar(&opts.SortBy, "sort-by", "", "Sort table by: score, cve (default stored order)")
	flags.StringVar(&opts.Backend, "backend", "", "History backend: file, sqlite, s3")
	flags.StringVar(&opts.HistoryPath, "history-path", "", "History file or database path")

	return cmd
}

func runHistory(cmd *cobra.Command, g *globalOptions, opts *historyOptions) error {
	if opts.Format != "table" && opts.Format != "json" {
		return &ExitError{Code: ExitInvalidConfig, Message: fmt.Sprintf("unsupported output format: %s", opts.Format)}
	}

	cfg, _, err := g.setup(cmd.ErrOrStderr(), func(c *config.Config) {
		if cmd.Flags().Changed("backend") {
			c.History.Backend = opts.Backend
		}
		if cmd.Flags().Changed("history-path") {
			c.History.Path = opts.HistoryPath
		}
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer func() { _ = closeStore() }()

	snapshot, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return output.WriteSnapshotJSON(w, snapshot)
	}
	return output.WriteSnapshotTable(w, fmt.Sprintf("History (%s)", cfg.History.Backend), snapshot, output.TableConfig{
		SortBy:     opts.SortBy,
		IsTerminal: output.IsOutputToTerminal(w),
	})
}
