// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-watch/internal/config"
	"github.com/bonial-oss/epss-watch/internal/datasource/epss"
	"github.com/bonial-oss/epss-watch/internal/datasource/kev"
	"github.com/bonial-oss/epss-watch/internal/datasource/nvd"
	"github.com/bonial-oss/epss-watch/internal/history"
	"github.com/bonial-oss/epss-watch/internal/httpclient"
	"github.com/bonial-oss/epss-watch/internal/notify"
	"github.com/bonial-oss/epss-watch/internal/output"
	"github.com/bonial-oss/epss-watch/internal/runner"
)

// runOptions holds the run command flags. Policy flags only override the
// config file when set explicitly.
type runOptions struct {
	FeedFile            string
	DryRun              bool
	NoSave              bool
	Format              string
	Output              string
	SortBy              string
	FailOnDeliveryError bool

	MinScore          float64
	BatchSize         int
	IncreaseThreshold float64
	RequestDelay      time.Duration
	NoCarryForward    bool
	SkipUpdate        bool
	NoKEV             bool
	Backend           string
	HistoryPath       string
}

func newRunCommand(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the current EPSS feed against history and send notifications",
		Long: `run downloads (or reads) the EPSS feed, keeps CVEs scoring above the
minimum, fetches each from NVD, and notifies about CVEs that are new since the
last run or whose score rose by at least the increase threshold. The first run
against empty history only records scores.

Use --feed-file - to read the feed from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, g, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.FeedFile, "feed-file", "", "Read the EPSS feed (CSV, JSON, optionally gzipped) from a file or - for stdin")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "Log notifications instead of posting them to the webhook")
	flags.BoolVar(&opts.NoSave, "no-save", false, "Do not persist the new history snapshot")
	flags.StringVar(&opts.Format, "format", "table", "Output format: table, json")
	flags.StringVarP(&opts.Output, "output", "o", "", "Write to file instead of stdout")
	flags.StringVar(&opts.SortBy, "sort-by", "", "Sort table by: score, cve (default feed order)")
	flags.BoolVar(&opts.FailOnDeliveryError, "fail-on-delivery-error", false, "Exit code 1 if any notification could not be delivered")

	flags.Float64Var(&opts.MinScore, "min-score", 0, "Only consider CVEs with EPSS score above value")
	flags.IntVar(&opts.BatchSize, "batch-size", 0, "Maximum number of CVEs processed per run")
	flags.Float64Var(&opts.IncreaseThreshold, "increase-threshold", 0, "Relative score increase that triggers a notification")
	flags.DurationVar(&opts.RequestDelay, "request-delay", 0, "Pause between NVD requests")
	flags.BoolVar(&opts.NoCarryForward, "no-carry-forward", false, "Drop history records of CVEs whose NVD lookup failed")
	flags.BoolVar(&opts.SkipUpdate, "skip-db-update", false, "Use cached EPSS and KEV data without update check")
	flags.BoolVar(&opts.NoKEV, "no-kev", false, "Disable KEV enrichment")
	flags.StringVar(&opts.Backend, "backend", "", "History backend: file, sqlite, s3")
	flags.StringVar(&opts.HistoryPath, "history-path", "", "History file or database path")

	return cmd
}

// applyOverrides copies explicitly set flags onto cfg.
func (o *runOptions) applyOverrides(flags interface{ Changed(string) bool }, cfg *config.Config) {
	if flags.Changed("min-score") {
		cfg.Feed.MinScore = o.MinScore
	}
	if flags.Changed("batch-size") {
		cfg.Run.BatchSize = o.BatchSize
	}
	if flags.Changed("increase-threshold") {
		cfg.Run.IncreaseThreshold = o.IncreaseThreshold
	}
	if flags.Changed("request-delay") {
		cfg.Run.RequestDelay = o.RequestDelay
	}
	if o.NoCarryForward {
		cfg.Run.CarryForward = false
	}
	if o.SkipUpdate {
		cfg.Feed.SkipUpdate = true
	}
	if o.NoKEV {
		cfg.KEV.Enabled = false
	}
	if flags.Changed("backend") {
		cfg.History.Backend = o.Backend
	}
	if flags.Changed("history-path") {
		cfg.History.Path = o.HistoryPath
	}
}

func runRun(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	if opts.Format != "table" && opts.Format != "json" {
		return &ExitError{Code: ExitInvalidConfig, Message: fmt.Sprintf("unsupported output format: %s", opts.Format)}
	}

	cfg, log, err := g.setup(cmd.ErrOrStderr(), func(c *config.Config) {
		opts.applyOverrides(cmd.Flags(), c)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := history.AcquireLock(cfg.History.LockFile)
	if err != nil {
		if errors.Is(err, history.ErrLocked) {
			return &ExitError{Code: ExitLocked, Message: err.Error()}
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithError(err).Warn("releasing history lock")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer func() { _ = closeStore() }()

	rc := httpclient.New(httpclient.Options{
		Timeout: cfg.NVD.Timeout,
		Retries: cfg.NVD.Retries,
		Logger:  log,
	})

	feed, closeFeed, err := buildFeed(cmd, cfg, opts, rc.StandardClient(), log)
	if err != nil {
		return err
	}
	defer func() { _ = closeFeed() }()

	var sink notify.Sink
	switch {
	case opts.DryRun:
		sink = notify.NewLogSink(log)
	case cfg.Webhook.URL == "":
		log.Warn("no webhook configured, notifications will only be logged")
		sink = notify.NewLogSink(log)
	default:
		sink = notify.NewWebhookSink(rc, cfg.Webhook.URL)
	}

	runnerOpts := []runner.Option{runner.WithLogger(log)}
	if cfg.KEV.Enabled {
		k := kev.NewSource(cfg.Feed.CacheDir,
			kev.WithHTTPClient(rc.StandardClient()),
			kev.WithCacheTTL(cfg.Feed.CacheTTL),
			kev.WithLogger(log),
		)
		if err := k.Load(ctx, cfg.Feed.SkipUpdate); err != nil {
			log.WithError(err).Warn("KEV catalog unavailable, continuing without it")
		} else {
			runnerOpts = append(runnerOpts, runner.WithKEV(k))
		}
	}

	r := runner.New(runner.Config{
		BatchSize:         cfg.Run.BatchSize,
		IncreaseThreshold: cfg.Run.IncreaseThreshold,
		RequestDelay:      cfg.Run.RequestDelay,
		CarryForward:      cfg.Run.CarryForward,
		Language:          cfg.Run.Language,
		NoSave:            opts.NoSave,
	}, store, feed, nvd.NewClient(rc, cfg.NVD.BaseURL, cfg.NVD.APIKey), sink, runnerOpts...)

	res, err := r.Run(ctx)
	if err != nil {
		return err
	}

	if err := writeRunResult(cmd.OutOrStdout(), res, opts); err != nil {
		return err
	}

	if opts.FailOnDeliveryError && res.DeliveryFailures > 0 {
		return &ExitError{
			Code:    ExitDeliveryFailed,
			Message: fmt.Sprintf("%d notification(s) could not be delivered", res.DeliveryFailures),
		}
	}
	return nil
}

// buildFeed returns the downloaded feed, or a reader feed for --feed-file.
func buildFeed(cmd *cobra.Command, cfg *config.Config, opts *runOptions, client *http.Client, log logrus.FieldLogger) (runner.Feed, func() error, error) {
	noop := func() error { return nil }

	sourceOpts := []epss.Option{
		epss.WithHTTPClient(client),
		epss.WithCacheTTL(cfg.Feed.CacheTTL),
		epss.WithLogger(log),
	}
	if cfg.Feed.BaseURL != "" {
		sourceOpts = append(sourceOpts, epss.WithBaseURL(cfg.Feed.BaseURL))
	}
	source := epss.NewSource(cfg.Feed.CacheDir, sourceOpts...)

	filter := epss.Filter{
		MinScore: cfg.Feed.MinScore,
		Pattern:  regexp.MustCompile(cfg.Feed.Pattern),
	}

	switch opts.FeedFile {
	case "":
		return epss.NewFeed(source, filter, cfg.Feed.SkipUpdate), noop, nil
	case "-":
		return epss.NewReaderFeed(source, filter, cmd.InOrStdin()), noop, nil
	default:
		f, err := os.Open(opts.FeedFile)
		if err != nil {
			return nil, noop, fmt.Errorf("opening feed file: %w", err)
		}
		return epss.NewReaderFeed(source, filter, f), f.Close, nil
	}
}

// createOutput opens the --output destination.
var createOutput = func(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func writeRunResult(stdout io.Writer, res *runner.Result, opts *runOptions) (err error) {
	w := stdout
	if opts.Output != "" && opts.Output != "-" {
		f, createErr := createOutput(opts.Output)
		if createErr != nil {
			return fmt.Errorf("creating output file: %w", createErr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing output file: %w", cerr)
			}
		}()
		w = f
	}

	if opts.Format == "json" {
		return output.WriteJSON(w, res)
	}
	return output.WriteNotificationTable(w, runTitle(res), res.Notifications, output.TableConfig{
		SortBy:     opts.SortBy,
		IsTerminal: output.IsOutputToTerminal(w),
	})
}

func runTitle(res *runner.Result) string {
	title := fmt.Sprintf("Run %s", res.RunID)
	if res.ScoreDate != "" {
		title += fmt.Sprintf(" [EPSS %s, scores %s]", res.ModelVersion, res.ScoreDate)
	}
	if res.FirstRun {
		title += " (first run, baseline recorded)"
	}
	return title
}
