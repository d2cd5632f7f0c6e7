// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package runner drives one evaluation pass: load history, fetch metadata for
// each feed candidate, classify it, notify, and persist the new snapshot.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bonial-oss/epss-watch/internal/evaluator"
	"github.com/bonial-oss/epss-watch/internal/history"
	"github.com/bonial-oss/epss-watch/internal/metadata"
	"github.com/bonial-oss/epss-watch/internal/notify"
	"github.com/bonial-oss/epss-watch/internal/types"
)

const (
	DefaultBatchSize    = 20
	DefaultRequestDelay = 6 * time.Second
	DefaultLanguage     = "en"
)

// Feed supplies the pre-filtered candidate batch, in feed order.
type Feed interface {
	Batch(ctx context.Context) ([]types.Candidate, error)
}

// FeedDescriber is implemented by feeds that know the model version and score
// date of the batch they returned.
type FeedDescriber interface {
	ModelVersion() string
	ScoreDate() string
}

// Fetcher returns the raw vulnerability record for one CVE.
type Fetcher interface {
	FetchCVE(ctx context.Context, cveID string) (map[string]any, error)
}

// KEVLookup reports CISA KEV membership. Optional.
type KEVLookup interface {
	Lookup(cveID string) *types.KEVEntry
}

// Config holds the run policy.
type Config struct {
	// BatchSize caps the number of candidates processed per run.
	BatchSize int
	// IncreaseThreshold is the relative increase that counts as significant.
	IncreaseThreshold float64
	// RequestDelay is the pause between consecutive fetches.
	RequestDelay time.Duration
	// CarryForward keeps the prior record of a candidate whose fetch failed.
	// When false the record is dropped from the new snapshot.
	CarryForward bool
	// Language selects the description included in notifications.
	Language string
	// NoSave evaluates and notifies without persisting the snapshot.
	NoSave bool
}

// DefaultConfig returns the default run policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		IncreaseThreshold: evaluator.DefaultThreshold,
		RequestDelay:      DefaultRequestDelay,
		CarryForward:      true,
		Language:          DefaultLanguage,
	}
}

// Result summarizes a completed run.
type Result struct {
	RunID            string               `json:"run_id"`
	ModelVersion     string               `json:"model_version,omitempty"`
	ScoreDate        string               `json:"score_date,omitempty"`
	FirstRun         bool                 `json:"first_run"`
	Candidates       int                  `json:"candidates"`
	Processed        int                  `json:"processed"`
	Failed           []string             `json:"failed"`
	CarriedForward   int                  `json:"carried_forward"`
	Notifications    []types.Notification `json:"notifications"`
	DeliveryFailures int                  `json:"delivery_failures"`
	Saved            bool                 `json:"saved"`
	Snapshot         *types.Snapshot      `json:"-"`
}

// Runner executes runs. It holds no state between runs.
type Runner struct {
	cfg     Config
	store   history.Store
	feed    Feed
	fetcher Fetcher
	sink    notify.Sink
	kev     KEVLookup
	log     logrus.FieldLogger
	sleep   func(ctx context.Context, d time.Duration) error
	runID   func() string
}

// Option configures a Runner.
type Option func(*Runner)

func WithKEV(k KEVLookup) Option {
	return func(r *Runner) { r.kev = k }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runner) { r.log = l }
}

func New(cfg Config, store history.Store, feed Feed, fetcher Fetcher, sink notify.Sink, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		store:   store,
		feed:    feed,
		fetcher: fetcher,
		sink:    sink,
		log:     logrus.StandardLogger(),
		sleep:   sleepContext,
		runID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass. Per-candidate fetch and delivery failures are logged
// and isolated; only feed, save and cancellation errors abort the run, and an
// aborted run never saves.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: r.runID(), Failed: []string{}, Notifications: []types.Notification{}}
	log := r.log.WithField("run_id", res.RunID)

	prior, err := r.store.Load(ctx)
	if err != nil {
		log.WithError(err).Warn("history unavailable, treating run as first run")
		prior = types.NewSnapshot()
	}
	eval := evaluator.New(prior, r.cfg.IncreaseThreshold)
	res.FirstRun = eval.FirstRun()

	batch, err := r.feed.Batch(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting candidate batch: %w", err)
	}
	batch = dedupe(batch)
	if r.cfg.BatchSize > 0 && len(batch) > r.cfg.BatchSize {
		batch = batch[:r.cfg.BatchSize]
	}
	res.Candidates = len(batch)
	if d, ok := r.feed.(FeedDescriber); ok {
		res.ModelVersion = d.ModelVersion()
		res.ScoreDate = d.ScoreDate()
	}

	log.WithFields(logrus.Fields{
		"model_version": res.ModelVersion,
		"score_date":    res.ScoreDate,
		"prior_records": prior.Len(),
		"candidates":    len(batch),
		"first_run":     res.FirstRun,
	}).Info("starting run")

	next := types.NewSnapshot()
	for i, c := range batch {
		if i > 0 {
			if err := r.sleep(ctx, r.cfg.RequestDelay); err != nil {
				return nil, fmt.Errorf("run aborted: %w", err)
			}
		}

		clog := log.WithField("cve", c.CVEID)

		payload, err := r.fetcher.FetchCVE(ctx, c.CVEID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("run aborted: %w", ctx.Err())
			}
			res.Failed = append(res.Failed, c.CVEID)
			if old := prior.Get(c.CVEID); old != nil && r.cfg.CarryForward {
				next.Put(*old)
				res.CarriedForward++
				clog.WithError(err).Warn("fetch failed, keeping previous record")
			} else {
				clog.WithError(err).Warn("fetch failed, skipping candidate")
			}
			continue
		}

		manufacturers := metadata.Manufacturers(payload)
		record := types.NewScoreRecord(c.CVEID, c.Score, manufacturers)

		d := eval.Evaluate(c.CVEID, c.Score)
		clog.WithFields(logrus.Fields{
			"score":          c.Score,
			"classification": d.Classification.String(),
			"notify":         d.Notify,
		}).Debug("evaluated candidate")

		if d.Notify {
			n := types.Notification{
				CVEID:         c.CVEID,
				NewScore:      c.Score,
				OldScore:      d.OldScore,
				HasPrior:      d.HasPrior,
				Manufacturers: record.Manufacturers,
				Reason:        d.Reason(),
				Description:   metadata.Description(payload, r.cfg.Language),
				KEVListed:     r.kev != nil && r.kev.Lookup(c.CVEID) != nil,
			}
			res.Notifications = append(res.Notifications, n)

			title, body := notify.Format(n)
			if err := r.sink.Send(ctx, title, body); err != nil {
				res.DeliveryFailures++
				clog.WithError(err).Error("delivering notification")
			} else {
				clog.WithField("reason", n.Reason).Info("notification sent")
			}
		}

		next.Put(record)
		res.Processed++
	}

	res.Snapshot = next
	if r.cfg.NoSave {
		log.Info("not saving snapshot")
	} else {
		if err := r.store.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("saving history: %w", err)
		}
		res.Saved = true
	}

	log.WithFields(logrus.Fields{
		"processed":     res.Processed,
		"failed":        len(res.Failed),
		"notifications": len(res.Notifications),
		"records":       next.Len(),
	}).Info("run complete")

	return res, nil
}

// dedupe keeps the first position of each CVE with the score of its last
// occurrence.
func dedupe(batch []types.Candidate) []types.Candidate {
	pos := make(map[string]int, len(batch))
	out := make([]types.Candidate, 0, len(batch))
	for _, c := range batch {
		if i, ok := pos[c.CVEID]; ok {
			out[i].Score = c.Score
			continue
		}
		pos[c.CVEID] = len(out)
		out = append(out, c)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
