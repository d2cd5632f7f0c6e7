// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package epss

import (
	"context"
	"fmt"
	"io"

	"github.com/bonial-oss/epss-watch/internal/types"
)

// Feed produces a filtered candidate batch from a Source.
type Feed struct {
	source *Source
	filter Filter
	load   func(ctx context.Context) error
}

// NewFeed returns a Feed that loads the published feed (or the cache) on
// every Batch call.
func NewFeed(source *Source, filter Filter, skipUpdate bool) *Feed {
	return &Feed{
		source: source,
		filter: filter,
		load: func(ctx context.Context) error {
			return source.Load(ctx, skipUpdate)
		},
	}
}

// NewReaderFeed returns a Feed that reads a local feed from r instead of
// downloading.
func NewReaderFeed(source *Source, filter Filter, r io.Reader) *Feed {
	return &Feed{
		source: source,
		filter: filter,
		load: func(context.Context) error {
			data, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
			if err != nil {
				return fmt.Errorf("reading feed: %w", err)
			}
			return source.LoadData(data)
		},
	}
}

// Batch loads the feed and returns the candidates passing the filter, in feed
// order.
func (f *Feed) Batch(ctx context.Context) ([]types.Candidate, error) {
	if err := f.load(ctx); err != nil {
		return nil, err
	}
	return f.source.Candidates(f.filter), nil
}

// ModelVersion reports the model version of the last loaded feed.
func (f *Feed) ModelVersion() string {
	return f.source.ModelVersion()
}

// ScoreDate reports the score date of the last loaded feed.
func (f *Feed) ScoreDate() string {
	return f.source.ScoreDate()
}
