// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/bonial-oss/epss-watch/internal/config"
	"github.com/bonial-oss/epss-watch/internal/history"
)

// openStore builds the configured history backend. The returned close func
// is always non-nil.
func openStore(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendFile:
		return history.NewFileStore(cfg.Path), noop, nil
	case config.BackendSQLite:
		s, err := history.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendS3:
		client, err := history.NewS3Client(ctx, cfg.Region)
		if err != nil {
			return nil, noop, err
		}
		return history.NewS3Store(client, cfg.Bucket, cfg.Key), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown history backend: %q", cfg.Backend)
	}
}
