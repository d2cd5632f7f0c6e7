// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package history persists the score snapshot between runs.
//
// Every backend honours the same contract: Load on storage that was never
// written returns an empty snapshot and no error, and Save replaces the whole
// snapshot atomically so a reader never observes a mix of two runs.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bonial-oss/epss-watch/internal/types"
)

// Store loads and saves snapshots.
type Store interface {
	Load(ctx context.Context) (*types.Snapshot, error)
	Save(ctx context.Context, snapshot *types.Snapshot) error
}

const formatVersion = 1

// document is the serialized form shared by the file and S3 backends.
type document struct {
	Version int                 `json:"version"`
	Records []types.ScoreRecord `json:"records"`
}

func encode(snapshot *types.Snapshot) ([]byte, error) {
	doc := document{Version: formatVersion, Records: snapshot.Records()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

func decode(data []byte) (*types.Snapshot, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", doc.Version)
	}
	return types.NewSnapshot(doc.Records...), nil
}
