// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bonial-oss/epss-watch/internal/types"
)

// WriteJSON writes data as indented JSON without HTML escaping.
func WriteJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

type snapshotDocument struct {
	Count   int                 `json:"count"`
	Records []types.ScoreRecord `json:"records"`
}

// WriteSnapshotJSON writes the stored history records with a count.
func WriteSnapshotJSON(w io.Writer, snapshot *types.Snapshot) error {
	records := snapshot.Records()
	return WriteJSON(w, snapshotDocument{Count: len(records), Records: records})
}
