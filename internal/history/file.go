// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bonial-oss/epss-watch/internal/cache"
	"github.com/bonial-oss/epss-watch/internal/types"
)

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (*types.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	return decode(data)
}

// Save writes the snapshot to a temporary file and renames it into place.
func (s *FileStore) Save(_ context.Context, snapshot *types.Snapshot) error {
	data, err := encode(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	if err := cache.WriteAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	return nil
}
