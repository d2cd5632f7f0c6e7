// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bonial-oss/epss-watch/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS score_records (
	position      INTEGER NOT NULL,
	cve_id        TEXT PRIMARY KEY,
	epss_score    REAL NOT NULL,
	manufacturers TEXT NOT NULL DEFAULT '[]'
);
`

// SQLiteStore keeps the snapshot in a SQLite table. Save replaces all rows in
// one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes access; the store has one writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cve_id, epss_score, manufacturers FROM score_records ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying score records: %w", err)
	}
	defer rows.Close()

	snapshot := types.NewSnapshot()
	for rows.Next() {
		var (
			r     types.ScoreRecord
			manuf string
		)
		if err := rows.Scan(&r.CVEID, &r.EPSSScore, &manuf); err != nil {
			return nil, fmt.Errorf("scanning score record: %w", err)
		}
		if err := json.Unmarshal([]byte(manuf), &r.Manufacturers); err != nil {
			return nil, fmt.Errorf("decoding manufacturers for %s: %w", r.CVEID, err)
		}
		snapshot.Put(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating score records: %w", err)
	}
	return snapshot, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snapshot *types.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM score_records`); err != nil {
		return fmt.Errorf("clearing score records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO score_records (position, cve_id, epss_score, manufacturers) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range snapshot.Records() {
		manuf, err := json.Marshal(r.Manufacturers)
		if err != nil {
			return fmt.Errorf("encoding manufacturers for %s: %w", r.CVEID, err)
		}
		if _, err := stmt.ExecContext(ctx, i, r.CVEID, r.EPSSScore, string(manuf)); err != nil {
			return fmt.Errorf("inserting %s: %w", r.CVEID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}
