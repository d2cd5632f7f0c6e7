// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package types

import "sort"

// ScoreRecord is the persisted knowledge about one CVE.
type ScoreRecord struct {
	CVEID         string   `json:"cve_id"`
	EPSSScore     float64  `json:"epss_score"`
	Manufacturers []string `json:"manufacturers"`
}

// NewScoreRecord builds a record with a sorted, deduplicated, non-nil
// manufacturer list.
func NewScoreRecord(cveID string, score float64, manufacturers []string) ScoreRecord {
	return ScoreRecord{
		CVEID:         cveID,
		EPSSScore:     score,
		Manufacturers: NormalizeManufacturers(manufacturers),
	}
}

// NormalizeManufacturers returns a sorted copy of names without duplicates or
// empty strings. The result is never nil.
func NormalizeManufacturers(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Snapshot is the ordered set of score records as of the end of a run.
// It holds at most one record per CVE ID.
type Snapshot struct {
	records []ScoreRecord
	index   map[string]int
}

// NewSnapshot builds a snapshot from records. A later record with the same
// CVE ID replaces an earlier one in place.
func NewSnapshot(records ...ScoreRecord) *Snapshot {
	s := &Snapshot{index: make(map[string]int, len(records))}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces the record for r.CVEID.
func (s *Snapshot) Put(r ScoreRecord) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	r.Manufacturers = NormalizeManufacturers(r.Manufacturers)
	if i, ok := s.index[r.CVEID]; ok {
		s.records[i] = r
		return
	}
	s.index[r.CVEID] = len(s.records)
	s.records = append(s.records, r)
}

// Get returns the record for cveID, or nil if absent.
func (s *Snapshot) Get(cveID string) *ScoreRecord {
	if s == nil {
		return nil
	}
	i, ok := s.index[cveID]
	if !ok {
		return nil
	}
	r := s.records[i]
	return &r
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Records returns a copy of the records in insertion order.
func (s *Snapshot) Records() []ScoreRecord {
	if s == nil {
		return []ScoreRecord{}
	}
	out := make([]ScoreRecord, len(s.records))
	for i, r := range s.records {
		r.Manufacturers = append([]string{}, r.Manufacturers...)
		out[i] = r
	}
	return out
}

// Candidate is a single (CVE, score) observation from the feed.
type Candidate struct {
	CVEID string
	Score float64
}

// Reason explains why a notification was raised.
type Reason string

const (
	ReasonNew                 Reason = "NEW"
	ReasonSignificantIncrease Reason = "SIGNIFICANT_INCREASE"
)

// Notification is emitted once per qualifying CVE in a run. It is never
// persisted.
type Notification struct {
	CVEID         string   `json:"cve_id"`
	NewScore      float64  `json:"new_score"`
	OldScore      float64  `json:"old_score,omitempty"`
	HasPrior      bool     `json:"has_prior"`
	Manufacturers []string `json:"manufacturers"`
	Reason        Reason   `json:"reason"`
	Description   string   `json:"description,omitempty"`
	KEVListed     bool     `json:"kev_listed"`
}
