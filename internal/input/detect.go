// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package input

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bonial-oss/epss-watch/internal/types"
)

// MaxDecompressedSize bounds gzip input.
const MaxDecompressedSize = 100 * 1024 * 1024 // 100 MB

// Feed is a decoded EPSS feed. Entries keep the order of the source.
type Feed struct {
	ModelVersion string
	ScoreDate    string
	Entries      []types.EPSSEntry
}

var gzipMagic = []byte{0x1f, 0x8b}

// Parse detects and decodes an EPSS feed: the published CSV (optionally
// gzip-compressed, with a "#model_version:...,score_date:..." comment header)
// or the EPSS API JSON envelope ({"data":[{"cve":...,"epss":"0.1",...}]}).
func Parse(data []byte) (*Feed, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		var err error
		data, err = gunzip(data)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		return parseJSON(trimmed)
	}
	return parseCSV(data)
}

func gunzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(io.LimitReader(gz, MaxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("reading gzip data: %w", err)
	}
	return out, nil
}

// parseCSV parses the EPSS CSV. Comment lines before the header carry the
// model version and score date.
func parseCSV(data []byte) (*Feed, error) {
	feed := &Feed{}

	lines := strings.Split(string(data), "\n")

	dataStart := len(lines)
	for i, line := range lines {
		if !strings.HasPrefix(line, "#") {
			dataStart = i
			break
		}
		feed.parseCommentLine(line)
	}

	remaining := strings.Join(lines[dataStart:], "\n")
	reader := csv.NewReader(strings.NewReader(remaining))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return feed, nil
		}
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cveCol, epssCol := columnIndex(header)
	if cveCol < 0 || epssCol < 0 {
		return nil, fmt.Errorf("CSV header %q lacks cve/epss columns", strings.Join(header, ","))
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV record: %w", err)
		}
		if len(record) <= cveCol || len(record) <= epssCol {
			continue
		}

		entry := types.EPSSEntry{CVE: strings.TrimSpace(record[cveCol])}
		entry.Score, err = strconv.ParseFloat(strings.TrimSpace(record[epssCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing EPSS score for %s: %w", entry.CVE, err)
		}
		feed.Entries = append(feed.Entries, entry)
	}

	return feed, nil
}

// columnIndex locates the cve and epss columns. Other columns, such as
// percentile, are ignored.
func columnIndex(header []string) (cve, epss int) {
	cve, epss = -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "cve":
			cve = i
		case "epss":
			epss = i
		}
	}
	return cve, epss
}

// parseCommentLine extracts metadata from a comment line like:
// #model_version:v2025.03.14,score_date:2026-02-12T00:00:00+0000
func (f *Feed) parseCommentLine(line string) {
	line = strings.TrimPrefix(line, "#")
	for _, part := range strings.Split(line, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.TrimSpace(kv[1])
		switch strings.TrimSpace(kv[0]) {
		case "model_version":
			f.ModelVersion = value
		case "score_date":
			f.ScoreDate = value
		}
	}
}

// apiResponse is the envelope returned by api.first.org/data/v1/epss.
// Scores are encoded as strings.
type apiResponse struct {
	Data []struct {
		CVE  string      `json:"cve"`
		EPSS json.Number `json:"epss"`
		Date string      `json:"date"`
	} `json:"data"`
}

func parseJSON(data []byte) (*Feed, error) {
	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}

	feed := &Feed{Entries: make([]types.EPSSEntry, 0, len(resp.Data))}
	for _, d := range resp.Data {
		score, err := d.EPSS.Float64()
		if err != nil {
			return nil, fmt.Errorf("parsing EPSS score for %s: %w", d.CVE, err)
		}
		if feed.ScoreDate == "" {
			feed.ScoreDate = d.Date
		}
		feed.Entries = append(feed.Entries, types.EPSSEntry{CVE: d.CVE, Score: score})
	}
	return feed, nil
}
