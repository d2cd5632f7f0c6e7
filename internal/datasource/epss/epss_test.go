// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package epss

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonial-oss/epss-watch/internal/logging"
	"github.com/bonial-oss/epss-watch/internal/types"
)

const sampleCSV = `#model_version:v2025.03.14,score_date:2026-02-12T00:00:00+0000
cve,epss,percentile
CVE-2024-1234,0.97000,0.99800
CVE-2023-5678,0.42000,0.87300
CVE-2023-9012,0.01000,0.12100
CVE-2024-5555,0.50000,0.90000
GHSA-xxxx-yyyy,0.99000,0.99900
CVE-2022-0001,0.75000,0.95000
`

var fixedNow = time.Date(2026, 2, 12, 8, 0, 0, 0, time.UTC)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestSource(t *testing.T, dir string) (*Source, *http.Client) {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	s := NewSource(dir,
		WithHTTPClient(client),
		WithBaseURL("https://epss.test"),
		WithLogger(logging.Discard()),
	)
	s.now = func() time.Time { return fixedNow }
	return s, client
}

func writeCache(t *testing.T, dir string, data []byte, at time.Time) {
	t.Helper()
	epssDir := filepath.Join(dir, "epss")
	require.NoError(t, os.MkdirAll(epssDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(epssDir, cacheFilename), data, 0o644))

	meta := struct {
		DownloadedAt string `json:"downloaded_at"`
	}{
		DownloadedAt: at.UTC().Format(time.RFC3339),
	}
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(epssDir, cacheFilename+".meta.json"), metaBytes, 0o644))
}

func TestLoadData(t *testing.T) {
	s := NewSource(t.TempDir())
	require.NoError(t, s.LoadData([]byte(sampleCSV)))

	require.Len(t, s.entries, 6)
	assert.Equal(t, "v2025.03.14", s.ModelVersion())
	assert.Equal(t, "2026-02-12T00:00:00+0000", s.ScoreDate())
	assert.Equal(t, "CVE-2024-1234", s.entries[0].CVE)
	assert.InEpsilon(t, 0.97, s.entries[0].Score, 1e-9)
}

func TestCandidates_FilterAndOrder(t *testing.T) {
	s := NewSource(t.TempDir())
	require.NoError(t, s.LoadData([]byte(sampleCSV)))

	got := s.Candidates(Filter{MinScore: 0.5, Pattern: DefaultPattern})

	// 0.5 itself is excluded, GHSA ids fail the pattern, order follows the feed.
	assert.Equal(t, []types.Candidate{
		{CVEID: "CVE-2024-1234", Score: 0.97},
		{CVEID: "CVE-2022-0001", Score: 0.75},
	}, got)
}

func TestCandidates_NoPattern(t *testing.T) {
	s := NewSource(t.TempDir())
	require.NoError(t, s.LoadData([]byte(sampleCSV)))

	got := s.Candidates(Filter{MinScore: 0.9})
	require.Len(t, got, 2)
	assert.Equal(t, "CVE-2024-1234", got[0].CVEID)
	assert.Equal(t, "GHSA-xxxx-yyyy", got[1].CVEID)
}

func TestCandidates_DropsOutOfRangeScores(t *testing.T) {
	s := NewSource(t.TempDir())
	require.NoError(t, s.LoadData([]byte("cve,epss\nCVE-2024-0001,1.5\nCVE-2024-0002,0.8\n")))

	got := s.Candidates(Filter{MinScore: 0.5})
	require.Len(t, got, 1)
	assert.Equal(t, "CVE-2024-0002", got[0].CVEID)
}

func TestSource_Load_FromCache(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, gzipBytes(t, sampleCSV), time.Now())

	s, _ := newTestSource(t, dir)
	// No responders registered: any network call would fail.
	require.NoError(t, s.Load(context.Background(), true))

	assert.Len(t, s.entries, 6)
	assert.Equal(t, "v2025.03.14", s.ModelVersion())
}

func TestSource_Load_FreshCacheSkipsDownload(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSource(t, dir)
	writeCache(t, dir, []byte(sampleCSV), time.Now().Add(-time.Hour))

	require.NoError(t, s.Load(context.Background(), false))
	assert.Len(t, s.entries, 6)
}

func TestSource_Load_CacheTTL(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, []byte(sampleCSV), time.Now().Add(-2*time.Hour))

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder(http.MethodGet, "https://epss.test/epss_scores-2026-02-12.csv.gz",
		httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, "#model_version:v2026.01.01,score_date:2026-02-12T00:00:00+0000\ncve,epss\nCVE-2024-0001,0.9\n")))

	s := NewSource(dir,
		WithHTTPClient(client),
		WithBaseURL("https://epss.test"),
		WithCacheTTL(time.Hour),
		WithLogger(logging.Discard()),
	)
	s.now = func() time.Time { return fixedNow }

	require.NoError(t, s.Load(context.Background(), false))
	assert.Equal(t, "v2026.01.01", s.ModelVersion())
	assert.Len(t, s.entries, 1)
}

func TestSource_Load_Download(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSource(t, dir)

	httpmock.RegisterResponder(http.MethodGet, "https://epss.test/epss_scores-2026-02-12.csv.gz",
		httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, sampleCSV)))

	require.NoError(t, s.Load(context.Background(), false))
	assert.Len(t, s.entries, 6)

	// The compressed payload is cached as-is.
	cached, err := os.ReadFile(filepath.Join(dir, "epss", cacheFilename))
	require.NoError(t, err)
	assert.Equal(t, gzipBytes(t, sampleCSV)[:2], cached[:2])
}

func TestSource_Load_FallsBackToYesterday(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSource(t, dir)

	httpmock.RegisterResponder(http.MethodGet, "https://epss.test/epss_scores-2026-02-12.csv.gz",
		httpmock.NewStringResponder(http.StatusNotFound, "not yet"))
	httpmock.RegisterResponder(http.MethodGet, "https://epss.test/epss_scores-2026-02-11.csv.gz",
		httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, sampleCSV)))

	require.NoError(t, s.Load(context.Background(), false))
	assert.Len(t, s.entries, 6)
}

func TestSource_Load_StaleCacheOnFailure(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSource(t, dir)
	writeCache(t, dir, []byte(sampleCSV), fixedNow.Add(-72*time.Hour))

	httpmock.RegisterNoResponder(httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	require.NoError(t, s.Load(context.Background(), false))
	assert.Len(t, s.entries, 6)
}

func TestSource_Load_NoCacheNoNetwork(t *testing.T) {
	s, _ := newTestSource(t, t.TempDir())
	httpmock.RegisterNoResponder(httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	err := s.Load(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloading EPSS data")
}

func TestFeed_Batch(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, []byte(sampleCSV), time.Now())

	s, _ := newTestSource(t, dir)
	feed := NewFeed(s, Filter{MinScore: 0.5, Pattern: DefaultPattern}, true)

	got, err := feed.Batch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "CVE-2024-1234", got[0].CVEID)
	assert.Equal(t, "v2025.03.14", feed.ModelVersion())
	assert.Equal(t, "2026-02-12T00:00:00+0000", feed.ScoreDate())
}

func TestReaderFeed_Batch(t *testing.T) {
	s := NewSource(t.TempDir())
	feed := NewReaderFeed(s, Filter{MinScore: 0.4, Pattern: regexp.MustCompile(`^CVE-2023-`)}, strings.NewReader(sampleCSV))

	got, err := feed.Batch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Candidate{{CVEID: "CVE-2023-5678", Score: 0.42}}, got)
	assert.Equal(t, "v2025.03.14", feed.ModelVersion())
}

func TestReaderFeed_BadInput(t *testing.T) {
	s := NewSource(t.TempDir())
	feed := NewReaderFeed(s, Filter{}, strings.NewReader("not,a,feed\n1,2,3\n"))

	_, err := feed.Batch(context.Background())
	assert.Error(t, err)
}
