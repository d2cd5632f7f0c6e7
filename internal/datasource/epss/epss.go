// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package epss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bonial-oss/epss-watch/internal/cache"
	"github.com/bonial-oss/epss-watch/internal/input"
	"github.com/bonial-oss/epss-watch/internal/types"
)

const (
	cacheFilename   = "epss_scores.csv.gz"
	DefaultBaseURL  = "https://epss.empiricalsecurity.com"
	maxResponseSize = 50 * 1024 * 1024 // 50 MB compressed
)

// DefaultPattern matches well-formed CVE identifiers.
var DefaultPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Source provides access to EPSS data with caching support.
type Source struct {
	cache   *cache.Cache
	client  *http.Client
	baseURL string
	now     func() time.Time
	log     logrus.FieldLogger

	entries      []types.EPSSEntry
	modelVersion string
	scoreDate    string
}

// Option configures a Source.
type Option func(*Source)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

func WithBaseURL(u string) Option {
	return func(s *Source) { s.baseURL = u }
}

// WithCacheTTL sets how long a downloaded EPSS file is used before a new
// download is attempted.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Source) { s.cache = cache.New(s.cache.Dir(), cache.WithTTL(ttl)) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Source) { s.log = l }
}

// NewSource creates a new EPSS data source with cache stored under cacheDir/epss/.
func NewSource(cacheDir string, opts ...Option) *Source {
	s := &Source{
		cache:   cache.New(filepath.Join(cacheDir, "epss")),
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: DefaultBaseURL,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches EPSS data, using cache when appropriate.
//
// Logic:
//  1. If skipUpdate and cache exists -> load from cache, parse, return.
//  2. If cache is fresh -> load from cache, parse, return.
//  3. Download fresh data.
//  4. If download succeeds -> store in cache, parse, return.
//  5. If download fails and cache exists -> warn, load stale cache, parse, return.
//  6. If download fails and no cache -> return error.
func (s *Source) Load(ctx context.Context, skipUpdate bool) error {
	if skipUpdate && s.cache.Exists(cacheFilename) {
		return s.loadFromCache()
	}

	if s.cache.IsFresh(cacheFilename) {
		return s.loadFromCache()
	}

	data, err := s.download(ctx)
	if err == nil {
		if storeErr := s.cache.Store(cacheFilename, data); storeErr != nil {
			return fmt.Errorf("storing EPSS data in cache: %w", storeErr)
		}
		return s.LoadData(data)
	}

	if s.cache.Exists(cacheFilename) {
		s.log.WithError(err).Warn("failed to download EPSS data, using stale cache")
		return s.loadFromCache()
	}

	return fmt.Errorf("downloading EPSS data: %w", err)
}

// LoadData replaces the loaded entries with a feed in any format input.Parse
// understands.
func (s *Source) LoadData(data []byte) error {
	feed, err := input.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing EPSS feed: %w", err)
	}

	s.entries = feed.Entries
	s.modelVersion = feed.ModelVersion
	s.scoreDate = feed.ScoreDate
	return nil
}

// ModelVersion returns the model version string from the EPSS CSV header.
func (s *Source) ModelVersion() string {
	return s.modelVersion
}

// ScoreDate returns the score date string from the EPSS CSV header.
func (s *Source) ScoreDate() string {
	return s.scoreDate
}

// Filter selects high-risk candidates from the feed.
type Filter struct {
	// MinScore is exclusive: only scores strictly greater are kept.
	MinScore float64
	// Pattern restricts CVE IDs. nil accepts everything.
	Pattern *regexp.Regexp
}

// Candidates returns the entries passing f, in feed order. Scores outside
// [0, 1] are dropped.
func (s *Source) Candidates(f Filter) []types.Candidate {
	out := make([]types.Candidate, 0)
	for _, e := range s.entries {
		if e.Score <= f.MinScore || e.Score < 0 || e.Score > 1 {
			continue
		}
		if f.Pattern != nil && !f.Pattern.MatchString(e.CVE) {
			continue
		}
		out = append(out, types.Candidate{CVEID: e.CVE, Score: e.Score})
	}
	return out
}

// loadFromCache loads and parses the cached feed file.
func (s *Source) loadFromCache() error {
	data, err := s.cache.Load(cacheFilename)
	if err != nil {
		return fmt.Errorf("loading EPSS data from cache: %w", err)
	}
	return s.LoadData(data)
}

// download fetches the gzip-compressed EPSS CSV for today's date.
// If today's file is not available, it falls back to yesterday's date.
func (s *Source) download(ctx context.Context) ([]byte, error) {
	now := s.now().UTC()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	data, err := s.downloadForDate(ctx, today)
	if err == nil {
		return data, nil
	}

	data, err2 := s.downloadForDate(ctx, yesterday)
	if err2 == nil {
		return data, nil
	}

	return nil, fmt.Errorf("today (%s): %w; yesterday (%s): %v", today, err, yesterday, err2)
}

// downloadForDate downloads the compressed EPSS CSV for the given date string.
func (s *Source) downloadForDate(ctx context.Context, date string) ([]byte, error) {
	url := fmt.Sprintf("%s/epss_scores-%s.csv.gz", s.baseURL, date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return data, nil
}
