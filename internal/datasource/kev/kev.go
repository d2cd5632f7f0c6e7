// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bonial-oss/epss-watch/internal/cache"
	"github.com/bonial-oss/epss-watch/internal/types"
)

const (
	cacheFilename      = "known_exploited_vulnerabilities.json"
	DefaultPrimaryURL  = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	DefaultFallbackURL = "https://raw.githubusercontent.com/cisagov/kev-data/main/known_exploited_vulnerabilities.json"
	maxResponseSize    = 50 * 1024 * 1024 // 50 MB
)

// Source provides access to CISA KEV data with caching support.
type Source struct {
	cache       *cache.Cache
	client      *http.Client
	primaryURL  string
	fallbackURL string
	log         logrus.FieldLogger
	entries     map[string]types.KEVEntry
}

// Option configures a Source.
type Option func(*Source)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithURLs overrides the primary and fallback catalog URLs.
func WithURLs(primary, fallback string) Option {
	return func(s *Source) {
		s.primaryURL = primary
		s.fallbackURL = fallback
	}
}

// WithCacheTTL sets how long a downloaded KEV file is used before a new
// download is attempted.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Source) { s.cache = cache.New(s.cache.Dir(), cache.WithTTL(ttl)) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Source) { s.log = l }
}

// NewSource creates a new KEV data source with cache stored under cacheDir/kev/.
func NewSource(cacheDir string, opts ...Option) *Source {
	s := &Source{
		cache:       cache.New(filepath.Join(cacheDir, "kev")),
		client:      &http.Client{Timeout: 60 * time.Second},
		primaryURL:  DefaultPrimaryURL,
		fallbackURL: DefaultFallbackURL,
		log:         logrus.StandardLogger(),
		entries:     make(map[string]types.KEVEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches KEV data, using cache when appropriate.
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
			return fmt.Errorf("storing KEV data in cache: %w", storeErr)
		}
		return s.parseJSON(data)
	}

	if s.cache.Exists(cacheFilename) {
		s.log.WithError(err).Warn("failed to download KEV data, using stale cache")
		return s.loadFromCache()
	}

	return fmt.Errorf("downloading KEV data: %w", err)
}

// Lookup returns the KEV entry for the given CVE ID, or nil if not found.
func (s *Source) Lookup(cveID string) *types.KEVEntry {
	entry, ok := s.entries[cveID]
	if !ok {
		return nil
	}
	return &entry
}

// loadFromCache loads and parses the cached JSON file.
func (s *Source) loadFromCache() error {
	data, err := s.cache.Load(cacheFilename)
	if err != nil {
		return fmt.Errorf("loading KEV data from cache: %w", err)
	}
	return s.parseJSON(data)
}

// download fetches the KEV catalog JSON from the primary URL, falling back
// to the GitHub mirror.
func (s *Source) download(ctx context.Context) ([]byte, error) {
	data, err := s.downloadFrom(ctx, s.primaryURL)
	if err == nil {
		return data, nil
	}

	data, err2 := s.downloadFrom(ctx, s.fallbackURL)
	if err2 == nil {
		return data, nil
	}

	return nil, fmt.Errorf("primary (%s): %w; fallback (%s): %v", s.primaryURL, err, s.fallbackURL, err2)
}

func (s *Source) downloadFrom(ctx context.Context, url string) ([]byte, error) {
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

// parseJSON unmarshals the KEV catalog JSON and populates the entries map.
func (s *Source) parseJSON(data []byte) error {
	var catalog types.KEVCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("unmarshaling KEV catalog: %w", err)
	}

	s.entries = make(map[string]types.KEVEntry, len(catalog.Vulnerabilities))
	for _, vuln := range catalog.Vulnerabilities {
		s.entries[vuln.CVEID] = vuln
	}

	return nil
}
