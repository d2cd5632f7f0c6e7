// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package nvd fetches raw CVE records from the NVD 2.0 REST API.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultBaseURL  = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	maxResponseSize = 10 * 1024 * 1024 // 10 MB
	userAgent       = "epss-watch/1.0"
)

// ErrNotFound is returned when NVD has no record for the requested CVE.
var ErrNotFound = errors.New("CVE not found in NVD")

// Client queries NVD for single CVE records.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
}

// NewClient returns a Client. apiKey may be empty; NVD then applies its
// stricter public rate limit.
func NewClient(httpClient *retryablehttp.Client, baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// FetchCVE returns the decoded API response for cveID as a nested map. The
// payload is kept untyped so that extractors can walk it without depending on
// the NVD schema.
func (c *Client) FetchCVE(ctx context.Context, cveID string) (map[string]any, error) {
	u := c.baseURL + "?cveId=" + url.QueryEscape(cveID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", cveID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: %w", cveID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetching %s: HTTP %d", cveID, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding NVD response for %s: %w", cveID, err)
	}

	vulns, _ := payload["vulnerabilities"].([]any)
	if len(vulns) == 0 {
		return nil, fmt.Errorf("%s: %w", cveID, ErrNotFound)
	}

	return payload, nil
}
