// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package types holds the records shared between the feed readers, the
// history stores and the run orchestrator.
package types

// EPSSEntry is the part of a daily EPSS feed row used for candidate
// selection.
type EPSSEntry struct {
	CVE   string  `json:"cve"`
	Score float64 `json:"epss"`
}

// KEVEntry is the subset of a CISA KEV catalog entry used for notifications.
type KEVEntry struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	DateAdded                  string `json:"dateAdded"`
	DueDate                    string `json:"dueDate"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}

// KEVCatalog is the top-level CISA KEV document.
type KEVCatalog struct {
	CatalogVersion  string     `json:"catalogVersion"`
	Count           int        `json:"count"`
	Vulnerabilities []KEVEntry `json:"vulnerabilities"`
}
