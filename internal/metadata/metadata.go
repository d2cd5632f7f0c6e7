// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package metadata derives structured facts from raw NVD CVE payloads.
package metadata

import (
	"strings"

	"github.com/bonial-oss/epss-watch/internal/types"
)

const (
	criteriaKey     = "criteria"
	descriptionsKey = "descriptions"

	// CPE 2.3 criteria look like cpe:2.3:a:vendor:product:version:...
	vendorField = 3
)

// Manufacturers returns the sorted set of vendor names found in every
// "criteria" string anywhere in payload. Criteria with fewer than four
// colon-separated fields are ignored.
func Manufacturers(payload any) []string {
	var vendors []string
	walk(payload, func(key string, value any) {
		if key != criteriaKey {
			return
		}
		s, ok := value.(string)
		if !ok {
			return
		}
		fields := strings.Split(s, ":")
		if len(fields) <= vendorField {
			return
		}
		vendors = append(vendors, fields[vendorField])
	})
	return types.NormalizeManufacturers(vendors)
}

// Description returns the first description value tagged with lang, or an
// empty string.
func Description(payload any, lang string) string {
	var found string
	walk(payload, func(key string, value any) {
		if found != "" || key != descriptionsKey {
			return
		}
		entries, ok := value.([]any)
		if !ok {
			return
		}
		for _, e := range entries {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			l, _ := m["lang"].(string)
			v, _ := m["value"].(string)
			if strings.EqualFold(l, lang) && v != "" {
				found = v
				return
			}
		}
	})
	return found
}

// walk visits every key/value pair of every map nested in v, depth first.
func walk(v any, visit func(key string, value any)) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			visit(k, child)
			walk(child, visit)
		}
	case []any:
		for _, child := range node {
			walk(child, visit)
		}
	}
}
