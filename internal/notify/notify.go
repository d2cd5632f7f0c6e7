// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package notify formats and delivers score-change notifications.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bonial-oss/epss-watch/internal/types"
)

const maxDescriptionRunes = 500

// Sink delivers one notification.
type Sink interface {
	Send(ctx context.Context, title, body string) error
}

// Format renders a notification as a title and a plain-text body.
func Format(n types.Notification) (title, body string) {
	switch n.Reason {
	case types.ReasonNew:
		title = fmt.Sprintf("New high-risk CVE: %s (EPSS %.3f)", n.CVEID, n.NewScore)
	default:
		title = fmt.Sprintf("EPSS increase: %s %.3f -> %.3f", n.CVEID, n.OldScore, n.NewScore)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CVE: %s\n", n.CVEID)
	fmt.Fprintf(&b, "Reason: %s\n", n.Reason)
	if n.HasPrior {
		fmt.Fprintf(&b, "EPSS score: %.4f (previously %.4f)\n", n.NewScore, n.OldScore)
	} else {
		fmt.Fprintf(&b, "EPSS score: %.4f\n", n.NewScore)
	}
	if len(n.Manufacturers) > 0 {
		fmt.Fprintf(&b, "Manufacturers: %s\n", strings.Join(n.Manufacturers, ", "))
	} else {
		b.WriteString("Manufacturers: unknown\n")
	}
	if n.KEVListed {
		b.WriteString("Listed in CISA Known Exploited Vulnerabilities\n")
	}
	if n.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", truncate(n.Description, maxDescriptionRunes))
	}
	fmt.Fprintf(&b, "\nhttps://nvd.nist.gov/vuln/detail/%s", n.CVEID)

	return title, b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// LogSink writes notifications to the logger instead of delivering them.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, title, body string) error {
	s.log.WithField("body", body).Info(title)
	return nil
}
