// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package httpclient builds the retrying HTTP client used for all outbound
// calls.
package httpclient

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 60 * time.Second
	DefaultRetries = 3
)

// Options configures New.
type Options struct {
	Timeout      time.Duration
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logrus.FieldLogger
}

// New returns a retryablehttp client. Connection errors, 429 and 5xx
// responses are retried with exponential backoff that honours Retry-After.
// Once retries are exhausted the last response is returned to the caller
// instead of a generic "giving up" error, so status codes stay visible.
func New(opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = opts.Timeout
	if c.HTTPClient.Timeout <= 0 {
		c.HTTPClient.Timeout = DefaultTimeout
	}
	c.RetryMax = opts.Retries
	if opts.RetryWaitMin > 0 {
		c.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		c.RetryWaitMax = opts.RetryWaitMax
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Logger != nil {
		c.Logger = leveledLogger{opts.Logger}
	} else {
		c.Logger = nil
	}
	return c
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger. Request-level
// chatter is demoted to debug.
type leveledLogger struct {
	log logrus.FieldLogger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l leveledLogger) with(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.log.WithFields(fields)
}
