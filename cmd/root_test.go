// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonial-oss/epss-watch/internal/history"
	"github.com/bonial-oss/epss-watch/internal/runner"
	"github.com/bonial-oss/epss-watch/internal/types"
)

type env struct {
	dir     string
	nvdURL  string
	hookURL string
}

// newEnv isolates the process environment and starts fake NVD and webhook
// servers.
func newEnv(t *testing.T, hookStatus int) *env {
	t.Helper()
	for _, key := range []string{"NVD_API_KEY", "EPSS_WATCH_WEBHOOK_URL", "EPSS_WATCH_DATA_DIR"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	nvd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("cveId")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"vulnerabilities":[{"cve":{"id":%q,
			"descriptions":[{"lang":"en","value":"Issue in %s"}],
			"configurations":[{"nodes":[{"cpeMatch":[{"criteria":"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}]}]}]}}]}`, id, id)
	}))
	t.Cleanup(nvd.Close)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(hookStatus)
	}))
	t.Cleanup(hook.Close)

	return &env{dir: t.TempDir(), nvdURL: nvd.URL, hookURL: hook.URL}
}

func (e *env) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`data_dir: %s
run:
  request_delay: 0s
nvd:
  base_url: %s
  retries: 0
kev:
  enabled: false
log:
  level: error
%s`, e.dir, e.nvdURL, extra)
	path := filepath.Join(e.dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (e *env) writeFeed(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(e.dir, "feed.csv")
	data := "#model_version:v2025.03.14,score_date:2026-10-18T00:00:00+0000\ncve,epss,percentile\n" + rows
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	return exitErr.Code
}

type runOutput struct {
	FirstRun         bool                 `json:"first_run"`
	Processed        int                  `json:"processed"`
	Notifications    []types.Notification `json:"notifications"`
	DeliveryFailures int                  `json:"delivery_failures"`
	Saved            bool                 `json:"saved"`
}

func decodeRun(t *testing.T, stdout string) runOutput {
	t.Helper()
	var out runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out), stdout)
	return out
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestRun_UnsupportedFormat(t *testing.T) {
	_, _, err := execute(t, "run", "--format", "sarif")
	assert.Equal(t, ExitInvalidConfig, exitCode(t, err))
}

func TestRun_InvalidConfig(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")

	_, _, err := execute(t, "run", "--config", cfg, "--batch-size", "0")
	assert.Equal(t, ExitInvalidConfig, exitCode(t, err))
}

func TestRun_MissingConfigFile(t *testing.T) {
	newEnv(t, http.StatusOK)
	_, _, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, ExitInvalidConfig, exitCode(t, err))
}

func TestRun_Locked(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")
	feed := e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")

	lock, err := history.AcquireLock(filepath.Join(e.dir, "epss-watch.lock"))
	require.NoError(t, err)
	defer lock.Release()

	_, _, err = execute(t, "run", "--config", cfg, "--feed-file", feed)
	assert.Equal(t, ExitLocked, exitCode(t, err))
}

func TestRun_BaselineThenIncrease(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")

	feed := e.writeFeed(t, "CVE-2024-0001,0.60,0.98\nCVE-2024-0002,0.40,0.90\nGHSA-xxxx,0.99,0.99\n")
	stdout, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--dry-run", "--format", "json")
	require.NoError(t, err)

	first := decodeRun(t, stdout)
	assert.True(t, first.FirstRun)
	assert.Equal(t, 1, first.Processed)
	assert.Empty(t, first.Notifications)
	assert.True(t, first.Saved)

	feed = e.writeFeed(t, "CVE-2024-0001,0.75,0.98\nCVE-2024-0003,0.55,0.95\n")
	stdout, _, err = execute(t, "run", "--config", cfg, "--feed-file", feed, "--dry-run", "--format", "json")
	require.NoError(t, err)

	second := decodeRun(t, stdout)
	assert.False(t, second.FirstRun)
	require.Len(t, second.Notifications, 2)
	assert.Equal(t, types.ReasonSignificantIncrease, second.Notifications[0].Reason)
	assert.Equal(t, "CVE-2024-0001", second.Notifications[0].CVEID)
	assert.Equal(t, types.ReasonNew, second.Notifications[1].Reason)
	assert.Equal(t, []string{"acme"}, second.Notifications[1].Manufacturers)
	assert.Equal(t, "Issue in CVE-2024-0003", second.Notifications[1].Description)

	stdout, _, err = execute(t, "history", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	var doc struct {
		Count   int                 `json:"count"`
		Records []types.ScoreRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, 2, doc.Count)
	assert.Equal(t, "CVE-2024-0001", doc.Records[0].CVEID)
	assert.InDelta(t, 0.75, doc.Records[0].EPSSScore, 1e-12)
}

func TestRun_NoSave(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")
	feed := e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")

	stdout, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--no-save", "--format", "json")
	require.NoError(t, err)
	assert.False(t, decodeRun(t, stdout).Saved)

	_, err = os.Stat(filepath.Join(e.dir, "history.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_SQLiteBackend(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "history:\n  backend: sqlite\n")
	feed := e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")

	_, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--dry-run")
	require.NoError(t, err)

	stdout, _, err := execute(t, "history", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, stdout, "History (sqlite)")
	assert.Contains(t, stdout, "CVE-2024-0001")
	assert.Contains(t, stdout, "acme")
}

func TestRun_TableOutput(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")
	feed := e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")

	stdout, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "first run, baseline recorded")
	assert.Contains(t, stdout, "Total: 0 (NEW: 0, SIGNIFICANT_INCREASE: 0)")
}

func TestRun_OutputFile(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")
	feed := e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")
	out := filepath.Join(e.dir, "result.txt")

	stdout, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--dry-run", "-o", out)
	require.NoError(t, err)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[EPSS v2025.03.14, scores 2026-10-18T00:00:00+0000]")
	assert.Contains(t, string(data), "first run, baseline recorded")
}

type failingCloser struct{ bytes.Buffer }

func (*failingCloser) Close() error { return errors.New("disk full") }

func TestWriteRunResult_CloseError(t *testing.T) {
	orig := createOutput
	t.Cleanup(func() { createOutput = orig })
	var written *failingCloser
	createOutput = func(string) (io.WriteCloser, error) {
		written = &failingCloser{}
		return written, nil
	}

	res := &runner.Result{RunID: "run-1", Failed: []string{}, Notifications: []types.Notification{}}
	err := writeRunResult(io.Discard, res, &runOptions{Format: "json", Output: "result.json"})
	require.ErrorContains(t, err, "closing output file: disk full")
	assert.Contains(t, written.String(), `"run_id": "run-1"`)
}

func TestRun_DeliveryFailure(t *testing.T) {
	e := newEnv(t, http.StatusInternalServerError)
	cfg := e.writeConfig(t, fmt.Sprintf("webhook:\n  url: %s\n", e.hookURL))

	// Seed history so the next run notifies.
	feed := e.writeFeed(t, "CVE-2024-0001,0.6,0.99\n")
	_, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed)
	require.NoError(t, err)

	feed = e.writeFeed(t, "CVE-2024-0001,0.9,0.99\n")
	stdout, _, err := execute(t, "run", "--config", cfg, "--feed-file", feed, "--format", "json", "--fail-on-delivery-error")
	assert.Equal(t, ExitDeliveryFailed, exitCode(t, err))

	out := decodeRun(t, stdout)
	assert.Equal(t, 1, out.DeliveryFailures)
	// Delivery failures never block the save.
	assert.True(t, out.Saved)
}

func TestRun_FeedFromStdin(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")

	var stdout bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"run", "--config", cfg, "--feed-file", "-", "--dry-run", "--format", "json"})
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("cve,epss,percentile\nCVE-2024-0001,0.9,0.99\n"))
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 1, decodeRun(t, stdout.String()).Processed)
}

func TestHistory_Empty(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	cfg := e.writeConfig(t, "")

	stdout, _, err := execute(t, "history", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":0,"records":[]}`, stdout)
}
