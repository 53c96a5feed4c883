package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divitel/kroket-quota/internal/config"
	"github.com/divitel/kroket-quota/internal/quota"
	"github.com/divitel/kroket-quota/internal/reconcile"
	"github.com/divitel/kroket-quota/internal/snapshot"
	"github.com/divitel/kroket-quota/internal/worklist"
)

// writeConfig points QUOTA_CONFIG at a config file whose paths all live in a
// scratch directory, and returns that directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`snapshot:
  dir: %[1]s/snapshots
worklist:
  path: %[1]s/targets.csv
bundles:
  host: 127.0.0.1
  port: 1
prodis:
  url: http://127.0.0.1:1/customers
log:
  file: %[1]s/logs/quota.log
%[2]s`, dir, extra)
	path := filepath.Join(dir, "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("QUOTA_CONFIG", path)
	t.Cleanup(config.ResetForTesting)
	return dir
}

func TestRunRejectsUnknownArguments(t *testing.T) {
	dir := writeConfig(t, "")
	var stderr bytes.Buffer

	res, err := run(context.Background(), []string{"--force"}, &stderr)
	assert.ErrorIs(t, err, reconcile.ErrUsage)
	assert.Equal(t, reconcile.StateFailed, res.State)
	assert.Equal(t, 1, exitCode(res, err))
	assert.Contains(t, stderr.String(), "quota --manual")
	assert.Contains(t, stderr.String(), "kind=usage")

	logged, err := os.ReadFile(filepath.Join(dir, "logs", "quota.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "quota job failed")

	_, err = os.Stat(filepath.Join(dir, "targets.csv"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "no work may be performed")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	writeConfig(t, "cutoff: -1\n")
	var stderr bytes.Buffer

	_, err := run(context.Background(), nil, &stderr)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, stderr.String(), "cutoff")
}

func TestRunFailsWhenLocked(t *testing.T) {
	dir := writeConfig(t, "")
	lock, err := worklist.AcquireRunLock(filepath.Join(dir, "targets.csv"))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	var stderr bytes.Buffer
	res, err := run(context.Background(), []string{"--manual"}, &stderr)
	assert.ErrorIs(t, err, worklist.ErrLocked)
	assert.Equal(t, reconcile.ModeManual, res.Mode)
	assert.Contains(t, stderr.String(), "kind=locked")
}

func TestRootCommandExitStatus(t *testing.T) {
	writeConfig(t, "")
	var stderr bytes.Buffer
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"--manual", "extra"})
	t.Cleanup(func() {
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errExit)
	assert.Contains(t, stderr.String(), "too many arguments")
}

func TestExecuteKeepsCompletionCommandOutOfReach(t *testing.T) {
	dir := writeConfig(t, "")
	var stderr bytes.Buffer

	code := execute(context.Background(), []string{"__complete", ""}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "kind=usage")
	assert.Contains(t, stderr.String(), "quota --manual")

	logged, err := os.ReadFile(filepath.Join(dir, "logs", "quota.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "quota job failed")
}

func TestExecuteRejectsExtraArguments(t *testing.T) {
	writeConfig(t, "")
	var stderr bytes.Buffer

	assert.Equal(t, 1, execute(context.Background(), []string{"--manual", "extra"}, &stderr))
	assert.Contains(t, stderr.String(), "too many arguments")
}

func TestRunLogsRedactedSettingsAtDebug(t *testing.T) {
	dir := writeConfig(t, "")
	t.Setenv("QUOTA_LOG_LEVEL", "debug")
	t.Setenv("QUOTA_BUNDLES_PASSWORD", "hunter2")
	var stderr bytes.Buffer

	_, err := run(context.Background(), []string{"--force"}, &stderr)
	require.ErrorIs(t, err, reconcile.ErrUsage)

	logged, err := os.ReadFile(filepath.Join(dir, "logs", "quota.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "effective settings")
	assert.Contains(t, string(logged), "********")
	assert.NotContains(t, string(logged), "hunter2")
	assert.NotContains(t, stderr.String(), "hunter2")
}

func TestRunRecoversPanic(t *testing.T) {
	dir := writeConfig(t, "")
	reconcileFn = func(context.Context, *config.Settings, reconcile.Mode, *slog.Logger) (reconcile.Result, error) {
		panic("nil map write")
	}
	t.Cleanup(func() { reconcileFn = reconcileOnce })
	var stderr bytes.Buffer

	res, err := run(context.Background(), nil, &stderr)
	assert.ErrorIs(t, err, errPanic)
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, reconcile.StateFailed, res.State)
	assert.Equal(t, 1, exitCode(res, err))
	assert.Contains(t, stderr.String(), "kind=internal")

	logged, err := os.ReadFile(filepath.Join(dir, "logs", "quota.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "quota job failed")
}

func TestNewEscalator(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	s := &config.Settings{}
	n, err := newEscalator(s, log)
	require.NoError(t, err)
	assert.Nil(t, n)

	s.Jira.URL = "https://jira.example.com"
	s.Jira.APIToken = "token"
	s.Jira.Project = "DIV"
	s.Jira.IssueType = "Incident"
	n, err = newEscalator(s, log)
	require.NoError(t, err)
	assert.NotNil(t, n)

	s.Jira.ExtraFields = map[string]string{"customfield_11114": "[{"}
	_, err = newEscalator(s, log)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		res  reconcile.Result
		err  error
		want int
	}{
		{name: "completed", res: reconcile.Result{State: reconcile.StateCompleted}, want: 0},
		{name: "aborted", res: reconcile.Result{State: reconcile.StateAborted}, want: 0},
		{name: "failed", res: reconcile.Result{State: reconcile.StateFailed}, want: 1},
		{name: "error", res: reconcile.Result{State: reconcile.StateCompleted}, err: errors.New("x"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.res, tt.err))
		})
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", reconcile.ErrUsage), "usage"},
		{fmt.Errorf("%w: x", config.ErrInvalid), "config"},
		{reconcile.ErrInvalidCutoff, "config"},
		{fmt.Errorf("lock: %w", worklist.ErrLocked), "locked"},
		{fmt.Errorf("load: %w", quota.ErrEmptyBundleTable), "empty_bundle_table"},
		{fmt.Errorf("detect: %w", &quota.InvalidRecordError{SubscriberID: "1", Field: "NPVRQuota", Value: "x"}), "invalid_record"},
		{fmt.Errorf("load snapshot: %w", snapshot.ErrNoSnapshot), "no_snapshot"},
		{context.Canceled, "canceled"},
		{errors.New("dial tcp: connection refused"), "internal"},
		{fmt.Errorf("%w: boom", errPanic), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), "errorKind(%v)", tt.err)
	}
}
