package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/divitel/kroket-quota/internal/bundles"
	"github.com/divitel/kroket-quota/internal/config"
	"github.com/divitel/kroket-quota/internal/jira"
	"github.com/divitel/kroket-quota/internal/logging"
	"github.com/divitel/kroket-quota/internal/prodis"
	"github.com/divitel/kroket-quota/internal/quota"
	"github.com/divitel/kroket-quota/internal/reconcile"
	"github.com/divitel/kroket-quota/internal/snapshot"
	"github.com/divitel/kroket-quota/internal/telemetry"
	"github.com/divitel/kroket-quota/internal/worklist"
)

var (
	// errExit tells cobra the run failed after the failure was already logged.
	errExit = errors.New("quota run failed")
	// errPanic wraps a panic recovered from a run.
	errPanic = errors.New("unexpected panic")
)

// reconcileFn is swapped in tests.
var reconcileFn = reconcileOnce

// run performs one reconciliation with the given arguments and logs the
// outcome. Setup failures before logging is available go to stderr.
func run(ctx context.Context, args []string, stderr io.Writer) (res reconcile.Result, err error) {
	res = reconcile.Result{State: reconcile.StateFailed}

	var (
		log    *slog.Logger
		closer io.Closer
	)
	defer func() {
		if r := recover(); r != nil {
			res.State = reconcile.StateFailed
			err = fmt.Errorf("%w: %v", errPanic, r)
			if log != nil {
				logFailure(log, err)
			} else {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			}
		}
		if closer != nil {
			_ = closer.Close()
		}
	}()

	if err := config.Initialize(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return res, err
	}
	settings, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return res, err
	}

	log, closer, err = logging.New(logging.Options{
		File:   settings.Log.File,
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Stderr: stderr,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return res, err
	}

	log.Info("quota job started", "version", Version, "build", Build, "config", config.ConfigFileUsed())
	log.Debug("effective settings", "settings", settings.Redacted())

	mode, err := reconcile.ParseMode(args)
	if err != nil {
		logFailure(log, err)
		_, _ = fmt.Fprintln(stderr, usageText)
		return res, err
	}
	res.Mode = mode

	if err := telemetry.Init(ctx, "kroket-quota", Version); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	res, err = reconcileFn(ctx, settings, mode, log)
	telemetry.RecordRun(ctx, res)
	if err != nil {
		logFailure(log, err)
		return res, err
	}
	log.Info("quota job finished",
		"mode", res.Mode.String(),
		"state", res.State.String(),
		"targets", res.Targets,
		"remediated", res.Remediated,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"ticket", res.TicketKey)
	return res, nil
}

// reconcileOnce holds the run lock while wiring the collaborators and
// running the engine.
func reconcileOnce(ctx context.Context, settings *config.Settings, mode reconcile.Mode, log *slog.Logger) (reconcile.Result, error) {
	res := reconcile.Result{Mode: mode, State: reconcile.StateFailed}

	lock, err := worklist.AcquireRunLock(settings.Worklist.Path)
	if err != nil {
		return res, err
	}
	defer func() { _ = lock.Release() }()

	log.Info("fetching bundle entitlements", "host", settings.Bundles.Host, "table", settings.Bundles.Table)
	store, err := bundles.Open(ctx, bundles.Config{
		Host:     settings.Bundles.Host,
		Port:     settings.Bundles.Port,
		User:     settings.Bundles.User,
		Password: settings.Bundles.Password,
		Database: settings.Bundles.Database,
		Table:    settings.Bundles.Table,
		Timeout:  settings.Bundles.Timeout,
	}, log)
	if err != nil {
		return res, err
	}
	defer func() { _ = store.Close() }()

	escalator, err := newEscalator(settings, log)
	if err != nil {
		return res, err
	}

	engine := &reconcile.Engine{
		Cutoff:      settings.Cutoff,
		Subscribers: snapshot.NewSource(settings.Snapshot.Dir, settings.Snapshot.Pattern, log),
		Bundles:     store,
		Remediator:  telemetry.WrapRemediator(prodis.NewClient(settings.Prodis.URL, settings.Prodis.Timeout)),
		Worklist:    worklist.New(settings.Worklist.Path),
		Log:         log,
	}
	// A typed nil would defeat the engine's nil check.
	if escalator != nil {
		engine.Escalator = escalator
	}
	return engine.Run(ctx, mode)
}

// newEscalator returns nil when ticketing is not configured; the engine then
// logs escalations without raising a ticket.
func newEscalator(settings *config.Settings, log *slog.Logger) (*jira.Notifier, error) {
	if settings.Jira.URL == "" || settings.Jira.APIToken == "" {
		log.Warn("jira.url or jira.api_token not set; escalations will not raise tickets")
		return nil, nil
	}
	client := jira.NewClient(settings.Jira.URL, settings.Jira.Username, settings.Jira.APIToken, settings.Jira.Timeout)
	n, err := jira.NewNotifier(client, jira.Config{
		Project:       settings.Jira.Project,
		IssueType:     settings.Jira.IssueType,
		SummaryPrefix: settings.Jira.SummaryPrefix,
		Labels:        settings.Jira.Labels,
		Assignee:      settings.Jira.Assignee,
		BrowseURL:     settings.Jira.BrowseURL,
		ExtraFields:   settings.Jira.ExtraFields,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return n, nil
}

// exitCode maps a run outcome to the process exit status.
func exitCode(res reconcile.Result, err error) int {
	if err != nil {
		return 1
	}
	switch res.State {
	case reconcile.StateCompleted, reconcile.StateAborted:
		return 0
	default:
		return 1
	}
}

// errorKind classifies a run failure for the log.
func errorKind(err error) string {
	var invalid *quota.InvalidRecordError
	switch {
	case errors.Is(err, reconcile.ErrUsage):
		return "usage"
	case errors.Is(err, config.ErrInvalid), errors.Is(err, reconcile.ErrInvalidCutoff):
		return "config"
	case errors.Is(err, worklist.ErrLocked):
		return "locked"
	case errors.Is(err, quota.ErrEmptyBundleTable):
		return "empty_bundle_table"
	case errors.As(err, &invalid):
		return "invalid_record"
	case errors.Is(err, snapshot.ErrNoSnapshot):
		return "no_snapshot"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

func logFailure(log *slog.Logger, err error) {
	log.Error("quota job failed", "kind", errorKind(err), "error", err)
}
