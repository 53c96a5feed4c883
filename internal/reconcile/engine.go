// Package reconcile drives a quota reconciliation run: choose targets, then
// either remediate them one by one or escalate when there are too many.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/divitel/kroket-quota/internal/quota"
)

// DefaultCutoff is the largest mismatch count remediated without escalation.
const DefaultCutoff = 25

// ErrInvalidCutoff is returned when the engine is configured with a negative
// cutoff.
var ErrInvalidCutoff = errors.New("cutoff must not be negative")

// SubscriberSource provides the subscribers of the current snapshot.
type SubscriberSource interface {
	Subscribers(ctx context.Context) ([]quota.Subscriber, error)
}

// BundleSource provides the bundle entitlement table.
type BundleSource interface {
	Load(ctx context.Context) (quota.BundleTable, error)
}

// Remediator reads and writes subscriber records on the provisioning service.
type Remediator interface {
	FetchRecord(ctx context.Context, id string) (string, error)
	SubmitQuota(ctx context.Context, id, record string, minutes int) error
}

// Escalator raises one ticket for an aborted run and returns its key.
type Escalator interface {
	Raise(ctx context.Context, count int) (string, error)
}

// Worklist persists targets between an aborted run and a manual run.
type Worklist interface {
	Load() ([]string, error)
	Clear() error
	Save(ids []string) error
}

// Result summarises a run.
type Result struct {
	Mode       Mode
	State      State
	Targets    int
	Remediated int
	Failed     int
	Skipped    int
	TicketKey  string
}

// Engine runs one reconciliation. All collaborators except Escalator are
// required; without an Escalator an abort is logged but no ticket is raised.
type Engine struct {
	Cutoff      int
	Subscribers SubscriberSource
	Bundles     BundleSource
	Remediator  Remediator
	Escalator   Escalator
	Worklist    Worklist
	Log         *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// Run executes one reconciliation in mode. The returned error is non-nil
// exactly when the result state is StateFailed.
func (e *Engine) Run(ctx context.Context, mode Mode) (Result, error) {
	res := Result{Mode: mode, State: StateFailed}
	log := e.logger().With("mode", mode.String())

	if e.Cutoff < 0 {
		return res, fmt.Errorf("%w: %d", ErrInvalidCutoff, e.Cutoff)
	}

	log.Info("reconciliation run started", "cutoff", e.Cutoff)

	subs, err := e.Subscribers.Subscribers(ctx)
	if err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}
	table, err := e.Bundles.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("load bundle table: %w", err)
	}
	if len(table) == 0 {
		return res, quota.ErrEmptyBundleTable
	}

	var targets []string
	switch mode {
	case ModeManual:
		targets = e.loadWorklist(log)
	case ModeAuto:
		log.Info("checking customers for mismatches", "customers", len(subs))
		targets, err = quota.Detect(subs, table)
		if err != nil {
			return res, fmt.Errorf("detect mismatches: %w", err)
		}
	default:
		return res, fmt.Errorf("%w: unsupported mode %s", ErrUsage, mode)
	}
	res.Targets = len(targets)
	log.Info("reprovision targets selected", "targets", len(targets))

	if mode == ModeAuto && len(targets) > e.Cutoff {
		e.abort(ctx, log, targets, &res)
		res.State = StateAborted
		log.Info("run concluded without reprovisioning; rerun with "+ManualFlag+" to reprovision the listed customers",
			"targets", res.Targets, "ticket", res.TicketKey)
		return res, nil
	}

	if err := e.remediate(ctx, log, targets, subs, table, &res); err != nil {
		return res, err
	}
	res.State = StateCompleted
	log.Info("reprovisioning attempts complete",
		"targets", res.Targets,
		"remediated", res.Remediated,
		"failed", res.Failed,
		"skipped", res.Skipped)
	return res, nil
}

// loadWorklist reads and clears the worklist. Failures are logged and yield
// fewer targets rather than failing the run.
func (e *Engine) loadWorklist(log *slog.Logger) []string {
	targets, err := e.Worklist.Load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("worklist not found; nothing to reprovision", "error", err)
		targets = nil
	case err != nil:
		log.Error("failed to read worklist", "error", err)
		targets = nil
	}

	if err := e.Worklist.Clear(); err != nil {
		log.Error("failed to clear worklist", "error", err)
	} else {
		log.Info("worklist cleared")
	}
	return targets
}

// abort records targets for a manual run and raises a ticket. Neither step
// can fail the run.
func (e *Engine) abort(ctx context.Context, log *slog.Logger, targets []string, res *Result) {
	log.Warn("mismatch count exceeds cutoff; no automatic reprovisioning",
		"targets", len(targets), "cutoff", e.Cutoff)
	for _, id := range targets {
		log.Info("mismatch detected", "customer", id)
	}

	if err := e.Worklist.Save(targets); err != nil {
		log.Error("failed to write worklist", "error", err)
	} else {
		log.Info("worklist ready for a manual run", "targets", len(targets))
	}

	if e.Escalator == nil {
		log.Error("no ticketing configured; escalation not raised", "targets", len(targets))
		return
	}
	key, err := e.Escalator.Raise(ctx, len(targets))
	res.TicketKey = key
	if err != nil {
		log.Error("failed to raise escalation ticket", "ticket", key, "error", err)
	}
}

// remediate pushes the intended quota for every target in order. A failure
// for one subscriber never stops the others.
func (e *Engine) remediate(ctx context.Context, log *slog.Logger, targets []string, subs []quota.Subscriber, table quota.BundleTable, res *Result) error {
	if len(targets) == 0 {
		return nil
	}
	index := quota.Index(subs)

	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("remediation interrupted: %w", err)
		}

		sub, ok := index[id]
		if !ok {
			log.Warn("target not in snapshot; skipped", "customer", id)
			res.Skipped++
			continue
		}
		eval, err := quota.Evaluate(sub, table)
		if err != nil {
			log.Error("cannot evaluate target; skipped", "customer", id, "error", err)
			res.Skipped++
			continue
		}

		record, err := e.Remediator.FetchRecord(ctx, id)
		if err != nil {
			log.Error("fetch customer record failed", "customer", id, "error", err)
			res.Failed++
			continue
		}
		if err := e.Remediator.SubmitQuota(ctx, id, record, eval.Intended); err != nil {
			log.Error("reprovision failed", "customer", id, "quota", eval.Intended, "error", err)
			res.Failed++
			continue
		}
		log.Info("customer reprovisioned", "customer", id, "from", eval.OnFile, "to", eval.Intended)
		res.Remediated++
	}
	return nil
}
