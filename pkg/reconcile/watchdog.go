// Package reconcile sweeps runs stuck in RUNNING and either replays a
// lost callback or times them out.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-hq/vigil/pkg/backend"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

const (
	DefaultTimeout   = 30 * time.Minute
	DefaultBatchSize = 100
)

// Options configures one sweep.
type Options struct {
	// Timeout is how long a run may stay RUNNING before it is
	// considered stuck.
	Timeout   time.Duration
	BatchSize int
	// DryRun reports intended actions without mutating state.
	DryRun bool
}

// Action names what the watchdog decided for one run.
type Action string

const (
	ActionSkipped        Action = "skipped"
	ActionTimedOut       Action = "timed_out"
	ActionFailed         Action = "failed"
	ActionCallbackReplay Action = "callback_replayed"
	ActionNoop           Action = "noop"
)

// RunOutcome is one line of the sweep report.
type RunOutcome struct {
	RunID  string
	Action Action
	Detail string
}

// Report summarizes one sweep.
type Report struct {
	Examined int
	Resolved int
	Outcomes []RunOutcome
}

// Watchdog reconciles stuck runs. It shares the callback service so a
// recovered result flows through exactly the same idempotent path a
// genuine callback would.
type Watchdog struct {
	persistence persistence.Persistence
	backends    backend.Registry
	callbacks   *callback.Service
	logger      *slog.Logger
}

func NewWatchdog(p persistence.Persistence, backends backend.Registry, callbacks *callback.Service, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		persistence: p,
		backends:    backends,
		callbacks:   callbacks,
		logger:      logger,
	}
}

// Sweep examines the oldest stuck runs and resolves each one. Errors on
// individual runs are logged and counted, never fatal to the sweep.
func (w *Watchdog) Sweep(ctx context.Context, opts Options) (*Report, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	cutoff := time.Now().UTC().Add(-opts.Timeout)

	stuck, err := w.persistence.RunningRunsOlderThan(ctx, cutoff, opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck runs: %w", err)
	}

	report := &Report{Examined: len(stuck)}

	for _, run := range stuck {
		outcome := w.reconcile(ctx, run, opts.DryRun)
		report.Outcomes = append(report.Outcomes, outcome)

		if outcome.Action != ActionSkipped && outcome.Action != ActionNoop {
			report.Resolved++
		}

		w.logger.InfoContext(ctx, "reconciled run",
			"run_id", run.ID, "action", outcome.Action, "detail", outcome.Detail, "dry_run", opts.DryRun)
	}

	return report, nil
}

func (w *Watchdog) reconcile(ctx context.Context, run *models.ValidationRun, dryRun bool) RunOutcome {
	// Without execution metadata there is nothing to poll; the run can
	// only be hard timed out.
	if run.ExecutionID == "" || run.BackendKind == "" {
		return w.hardTimeout(ctx, run, "no execution metadata, run exceeded timeout", dryRun)
	}

	be, err := w.backends.Lookup(ctx, models.BackendKind(run.BackendKind))
	if err != nil {
		return w.hardTimeout(ctx, run, "backend unavailable: "+err.Error(), dryRun)
	}

	response, err := be.CheckStatus(ctx, run.ExecutionID)
	if err != nil {
		// Query failures fall through to the timeout path rather than
		// leaving the run stuck indefinitely.
		w.logger.WarnContext(ctx, "backend status query failed", "run_id", run.ID, "error", err)

		return w.hardTimeout(ctx, run, "backend status query failed: "+err.Error(), dryRun)
	}

	if response == nil {
		return w.hardTimeout(ctx, run, "backend has no record of execution "+run.ExecutionID, dryRun)
	}

	if !response.IsComplete {
		// Still running on the backend side: not stuck yet.
		return RunOutcome{RunID: run.ID, Action: ActionSkipped, Detail: "execution still running"}
	}

	if response.ErrorMessage != "" {
		return w.failRun(ctx, run, response.ErrorMessage, dryRun)
	}

	return w.replayCallback(ctx, run, response, dryRun)
}

// replayCallback synthesizes a callback for an execution that finished
// successfully but whose notification was lost. The deterministic
// callback identifier makes repeated sweeps idempotent.
func (w *Watchdog) replayCallback(ctx context.Context, run *models.ValidationRun, response *models.ExecutionResponse, dryRun bool) RunOutcome {
	callbackID := fmt.Sprintf("reconcile-%s-%s", run.ID, run.ExecutionID)

	if dryRun {
		return RunOutcome{RunID: run.ID, Action: ActionCallbackReplay, Detail: "would replay callback " + callbackID}
	}

	resp, err := w.callbacks.Process(ctx, &callback.Request{
		RunID:      run.ID,
		CallbackID: callbackID,
		Status:     models.ExternalStatusSuccess,
		ResultURI:  response.OutputURI,
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "synthetic callback failed", "run_id", run.ID, "error", err)

		return w.hardTimeout(ctx, run, "synthetic callback failed: "+err.Error(), dryRun)
	}

	if resp.IdempotentReplayed {
		return RunOutcome{RunID: run.ID, Action: ActionNoop, Detail: "callback already processed"}
	}

	return RunOutcome{RunID: run.ID, Action: ActionCallbackReplay, Detail: "replayed lost callback " + callbackID}
}

// hardTimeout marks the run TIMED_OUT under the row lock, re-checking
// the status so a genuine callback that just finalized the run is not
// clobbered.
func (w *Watchdog) hardTimeout(ctx context.Context, run *models.ValidationRun, detail string, dryRun bool) RunOutcome {
	if dryRun {
		return RunOutcome{RunID: run.ID, Action: ActionTimedOut, Detail: "would time out: " + detail}
	}

	mutated := false

	err := w.persistence.FinalizeRun(ctx, run.ID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusTimedOut
		fresh.FailureCategory = models.FailureTimeout
		fresh.FailureDetail = detail
		fresh.EndedAt = &now
		mutated = true

		return true, nil
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to time out run", "run_id", run.ID, "error", err)

		return RunOutcome{RunID: run.ID, Action: ActionNoop, Detail: "timeout write failed: " + err.Error()}
	}

	if !mutated {
		return RunOutcome{RunID: run.ID, Action: ActionNoop, Detail: "already finalized by another actor"}
	}

	return RunOutcome{RunID: run.ID, Action: ActionTimedOut, Detail: detail}
}

// failRun marks the run FAILED with the backend's error detail.
func (w *Watchdog) failRun(ctx context.Context, run *models.ValidationRun, detail string, dryRun bool) RunOutcome {
	if dryRun {
		return RunOutcome{RunID: run.ID, Action: ActionFailed, Detail: "would fail: " + detail}
	}

	mutated := false

	err := w.persistence.FinalizeRun(ctx, run.ID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusFailed
		fresh.FailureCategory = models.FailureRuntime
		fresh.FailureDetail = detail
		fresh.EndedAt = &now
		mutated = true

		return true, nil
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to fail run", "run_id", run.ID, "error", err)

		return RunOutcome{RunID: run.ID, Action: ActionNoop, Detail: "failure write failed: " + err.Error()}
	}

	if !mutated {
		return RunOutcome{RunID: run.ID, Action: ActionNoop, Detail: "already finalized by another actor"}
	}

	return RunOutcome{RunID: run.ID, Action: ActionFailed, Detail: detail}
}
