// Package callback processes completion notifications from
// asynchronous executions. Delivery is at-least-once; receipts keyed by
// the caller-supplied callback identifier make the effects exactly-once.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/engine"
	"github.com/vigil-hq/vigil/pkg/envelope"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/orchestrator"
	"github.com/vigil-hq/vigil/pkg/otelhelper"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

// ErrUnsupportedStatus is returned when the wire status is outside the
// external vocabulary.
var ErrUnsupportedStatus = errors.New("unsupported callback status")

// EnvelopeDownloadError wraps a failure to fetch the result envelope.
// The run is failed and the delivery is not retried automatically.
type EnvelopeDownloadError struct {
	URI string
	Err error
}

func (e *EnvelopeDownloadError) Error() string {
	return fmt.Sprintf("failed to download envelope from %q: %v", e.URI, e.Err)
}

func (e *EnvelopeDownloadError) Unwrap() error {
	return e.Err
}

const redisClaimTTL = 24 * time.Hour

// Request is the decoded callback payload.
type Request struct {
	RunID      string                `json:"run_id"      validate:"required"`
	CallbackID string                `json:"callback_id"`
	Status     models.ExternalStatus `json:"status"      validate:"required"`
	ResultURI  string                `json:"result_uri"`
}

// Response is what the caller gets back.
type Response struct {
	Message            string     `json:"message"`
	IdempotentReplayed bool       `json:"idempotent_replayed,omitempty"`
	OriginalReceivedAt *time.Time `json:"original_received_at,omitempty"`
}

// Service finalizes runs from callbacks.
type Service struct {
	persistence persistence.Persistence
	envelopes   envelope.Store
	assertions  *assertion.Evaluator
	// redis is an optional duplicate-claim fast path in front of the
	// receipt table; the table stays authoritative.
	redis  *redis.Client
	tracer trace.Tracer
	logger *slog.Logger
}

func NewService(
	p persistence.Persistence,
	envelopes envelope.Store,
	assertions *assertion.Evaluator,
	redisClient *redis.Client,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Service {
	return &Service{
		persistence: p,
		envelopes:   envelopes,
		assertions:  assertions,
		redis:       redisClient,
		tracer:      tracer,
		logger:      logger,
	}
}

// Process handles one callback delivery. A duplicate callback_id whose
// receipt is already terminal returns immediately with no side effects:
// the envelope is not re-downloaded and no findings are re-created.
func (s *Service) Process(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "callback.process",
		attribute.String(otelhelper.RunIDKey, req.RunID),
		attribute.String(otelhelper.CallbackIDKey, req.CallbackID),
	)
	defer span.End()

	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStatus, req.Status)
	}

	if req.CallbackID != "" {
		replay, err := s.claimCallback(ctx, req)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if replay != nil {
			s.logger.InfoContext(ctx, "duplicate callback suppressed", "callback_id", req.CallbackID)

			return replay, nil
		}
	}

	response, err := s.process(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		if req.CallbackID != "" {
			s.finalizeReceipt(ctx, req.CallbackID, models.ReceiptStatusFailed)
		}

		return nil, err
	}

	if req.CallbackID != "" {
		s.finalizeReceipt(ctx, req.CallbackID, models.ReceiptStatusCompleted)
	}

	return response, nil
}

// claimCallback claims the callback identifier. A nil, nil return means
// the claim is ours and processing should proceed.
func (s *Service) claimCallback(ctx context.Context, req *Request) (*Response, error) {
	if s.redis != nil {
		// Fast path only: a redis failure falls through to the table.
		claimed, err := s.redis.SetNX(ctx, "vigil:callback:"+req.CallbackID, req.RunID, redisClaimTTL).Result()
		if err != nil {
			s.logger.WarnContext(ctx, "redis claim failed, falling back to receipts", "error", err)
		} else if !claimed {
			if replay := s.replayResponse(ctx, req.CallbackID); replay != nil {
				return replay, nil
			}
		}
	}

	err := s.persistence.CreateReceipt(ctx, &models.CallbackReceipt{
		CallbackID: req.CallbackID,
		RunID:      req.RunID,
		Status:     models.ReceiptStatusProcessing,
		ReceivedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil, nil
	}

	if !persistence.IsReceiptExists(err) {
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}

	if replay := s.replayResponse(ctx, req.CallbackID); replay != nil {
		return replay, nil
	}

	// Receipt exists but never reached a terminal state: an earlier
	// attempt died mid-processing. Take over.
	return nil, nil
}

func (s *Service) replayResponse(ctx context.Context, callbackID string) *Response {
	receipt, err := s.persistence.ReceiptByID(ctx, callbackID)
	if err != nil || !receipt.Status.IsTerminal() {
		return nil
	}

	received := receipt.ReceivedAt

	return &Response{
		Message:            "callback already processed",
		IdempotentReplayed: true,
		OriginalReceivedAt: &received,
	}
}

func (s *Service) process(ctx context.Context, req *Request) (*Response, error) {
	run, err := s.persistence.RunByID(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		// A racing actor (watchdog or duplicate without callback_id)
		// already finalized the run.
		return &Response{Message: "run already finalized"}, nil
	}

	stepRun, step, validator, ruleset, err := s.loadStepContext(ctx, run)
	if err != nil {
		return nil, err
	}

	env, err := s.downloadEnvelope(ctx, req)
	if err != nil {
		s.failRunForDownload(ctx, run.ID, stepRun, err)

		return nil, err
	}

	// The wire status is authoritative over whatever the envelope says.
	env.Status = req.Status

	stepRunID := ""
	if stepRun != nil {
		stepRunID = stepRun.ID
	}

	interpretation := engine.Interpret(env, run.ID, stepRunID, validator, ruleset, s.assertions)

	if len(interpretation.Findings) > 0 {
		err = s.persistence.SaveFindings(ctx, interpretation.Findings)
		if err != nil {
			return nil, fmt.Errorf("failed to save findings: %w", err)
		}
	}

	err = s.finalizeStep(ctx, stepRun, interpretation)
	if err != nil {
		return nil, err
	}

	err = s.finalizeRun(ctx, run.ID, interpretation)
	if err != nil {
		return nil, err
	}

	// Summaries are rebuilt for the whole run, not only the step that
	// just completed, so earlier synchronous steps stay counted.
	err = orchestrator.RebuildSummary(ctx, s.persistence, run.ID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "callback processed",
		"run_id", run.ID, "callback_id", req.CallbackID, "status", req.Status,
		"step", stepName(step))

	return &Response{Message: "callback processed"}, nil
}

// loadStepContext finds the suspended RUNNING step and its validator
// configuration. A run with no running step still gets finalized at the
// run level.
func (s *Service) loadStepContext(ctx context.Context, run *models.ValidationRun) (
	*models.StepRun, *models.Step, *models.ValidatorDescriptor, *models.Ruleset, error,
) {
	stepRuns, err := s.persistence.StepRuns(ctx, run.ID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load step runs: %w", err)
	}

	var running *models.StepRun

	for _, sr := range stepRuns {
		if sr.Status == models.StepStatusRunning {
			running = sr

			break
		}
	}

	validator, err := s.persistence.ValidatorByID(ctx, run.ValidatorID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load validator: %w", err)
	}

	if running == nil {
		return nil, nil, validator, nil, nil
	}

	steps, err := s.persistence.StepsForValidator(ctx, run.ValidatorID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load steps: %w", err)
	}

	var (
		step    *models.Step
		ruleset *models.Ruleset
	)

	for _, candidate := range steps {
		if candidate.ID == running.StepID {
			step = candidate

			break
		}
	}

	if step != nil && step.RulesetID != "" {
		ruleset, err = s.persistence.RulesetByID(ctx, step.RulesetID)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to load ruleset: %w", err)
		}
	}

	return running, step, validator, ruleset, nil
}

func (s *Service) downloadEnvelope(ctx context.Context, req *Request) (*models.Envelope, error) {
	if req.ResultURI == "" {
		return &models.Envelope{}, nil
	}

	env, err := s.envelopes.Fetch(ctx, req.ResultURI)
	if err != nil {
		return nil, &EnvelopeDownloadError{URI: req.ResultURI, Err: err}
	}

	return env, nil
}

func (s *Service) failRunForDownload(ctx context.Context, runID string, stepRun *models.StepRun, cause error) {
	now := time.Now().UTC()

	if stepRun != nil {
		stepRun.Status = models.StepStatusFailed
		stepRun.FinishedAt = &now
		stepRun.Detail = cause.Error()

		if err := s.persistence.SaveStepRun(ctx, stepRun); err != nil {
			s.logger.ErrorContext(ctx, "failed to fail step after download error", "run_id", runID, "error", err)
		}
	}

	err := s.persistence.FinalizeRun(ctx, runID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		fresh.Status = models.RunStatusFailed
		fresh.FailureCategory = models.FailureSystem
		fresh.FailureDetail = cause.Error()
		fresh.EndedAt = &now

		return true, nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize run after download error", "run_id", runID, "error", err)
	}
}

func (s *Service) finalizeStep(ctx context.Context, stepRun *models.StepRun, interpretation *engine.Interpretation) error {
	if stepRun == nil {
		return nil
	}

	now := time.Now().UTC()
	stepRun.FinishedAt = &now
	stepRun.Detail = interpretation.Detail

	switch {
	case interpretation.Cancelled:
		stepRun.Status = models.StepStatusCanceled
	case interpretation.Passed:
		stepRun.Status = models.StepStatusPassed
	default:
		stepRun.Status = models.StepStatusFailed
	}

	err := s.persistence.SaveStepRun(ctx, stepRun)
	if err != nil {
		return fmt.Errorf("failed to finalize step run: %w", err)
	}

	return nil
}

// finalizeRun applies the locked read-modify-write: the status is
// re-checked under the row lock so a racing watchdog cannot be
// clobbered, and the loser silently no-ops.
func (s *Service) finalizeRun(ctx context.Context, runID string, interpretation *engine.Interpretation) error {
	err := s.persistence.FinalizeRun(ctx, runID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.EndedAt = &now

		switch {
		case interpretation.Cancelled:
			fresh.Status = models.RunStatusCanceled
			fresh.FailureCategory = models.FailureCancelled
		case interpretation.Passed:
			fresh.Status = models.RunStatusSucceeded
		default:
			fresh.Status = models.RunStatusFailed
			fresh.FailureCategory = interpretation.Category
			fresh.FailureDetail = interpretation.Detail
		}

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	return nil
}

func (s *Service) finalizeReceipt(ctx context.Context, callbackID string, status models.ReceiptStatus) {
	err := s.persistence.FinalizeReceipt(ctx, callbackID, status)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize receipt", "callback_id", callbackID, "error", err)
	}
}

func stepName(step *models.Step) string {
	if step == nil {
		return ""
	}

	return step.Name
}
