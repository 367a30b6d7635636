package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/backend"
	"github.com/vigil-hq/vigil/pkg/engine"
	"github.com/vigil-hq/vigil/pkg/envelope"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/orchestrator"
	"github.com/vigil-hq/vigil/pkg/persistence"
	"github.com/vigil-hq/vigil/pkg/persistence/memory"
)

const outputURI = "s3://bucket/executions/exec-1/output.json"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *memory.Persistence
	envs    *envelope.MemoryStore
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	store := memory.NewPersistence()
	envs := envelope.NewMemoryStore()

	require.NoError(t, store.SaveValidator(ctx, &models.ValidatorDescriptor{
		ID:   "v1",
		Name: "invoice validator",
		Entries: []*models.CatalogEntry{
			{ID: "ce-amount", ValidatorID: "v1", Slug: "amount", Stage: models.StageInput, Required: true},
			{ID: "ce-score", ValidatorID: "v1", Slug: "score", Stage: models.StageOutput},
		},
	}))

	require.NoError(t, store.SaveRuleset(ctx, &models.Ruleset{
		ID: "rs-out",
		Assertions: []*models.Assertion{{
			ID:             "a-score",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-score",
			Operator:       models.OpGreaterOrEqual,
			Expected:       0.5,
			Severity:       models.SeverityError,
		}},
	}))

	require.NoError(t, store.SaveStep(ctx, &models.Step{
		ID: "step-1", ValidatorID: "v1", Name: "intake", DisplayOrder: 1, Engine: models.EngineSimple,
	}))
	require.NoError(t, store.SaveStep(ctx, &models.Step{
		ID: "step-2", ValidatorID: "v1", Name: "external check", DisplayOrder: 2,
		Engine: models.EngineAdvanced, RulesetID: "rs-out", Backend: models.BackendContainerJob,
	}))

	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.CreateRun(ctx, &models.ValidationRun{
		ID:           "run-1",
		SubmissionID: "sub-1",
		ValidatorID:  "v1",
		Status:       models.RunStatusRunning,
		ExecutionID:  "exec-1",
		BackendKind:  string(models.BackendContainerJob),
		Payload:      map[string]any{"amount": 120.0},
		StartedAt:    &started,
	}))

	finished := started.Add(time.Second)
	require.NoError(t, store.SaveStepRun(ctx, &models.StepRun{
		ID: "sr-1", RunID: "run-1", StepID: "step-1",
		Status: models.StepStatusPassed, StartedAt: &started, FinishedAt: &finished,
	}))
	require.NoError(t, store.SaveFindings(ctx, []*models.Finding{{
		RunID: "run-1", StepRunID: "sr-1", Severity: models.SeveritySuccess, Message: "amount ok",
	}}))

	require.NoError(t, store.SaveStepRun(ctx, &models.StepRun{
		ID: "sr-2", RunID: "run-1", StepID: "step-2",
		Status: models.StepStatusRunning, StartedAt: &finished,
	}))

	require.NoError(t, envs.Put(ctx, outputURI, &models.Envelope{
		Outputs: &models.EnvelopeOutputs{OutputValues: map[string]any{"score": 0.9}},
	}))

	assertions := assertion.NewEvaluator(expression.NewEvaluator(), time.Second)
	tracer := noop.NewTracerProvider().Tracer("test")
	service := NewService(store, envs, assertions, nil, tracer, testLogger())

	return &fixture{store: store, envs: envs, service: service}
}

func (f *fixture) run(t *testing.T) *models.ValidationRun {
	t.Helper()

	run, err := f.store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)

	return run
}

func (f *fixture) stepRun(t *testing.T, stepID string) *models.StepRun {
	t.Helper()

	stepRun, err := f.store.StepRunByStep(context.Background(), "run-1", stepID)
	require.NoError(t, err)
	require.NotNil(t, stepRun)

	return stepRun
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t)

	response, err := f.service.Process(context.Background(), &Request{
		RunID:      "run-1",
		CallbackID: "cb-1",
		Status:     models.ExternalStatusSuccess,
		ResultURI:  outputURI,
	})

	require.NoError(t, err)
	assert.False(t, response.IdempotentReplayed)
	assert.Equal(t, "callback processed", response.Message)

	assert.Equal(t, models.StepStatusPassed, f.stepRun(t, "step-2").Status)

	run := f.run(t)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.EndedAt)

	// The rebuilt summary still counts the earlier synchronous step.
	summary, err := f.store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.TotalCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.StepCounts["sr-1"])

	receipt, err := f.store.ReceiptByID(context.Background(), "cb-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusCompleted, receipt.Status)
}

func TestProcessDuplicateCallbackReplays(t *testing.T) {
	f := newFixture(t)

	req := &Request{
		RunID:      "run-1",
		CallbackID: "cb-1",
		Status:     models.ExternalStatusSuccess,
		ResultURI:  outputURI,
	}

	first, err := f.service.Process(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.IdempotentReplayed)

	findingsBefore, err := f.store.FindingsForRun(context.Background(), "run-1")
	require.NoError(t, err)

	second, err := f.service.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.IdempotentReplayed)
	require.NotNil(t, second.OriginalReceivedAt)

	// No side effects on replay: same findings, envelope fetched once.
	findingsAfter, err := f.store.FindingsForRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, findingsAfter, len(findingsBefore))
	assert.Equal(t, 1, f.envs.Fetches[outputURI])
}

func TestProcessWireStatusOverridesEnvelope(t *testing.T) {
	f := newFixture(t)

	// The stored envelope claims a runtime failure; the wire status wins.
	contradictory := "s3://bucket/executions/exec-1/contradictory.json"
	require.NoError(t, f.envs.Put(context.Background(), contradictory, &models.Envelope{
		Status:  models.ExternalStatusFailedRuntime,
		Outputs: &models.EnvelopeOutputs{OutputValues: map[string]any{"score": 0.9}},
	}))

	_, err := f.service.Process(context.Background(), &Request{
		RunID:     "run-1",
		Status:    models.ExternalStatusSuccess,
		ResultURI: contradictory,
	})

	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, f.run(t).Status)
}

func TestProcessSuccessWithEmbeddedErrorsWarnsButPasses(t *testing.T) {
	f := newFixture(t)

	warnURI := "s3://bucket/executions/exec-1/warnings.json"
	require.NoError(t, f.envs.Put(context.Background(), warnURI, &models.Envelope{
		Messages: []models.EnvelopeMessage{{Text: "minor glitch", Severity: models.SeverityError}},
		Outputs:  &models.EnvelopeOutputs{OutputValues: map[string]any{"score": 0.9}},
	}))

	_, err := f.service.Process(context.Background(), &Request{
		RunID:     "run-1",
		Status:    models.ExternalStatusSuccess,
		ResultURI: warnURI,
	})

	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, f.stepRun(t, "step-2").Status)
	assert.Equal(t, models.RunStatusSucceeded, f.run(t).Status)

	summary, err := f.store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.WarningCount)
	assert.Equal(t, 0, summary.ErrorCount)
}

func TestProcessFailedValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Process(context.Background(), &Request{
		RunID:      "run-1",
		CallbackID: "cb-1",
		Status:     models.ExternalStatusFailedValidation,
	})

	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, f.stepRun(t, "step-2").Status)

	run := f.run(t)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.FailureValidation, run.FailureCategory)

	summary, err := f.store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.ErrorCount)
}

func TestProcessCancelled(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Process(context.Background(), &Request{
		RunID:  "run-1",
		Status: models.ExternalStatusCancelled,
	})

	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCanceled, f.stepRun(t, "step-2").Status)

	run := f.run(t)
	assert.Equal(t, models.RunStatusCanceled, run.Status)
	assert.Equal(t, models.FailureCancelled, run.FailureCategory)
}

func TestProcessUnsupportedStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Process(context.Background(), &Request{
		RunID:      "run-1",
		CallbackID: "cb-1",
		Status:     "exploded",
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedStatus))

	// Rejected before any claim: no receipt, no state change.
	_, err = f.store.ReceiptByID(context.Background(), "cb-1")
	assert.ErrorIs(t, err, persistence.ErrReceiptNotFound)
	assert.Equal(t, models.RunStatusRunning, f.run(t).Status)
}

func TestProcessRunNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Process(context.Background(), &Request{
		RunID:      "missing",
		CallbackID: "cb-1",
		Status:     models.ExternalStatusSuccess,
	})

	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))

	receipt, err := f.store.ReceiptByID(context.Background(), "cb-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusFailed, receipt.Status)
}

func TestProcessEnvelopeDownloadFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Process(context.Background(), &Request{
		RunID:     "run-1",
		Status:    models.ExternalStatusSuccess,
		ResultURI: "s3://bucket/executions/exec-1/nope.json",
	})

	require.Error(t, err)

	var downloadErr *EnvelopeDownloadError
	require.True(t, errors.As(err, &downloadErr))
	assert.Equal(t, "s3://bucket/executions/exec-1/nope.json", downloadErr.URI)

	assert.Equal(t, models.StepStatusFailed, f.stepRun(t, "step-2").Status)

	run := f.run(t)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.FailureSystem, run.FailureCategory)
}

func TestProcessTerminalRunIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.FinalizeRun(context.Background(), "run-1", func(fresh *models.ValidationRun) (bool, error) {
		fresh.Status = models.RunStatusTimedOut

		return true, nil
	}))

	response, err := f.service.Process(context.Background(), &Request{
		RunID:     "run-1",
		Status:    models.ExternalStatusSuccess,
		ResultURI: outputURI,
	})

	require.NoError(t, err)
	assert.Equal(t, "run already finalized", response.Message)
	assert.Equal(t, models.RunStatusTimedOut, f.run(t).Status)
	assert.Equal(t, 0, f.envs.Fetches[outputURI])
}

func TestProcessEmptyResultURI(t *testing.T) {
	f := newFixture(t)

	// No result envelope at all still finalizes the step: the wire
	// status is enough.
	_, err := f.service.Process(context.Background(), &Request{
		RunID:  "run-1",
		Status: models.ExternalStatusSuccess,
	})

	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, f.run(t).Status)
}

type asyncStubBackend struct{}

func (b *asyncStubBackend) Execute(ctx context.Context, input *models.Envelope) (*models.ExecutionResponse, error) {
	return &models.ExecutionResponse{ExecutionID: "exec-9", IsComplete: false}, nil
}

func (b *asyncStubBackend) IsAsync() bool { return true }

func (b *asyncStubBackend) IsAvailable(ctx context.Context) bool { return true }

func (b *asyncStubBackend) CheckStatus(ctx context.Context, executionID string) (*models.ExecutionResponse, error) {
	return nil, nil
}

// TestAsyncRoundTrip drives a run end to end: the orchestrator suspends
// on the async step and the callback resumes and finalizes it.
func TestAsyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	envs := envelope.NewMemoryStore()

	require.NoError(t, store.SaveValidator(ctx, &models.ValidatorDescriptor{
		ID: "v1",
		Entries: []*models.CatalogEntry{
			{ID: "ce-amount", ValidatorID: "v1", Slug: "amount", Stage: models.StageInput, Required: true},
			{ID: "ce-score", ValidatorID: "v1", Slug: "score", Stage: models.StageOutput},
		},
	}))
	require.NoError(t, store.SaveRuleset(ctx, &models.Ruleset{
		ID: "rs-intake",
		Assertions: []*models.Assertion{{
			ID: "a-amount", Kind: models.AssertionKindBasic, CatalogEntryID: "ce-amount",
			Operator: models.OpGreaterThan, Expected: 100.0,
			Severity: models.SeverityError, SuccessMessage: "amount ok",
		}},
	}))
	require.NoError(t, store.SaveRuleset(ctx, &models.Ruleset{
		ID: "rs-out",
		Assertions: []*models.Assertion{{
			ID: "a-score", Kind: models.AssertionKindBasic, CatalogEntryID: "ce-score",
			Operator: models.OpGreaterOrEqual, Expected: 0.5, Severity: models.SeverityError,
		}},
	}))
	require.NoError(t, store.SaveStep(ctx, &models.Step{
		ID: "step-1", ValidatorID: "v1", Name: "intake", DisplayOrder: 1,
		Engine: models.EngineSimple, RulesetID: "rs-intake",
	}))
	require.NoError(t, store.SaveStep(ctx, &models.Step{
		ID: "step-2", ValidatorID: "v1", Name: "external check", DisplayOrder: 2,
		Engine: models.EngineAdvanced, RulesetID: "rs-out", Backend: models.BackendContainerJob,
	}))
	require.NoError(t, store.CreateRun(ctx, &models.ValidationRun{
		ID: "run-1", SubmissionID: "sub-1", ValidatorID: "v1",
		Status: models.RunStatusPending, Payload: map[string]any{"amount": 120.0},
	}))

	assertions := assertion.NewEvaluator(expression.NewEvaluator(), time.Second)
	tracer := noop.NewTracerProvider().Tracer("test")
	engines := engine.NewDispatcher(
		engine.NewSimpleEngine(assertions, testLogger()),
		engine.NewAdvancedEngine(backend.Registry{models.BackendContainerJob: &asyncStubBackend{}}, assertions, testLogger()),
	)
	runner := orchestrator.NewOrchestrator(store, engines, nil, tracer, testLogger(), "worker-test")
	service := NewService(store, envs, assertions, nil, tracer, testLogger())

	require.NoError(t, runner.ExecuteRun(ctx, "run-1"))

	suspended, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, suspended.Status)
	require.Equal(t, "exec-9", suspended.ExecutionID)

	uri := "s3://bucket/executions/exec-9/output.json"
	require.NoError(t, envs.Put(ctx, uri, &models.Envelope{
		Outputs: &models.EnvelopeOutputs{OutputValues: map[string]any{"score": 0.9}},
	}))

	response, err := service.Process(ctx, &Request{
		RunID:      "run-1",
		CallbackID: "cb-round-trip",
		Status:     models.ExternalStatusSuccess,
		ResultURI:  uri,
	})
	require.NoError(t, err)
	assert.False(t, response.IdempotentReplayed)

	run, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	stepTwo, err := store.StepRunByStep(ctx, "run-1", "step-2")
	require.NoError(t, err)
	require.NotNil(t, stepTwo)
	assert.Equal(t, models.StepStatusPassed, stepTwo.Status)

	// Summary spans both steps even though only the second finished now.
	summary, err := store.SummaryForRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.TotalCount)
	assert.Equal(t, 1, summary.SuccessCount)
}
