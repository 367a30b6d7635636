package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/backend"
	"github.com/vigil-hq/vigil/pkg/engine"
	"github.com/vigil-hq/vigil/pkg/eventbus"
	"github.com/vigil-hq/vigil/pkg/events"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureBus struct {
	published []eventbus.Event
}

func (b *captureBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	b.published = append(b.published, event)

	return nil
}

func (b *captureBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	return nil
}

func (b *captureBus) Subscribe(ctx context.Context) error { return nil }

func (b *captureBus) Close() error { return nil }

func (b *captureBus) GenerateID() string { return uuid.NewString() }

type asyncStubBackend struct {
	executionID string
	executions  int
}

func (b *asyncStubBackend) Execute(ctx context.Context, input *models.Envelope) (*models.ExecutionResponse, error) {
	b.executions++

	return &models.ExecutionResponse{ExecutionID: b.executionID, IsComplete: false}, nil
}

func (b *asyncStubBackend) IsAsync() bool { return true }

func (b *asyncStubBackend) IsAvailable(ctx context.Context) bool { return true }

func (b *asyncStubBackend) CheckStatus(ctx context.Context, executionID string) (*models.ExecutionResponse, error) {
	return nil, nil
}

func newTestOrchestrator(store *memory.Persistence, backends backend.Registry, bus eventbus.EventBus) *Orchestrator {
	assertions := assertion.NewEvaluator(expression.NewEvaluator(), time.Second)
	engines := engine.NewDispatcher(
		engine.NewSimpleEngine(assertions, testLogger()),
		engine.NewAdvancedEngine(backends, assertions, testLogger()),
	)
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewOrchestrator(store, engines, bus, tracer, testLogger(), "worker-test")
}

func seedValidator(t *testing.T, store *memory.Persistence) {
	t.Helper()

	ctx := context.Background()

	err := store.SaveValidator(ctx, &models.ValidatorDescriptor{
		ID:   "v1",
		Name: "invoice validator",
		Entries: []*models.CatalogEntry{
			{ID: "ce-amount", ValidatorID: "v1", Slug: "amount", Stage: models.StageInput, Required: true},
			{ID: "ce-score", ValidatorID: "v1", Slug: "score", Stage: models.StageOutput},
		},
	})
	require.NoError(t, err)

	err = store.SaveRuleset(ctx, &models.Ruleset{
		ID: "rs-pass",
		Assertions: []*models.Assertion{{
			ID:             "a-pass",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-amount",
			Operator:       models.OpGreaterThan,
			Expected:       100.0,
			Severity:       models.SeverityError,
			SuccessMessage: "amount ok",
		}},
	})
	require.NoError(t, err)

	err = store.SaveRuleset(ctx, &models.Ruleset{
		ID: "rs-fail",
		Assertions: []*models.Assertion{{
			ID:             "a-fail",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-amount",
			Operator:       models.OpGreaterThan,
			Expected:       1000.0,
			Severity:       models.SeverityError,
		}},
	})
	require.NoError(t, err)
}

func seedStep(t *testing.T, store *memory.Persistence, id string, order int, kind models.EngineKind, rulesetID string, backendKind models.BackendKind) {
	t.Helper()

	err := store.SaveStep(context.Background(), &models.Step{
		ID:           id,
		ValidatorID:  "v1",
		Name:         id,
		DisplayOrder: order,
		Engine:       kind,
		RulesetID:    rulesetID,
		Backend:      backendKind,
	})
	require.NoError(t, err)
}

func seedRun(t *testing.T, store *memory.Persistence, status models.RunStatus) *models.ValidationRun {
	t.Helper()

	run := &models.ValidationRun{
		ID:           "run-1",
		SubmissionID: "sub-1",
		ValidatorID:  "v1",
		Status:       status,
		Payload:      map[string]any{"amount": 120.0},
	}

	if status == models.RunStatusRunning {
		now := time.Now().UTC()
		run.StartedAt = &now
	}

	require.NoError(t, store.CreateRun(context.Background(), run))

	return run
}

func TestExecuteRunAllStepsPass(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedStep(t, store, "step-b", 2, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusPending)

	bus := &captureBus{}
	orchestrator := newTestOrchestrator(store, nil, bus)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)

	for _, stepID := range []string{"step-a", "step-b"} {
		stepRun, err := store.StepRunByStep(context.Background(), "run-1", stepID)
		require.NoError(t, err)
		require.NotNil(t, stepRun)
		assert.Equal(t, models.StepStatusPassed, stepRun.Status)
	}

	summary, err := store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.TotalCount)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Len(t, summary.StepCounts, 2)

	require.Len(t, bus.published, 1)
	assert.Equal(t, events.RunFinishedEvent, bus.published[0].GetType())
}

func TestExecuteRunStopsOnFirstFailure(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedStep(t, store, "step-b", 2, models.EngineSimple, "rs-fail", "")
	seedStep(t, store, "step-c", 3, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusPending)

	bus := &captureBus{}
	orchestrator := newTestOrchestrator(store, nil, bus)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.FailureValidation, run.FailureCategory)

	stepA, err := store.StepRunByStep(context.Background(), "run-1", "step-a")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, stepA.Status)

	stepB, err := store.StepRunByStep(context.Background(), "run-1", "step-b")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, stepB.Status)

	// Step C is explicitly SKIPPED, never left dangling in PENDING.
	stepC, err := store.StepRunByStep(context.Background(), "run-1", "step-c")
	require.NoError(t, err)
	require.NotNil(t, stepC)
	assert.Equal(t, models.StepStatusSkipped, stepC.Status)

	// The passing step's findings survive the later failure.
	summary, err := store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.TotalCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.ErrorCount)

	require.Len(t, bus.published, 1)
	assert.Equal(t, events.RunFailedEvent, bus.published[0].GetType())
}

func TestExecuteRunTerminalRunIsNoop(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusSucceeded)

	orchestrator := newTestOrchestrator(store, nil, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	stepRun, err := store.StepRunByStep(context.Background(), "run-1", "step-a")
	require.NoError(t, err)
	assert.Nil(t, stepRun)
}

func TestExecuteRunKeepsTerminalStepResult(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	// The ruleset would fail if the step were re-executed; the stored
	// PASSED result must stand instead.
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-fail", "")
	seedRun(t, store, models.RunStatusRunning)

	finished := time.Now().UTC()
	require.NoError(t, store.SaveStepRun(context.Background(), &models.StepRun{
		ID:         "sr-a",
		RunID:      "run-1",
		StepID:     "step-a",
		Status:     models.StepStatusPassed,
		FinishedAt: &finished,
	}))

	orchestrator := newTestOrchestrator(store, nil, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
}

func TestExecuteRunExistingFailedStepStopsRun(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedStep(t, store, "step-b", 2, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusRunning)

	finished := time.Now().UTC()
	require.NoError(t, store.SaveStepRun(context.Background(), &models.StepRun{
		ID:         "sr-a",
		RunID:      "run-1",
		StepID:     "step-a",
		Status:     models.StepStatusFailed,
		Detail:     "earlier failure",
		FinishedAt: &finished,
	}))

	orchestrator := newTestOrchestrator(store, nil, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "earlier failure", run.FailureDetail)

	stepB, err := store.StepRunByStep(context.Background(), "run-1", "step-b")
	require.NoError(t, err)
	require.NotNil(t, stepB)
	assert.Equal(t, models.StepStatusSkipped, stepB.Status)
}

func TestExecuteRunCrashRecoveryDiscardsPartialFindings(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusRunning)

	started := time.Now().UTC()
	require.NoError(t, store.SaveStepRun(context.Background(), &models.StepRun{
		ID:        "sr-a",
		RunID:     "run-1",
		StepID:    "step-a",
		Status:    models.StepStatusRunning,
		StartedAt: &started,
	}))

	require.NoError(t, store.SaveFindings(context.Background(), []*models.Finding{{
		RunID:     "run-1",
		StepRunID: "sr-a",
		Severity:  models.SeverityError,
		Message:   "stale partial finding",
	}}))

	orchestrator := newTestOrchestrator(store, nil, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	findings, err := store.FindingsForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "amount ok", findings[0].Message)
}

func TestExecuteRunAsyncSuspension(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineAdvanced, "", models.BackendContainerJob)
	seedStep(t, store, "step-b", 2, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusPending)

	stub := &asyncStubBackend{executionID: "exec-1"}
	backends := backend.Registry{models.BackendContainerJob: stub}
	orchestrator := newTestOrchestrator(store, backends, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "exec-1", run.ExecutionID)
	assert.Equal(t, string(models.BackendContainerJob), run.BackendKind)

	stepA, err := store.StepRunByStep(context.Background(), "run-1", "step-a")
	require.NoError(t, err)
	require.NotNil(t, stepA)
	assert.Equal(t, models.StepStatusRunning, stepA.Status)

	// The later step is untouched until the callback resolves step A.
	stepB, err := store.StepRunByStep(context.Background(), "run-1", "step-b")
	require.NoError(t, err)
	assert.Nil(t, stepB)

	assert.Equal(t, 1, stub.executions)
}

func TestExecuteRunValidatorLoadFailure(t *testing.T) {
	store := memory.NewPersistence()
	run := &models.ValidationRun{
		ID:           "run-1",
		SubmissionID: "sub-1",
		ValidatorID:  "missing",
		Status:       models.RunStatusPending,
		Payload:      map[string]any{"amount": 120.0},
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	orchestrator := newTestOrchestrator(store, nil, nil)

	err := orchestrator.ExecuteRun(context.Background(), "run-1")
	require.NoError(t, err)

	fresh, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	assert.Equal(t, models.FailureSystem, fresh.FailureCategory)
}

func TestCancelRun(t *testing.T) {
	store := memory.NewPersistence()
	seedValidator(t, store)
	seedStep(t, store, "step-a", 1, models.EngineSimple, "rs-pass", "")
	seedRun(t, store, models.RunStatusPending)

	orchestrator := newTestOrchestrator(store, nil, nil)

	require.NoError(t, orchestrator.CancelRun(context.Background(), "run-1"))

	run, err := store.RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, run.Status)
	assert.Equal(t, models.FailureCancelled, run.FailureCategory)

	// Cancelling twice is harmless and executing afterwards is a no-op.
	require.NoError(t, orchestrator.CancelRun(context.Background(), "run-1"))
	require.NoError(t, orchestrator.ExecuteRun(context.Background(), "run-1"))

	stepRun, err := store.StepRunByStep(context.Background(), "run-1", "step-a")
	require.NoError(t, err)
	assert.Nil(t, stepRun)
}

func TestRebuildSummaryIsIdempotent(t *testing.T) {
	store := memory.NewPersistence()

	require.NoError(t, store.SaveFindings(context.Background(), []*models.Finding{
		{RunID: "run-1", StepRunID: "sr-a", Severity: models.SeverityError, Message: "bad"},
		{RunID: "run-1", StepRunID: "sr-a", Severity: models.SeverityWarning, Message: "meh"},
		{RunID: "run-1", StepRunID: "sr-b", Severity: models.SeveritySuccess, Message: "good"},
	}))

	require.NoError(t, RebuildSummary(context.Background(), store, "run-1"))
	require.NoError(t, RebuildSummary(context.Background(), store, "run-1"))

	summary, err := store.SummaryForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.TotalCount)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, 1, summary.WarningCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 2, summary.StepCounts["sr-a"])
	assert.Equal(t, 1, summary.StepCounts["sr-b"])
}
