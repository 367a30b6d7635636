package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

// RunRepository handles validation run and step run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , submission_id
  , validator_id
  , organization_id
  , status
  , failure_category
  , failure_detail
  , execution_id
  , backend_kind
  , payload
  , metadata
  , started_at
  , ended_at
  , created_at
  , updated_at
`

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *models.ValidationRun) error {
	now := time.Now().UTC()

	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate run ID: %w", err)
		}

		run.ID = id.String()
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	payloadJSON, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO validation_runs (id, submission_id, validator_id, organization_id,
			status, failure_category, failure_detail, execution_id, backend_kind,
			payload, metadata, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.SubmissionID,
		run.ValidatorID,
		run.OrganizationID,
		run.Status,
		run.FailureCategory,
		run.FailureDetail,
		run.ExecutionID,
		run.BackendKind,
		payloadJSON,
		metadataJSON,
		run.StartedAt,
		run.EndedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

// GetByID returns a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.ValidationRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

// Save updates an existing run.
func (r *RunRepository) Save(ctx context.Context, run *models.ValidationRun) error {
	run.UpdatedAt = time.Now().UTC()

	return r.update(ctx, r.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *RunRepository) update(ctx context.Context, db execer, run *models.ValidationRun) error {
	payloadJSON, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE validation_runs SET
			status = $2,
			failure_category = $3,
			failure_detail = $4,
			execution_id = $5,
			backend_kind = $6,
			payload = $7,
			metadata = $8,
			started_at = $9,
			ended_at = $10,
			updated_at = $11
		WHERE id = $1
	`

	result, err := db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.FailureCategory,
		run.FailureDetail,
		run.ExecutionID,
		run.BackendKind,
		payloadJSON,
		metadataJSON,
		run.StartedAt,
		run.EndedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	if affected == 0 {
		return persistence.NewRunError("Save", run.ID, persistence.ErrRunNotFound)
	}

	return nil
}

// Finalize re-reads the run under a row lock, lets the callback decide
// the mutation and persists it in the same transaction. When two actors
// race (callback vs. watchdog), the second sees the first's final
// status under the lock and declines.
func (r *RunRepository) Finalize(ctx context.Context, id string, mutate func(run *models.ValidationRun) (bool, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRunError("Finalize", id, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id = $1 FOR UPDATE`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewRunError("Finalize", id, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("Finalize", id, err)
	}

	save, err := mutate(run)
	if err != nil {
		return err
	}

	if !save {
		return nil
	}

	run.UpdatedAt = time.Now().UTC()

	err = r.update(ctx, tx, run)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewRunError("Finalize", id, err)
	}

	return nil
}

// RunningOlderThan returns RUNNING runs started before the cutoff,
// oldest first.
func (r *RunRepository) RunningOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.ValidationRun, error) {
	query := `SELECT ` + runColumns + `
		FROM validation_runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.RunStatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var runs []*models.ValidationRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// StepRuns returns all step runs for a run in creation order.
func (r *RunRepository) StepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	query := `
		SELECT id, run_id, step_id, status, detail, started_at, finished_at, created_at, updated_at
		FROM step_runs
		WHERE run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var steps []*models.StepRun

	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step runs: %w", err)
	}

	return steps, nil
}

// StepRunByStep returns the step run for a (run, step) pair, or nil.
func (r *RunRepository) StepRunByStep(ctx context.Context, runID, stepID string) (*models.StepRun, error) {
	query := `
		SELECT id, run_id, step_id, status, detail, started_at, finished_at, created_at, updated_at
		FROM step_runs
		WHERE run_id = $1 AND step_id = $2
	`

	step, err := scanStepRun(r.db.QueryRowContext(ctx, query, runID, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan step run: %w", err)
	}

	return step, nil
}

// SaveStepRun upserts a step run on its (run, step) identity.
func (r *RunRepository) SaveStepRun(ctx context.Context, step *models.StepRun) error {
	now := time.Now().UTC()

	if step.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate step run ID: %w", err)
		}

		step.ID = id.String()
	}

	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	query := `
		INSERT INTO step_runs (id, run_id, step_id, status, detail, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		step.ID,
		step.RunID,
		step.StepID,
		step.Status,
		step.Detail,
		step.StartedAt,
		step.FinishedAt,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save step run: %w", err)
	}

	return nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*models.ValidationRun, error) {
	var (
		run                       models.ValidationRun
		payloadJSON, metadataJSON []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.SubmissionID,
		&run.ValidatorID,
		&run.OrganizationID,
		&run.Status,
		&run.FailureCategory,
		&run.FailureDetail,
		&run.ExecutionID,
		&run.BackendKind,
		&payloadJSON,
		&metadataJSON,
		&run.StartedAt,
		&run.EndedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payloadJSON != nil {
		err := json.Unmarshal(payloadJSON, &run.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	if metadataJSON != nil {
		err := json.Unmarshal(metadataJSON, &run.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &run, nil
}

func scanStepRun(scanner interface{ Scan(dest ...any) error }) (*models.StepRun, error) {
	var step models.StepRun

	err := scanner.Scan(
		&step.ID,
		&step.RunID,
		&step.StepID,
		&step.Status,
		&step.Detail,
		&step.StartedAt,
		&step.FinishedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &step, nil
}
