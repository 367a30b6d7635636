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
)

// FindingRepository handles finding and run summary database operations.
type FindingRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFindingRepository creates a new finding repository.
func NewFindingRepository(db *sql.DB, logger *slog.Logger) *FindingRepository {
	return &FindingRepository{db: db, logger: logger}
}

// SaveBatch persists findings in a single transaction so a step's
// results land atomically.
func (r *FindingRepository) SaveBatch(ctx context.Context, findings []*models.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO findings (id, run_id, step_run_id, assertion_id, severity, message, path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	now := time.Now().UTC()

	for _, finding := range findings {
		if finding.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate finding ID: %w", err)
			}

			finding.ID = id.String()
		}

		if finding.CreatedAt.IsZero() {
			finding.CreatedAt = now
		}

		_, err = tx.ExecContext(ctx, query,
			finding.ID,
			finding.RunID,
			nullableString(finding.StepRunID),
			finding.AssertionID,
			finding.Severity,
			finding.Message,
			finding.Path,
			finding.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}

	return nil
}

// ForRun returns all findings for a run in creation order.
func (r *FindingRepository) ForRun(ctx context.Context, runID string) ([]*models.Finding, error) {
	query := `
		SELECT id, run_id, step_run_id, assertion_id, severity, message, path, created_at
		FROM findings
		WHERE run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var findings []*models.Finding

	for rows.Next() {
		var (
			finding   models.Finding
			stepRunID sql.NullString
		)

		err := rows.Scan(
			&finding.ID,
			&finding.RunID,
			&stepRunID,
			&finding.AssertionID,
			&finding.Severity,
			&finding.Message,
			&finding.Path,
			&finding.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}

		finding.StepRunID = stepRunID.String
		findings = append(findings, &finding)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating findings: %w", err)
	}

	return findings, nil
}

// DeleteForStep removes findings written by an earlier attempt of a
// step, so a re-entered step never double counts.
func (r *FindingRepository) DeleteForStep(ctx context.Context, stepRunID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM findings WHERE step_run_id = $1`, stepRunID)
	if err != nil {
		return fmt.Errorf("failed to delete findings for step: %w", err)
	}

	return nil
}

// SaveSummary upserts the aggregated summary for a run.
func (r *FindingRepository) SaveSummary(ctx context.Context, summary *models.RunSummary) error {
	if summary.RebuiltAt.IsZero() {
		summary.RebuiltAt = time.Now().UTC()
	}

	stepCountsJSON, err := json.Marshal(summary.StepCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal step counts: %w", err)
	}

	query := `
		INSERT INTO run_summaries (run_id, total_count, error_count, warning_count, info_count, success_count, step_counts, rebuilt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			total_count = EXCLUDED.total_count,
			error_count = EXCLUDED.error_count,
			warning_count = EXCLUDED.warning_count,
			info_count = EXCLUDED.info_count,
			success_count = EXCLUDED.success_count,
			step_counts = EXCLUDED.step_counts,
			rebuilt_at = EXCLUDED.rebuilt_at
	`

	_, err = r.db.ExecContext(ctx, query,
		summary.RunID,
		summary.TotalCount,
		summary.ErrorCount,
		summary.WarningCount,
		summary.InfoCount,
		summary.SuccessCount,
		stepCountsJSON,
		summary.RebuiltAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}

	return nil
}

// SummaryForRun returns the summary for a run, or nil when none has
// been built yet.
func (r *FindingRepository) SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	query := `
		SELECT run_id, total_count, error_count, warning_count, info_count, success_count, step_counts, rebuilt_at
		FROM run_summaries
		WHERE run_id = $1
	`

	var (
		summary        models.RunSummary
		stepCountsJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&summary.RunID,
		&summary.TotalCount,
		&summary.ErrorCount,
		&summary.WarningCount,
		&summary.InfoCount,
		&summary.SuccessCount,
		&stepCountsJSON,
		&summary.RebuiltAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query run summary: %w", err)
	}

	if stepCountsJSON != nil {
		err := json.Unmarshal(stepCountsJSON, &summary.StepCounts)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step counts: %w", err)
		}
	}

	return &summary, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
