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

// CatalogRepository handles validator, step and ruleset database operations.
type CatalogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(db *sql.DB, logger *slog.Logger) *CatalogRepository {
	return &CatalogRepository{db: db, logger: logger}
}

// ValidatorByID returns a validator descriptor with its catalog entries.
func (r *CatalogRepository) ValidatorByID(ctx context.Context, id string) (*models.ValidatorDescriptor, error) {
	query := `
		SELECT id, name, allow_free_targets, emit_success_findings, schema_json, entries
		FROM validators
		WHERE id = $1
	`

	var (
		validator   models.ValidatorDescriptor
		entriesJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&validator.ID,
		&validator.Name,
		&validator.AllowFreeTargets,
		&validator.EmitSuccessFindings,
		&validator.SchemaJSON,
		&entriesJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrValidatorNotFound
		}

		return nil, fmt.Errorf("failed to query validator: %w", err)
	}

	if entriesJSON != nil {
		err := json.Unmarshal(entriesJSON, &validator.Entries)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal catalog entries: %w", err)
		}
	}

	return &validator, nil
}

// SaveValidator upserts a validator descriptor.
func (r *CatalogRepository) SaveValidator(ctx context.Context, validator *models.ValidatorDescriptor) error {
	entriesJSON, err := json.Marshal(validator.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog entries: %w", err)
	}

	query := `
		INSERT INTO validators (id, name, allow_free_targets, emit_success_findings, schema_json, entries)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			allow_free_targets = EXCLUDED.allow_free_targets,
			emit_success_findings = EXCLUDED.emit_success_findings,
			schema_json = EXCLUDED.schema_json,
			entries = EXCLUDED.entries
	`

	_, err = r.db.ExecContext(ctx, query,
		validator.ID,
		validator.Name,
		validator.AllowFreeTargets,
		validator.EmitSuccessFindings,
		validator.SchemaJSON,
		entriesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save validator: %w", err)
	}

	return nil
}

// StepsForValidator returns the validator's steps in display order.
func (r *CatalogRepository) StepsForValidator(ctx context.Context, validatorID string) ([]*models.Step, error) {
	query := `
		SELECT id, validator_id, name, display_order, engine, ruleset_id, backend
		FROM validator_steps
		WHERE validator_id = $1
		ORDER BY display_order ASC
	`

	rows, err := r.db.QueryContext(ctx, query, validatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var steps []*models.Step

	for rows.Next() {
		var step models.Step

		err := rows.Scan(
			&step.ID,
			&step.ValidatorID,
			&step.Name,
			&step.DisplayOrder,
			&step.Engine,
			&step.RulesetID,
			&step.Backend,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// SaveStep upserts a validator step.
func (r *CatalogRepository) SaveStep(ctx context.Context, step *models.Step) error {
	if step.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate step ID: %w", err)
		}

		step.ID = id.String()
	}

	query := `
		INSERT INTO validator_steps (id, validator_id, name, display_order, engine, ruleset_id, backend)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			display_order = EXCLUDED.display_order,
			engine = EXCLUDED.engine,
			ruleset_id = EXCLUDED.ruleset_id,
			backend = EXCLUDED.backend
	`

	_, err := r.db.ExecContext(ctx, query,
		step.ID,
		step.ValidatorID,
		step.Name,
		step.DisplayOrder,
		step.Engine,
		step.RulesetID,
		step.Backend,
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}

	return nil
}

// RulesetByID returns a ruleset with its assertions.
func (r *CatalogRepository) RulesetByID(ctx context.Context, id string) (*models.Ruleset, error) {
	query := `
		SELECT id, name, version, organization_id, author, assertions, created_at, updated_at
		FROM rulesets
		WHERE id = $1
	`

	var (
		ruleset        models.Ruleset
		assertionsJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&ruleset.ID,
		&ruleset.Name,
		&ruleset.Version,
		&ruleset.OrganizationID,
		&ruleset.Author,
		&assertionsJSON,
		&ruleset.CreatedAt,
		&ruleset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRulesetNotFound
		}

		return nil, fmt.Errorf("failed to query ruleset: %w", err)
	}

	if assertionsJSON != nil {
		err := json.Unmarshal(assertionsJSON, &ruleset.Assertions)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal assertions: %w", err)
		}
	}

	return &ruleset, nil
}

// SaveRuleset upserts a ruleset.
func (r *CatalogRepository) SaveRuleset(ctx context.Context, ruleset *models.Ruleset) error {
	now := time.Now().UTC()

	if ruleset.CreatedAt.IsZero() {
		ruleset.CreatedAt = now
	}

	ruleset.UpdatedAt = now

	assertionsJSON, err := json.Marshal(ruleset.Assertions)
	if err != nil {
		return fmt.Errorf("failed to marshal assertions: %w", err)
	}

	query := `
		INSERT INTO rulesets (id, name, version, organization_id, author, assertions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			organization_id = EXCLUDED.organization_id,
			author = EXCLUDED.author,
			assertions = EXCLUDED.assertions,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		ruleset.ID,
		ruleset.Name,
		ruleset.Version,
		ruleset.OrganizationID,
		ruleset.Author,
		assertionsJSON,
		ruleset.CreatedAt,
		ruleset.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save ruleset: %w", err)
	}

	return nil
}
