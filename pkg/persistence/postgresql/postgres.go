// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	runRepo     *RunRepository
	findingRepo *FindingRepository
	receiptRepo *ReceiptRepository
	catalogRepo *CatalogRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		runRepo:     NewRunRepository(database, logger),
		findingRepo: NewFindingRepository(database, logger),
		receiptRepo: NewReceiptRepository(database, logger),
		catalogRepo: NewCatalogRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) CreateRun(ctx context.Context, run *models.ValidationRun) error {
	return p.runRepo.Create(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.ValidationRun, error) {
	return p.runRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.ValidationRun) error {
	return p.runRepo.Save(ctx, run)
}

func (p *Persistence) FinalizeRun(ctx context.Context, id string, mutate func(run *models.ValidationRun) (bool, error)) error {
	return p.runRepo.Finalize(ctx, id, mutate)
}

func (p *Persistence) RunningRunsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.ValidationRun, error) {
	return p.runRepo.RunningOlderThan(ctx, cutoff, limit)
}

func (p *Persistence) StepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	return p.runRepo.StepRuns(ctx, runID)
}

func (p *Persistence) StepRunByStep(ctx context.Context, runID, stepID string) (*models.StepRun, error) {
	return p.runRepo.StepRunByStep(ctx, runID, stepID)
}

func (p *Persistence) SaveStepRun(ctx context.Context, step *models.StepRun) error {
	return p.runRepo.SaveStepRun(ctx, step)
}

func (p *Persistence) SaveFindings(ctx context.Context, findings []*models.Finding) error {
	return p.findingRepo.SaveBatch(ctx, findings)
}

func (p *Persistence) FindingsForRun(ctx context.Context, runID string) ([]*models.Finding, error) {
	return p.findingRepo.ForRun(ctx, runID)
}

func (p *Persistence) DeleteFindingsForStep(ctx context.Context, stepRunID string) error {
	return p.findingRepo.DeleteForStep(ctx, stepRunID)
}

func (p *Persistence) SaveSummary(ctx context.Context, summary *models.RunSummary) error {
	return p.findingRepo.SaveSummary(ctx, summary)
}

func (p *Persistence) SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	return p.findingRepo.SummaryForRun(ctx, runID)
}

func (p *Persistence) CreateReceipt(ctx context.Context, receipt *models.CallbackReceipt) error {
	return p.receiptRepo.Create(ctx, receipt)
}

func (p *Persistence) ReceiptByID(ctx context.Context, callbackID string) (*models.CallbackReceipt, error) {
	return p.receiptRepo.GetByID(ctx, callbackID)
}

func (p *Persistence) FinalizeReceipt(ctx context.Context, callbackID string, status models.ReceiptStatus) error {
	return p.receiptRepo.Finalize(ctx, callbackID, status)
}

func (p *Persistence) ValidatorByID(ctx context.Context, id string) (*models.ValidatorDescriptor, error) {
	return p.catalogRepo.ValidatorByID(ctx, id)
}

func (p *Persistence) SaveValidator(ctx context.Context, validator *models.ValidatorDescriptor) error {
	return p.catalogRepo.SaveValidator(ctx, validator)
}

func (p *Persistence) StepsForValidator(ctx context.Context, validatorID string) ([]*models.Step, error) {
	return p.catalogRepo.StepsForValidator(ctx, validatorID)
}

func (p *Persistence) SaveStep(ctx context.Context, step *models.Step) error {
	return p.catalogRepo.SaveStep(ctx, step)
}

func (p *Persistence) RulesetByID(ctx context.Context, id string) (*models.Ruleset, error) {
	return p.catalogRepo.RulesetByID(ctx, id)
}

func (p *Persistence) SaveRuleset(ctx context.Context, ruleset *models.Ruleset) error {
	return p.catalogRepo.SaveRuleset(ctx, ruleset)
}
