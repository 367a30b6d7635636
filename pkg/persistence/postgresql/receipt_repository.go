package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

// ReceiptRepository handles callback receipt database operations.
type ReceiptRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewReceiptRepository creates a new receipt repository.
func NewReceiptRepository(db *sql.DB, logger *slog.Logger) *ReceiptRepository {
	return &ReceiptRepository{db: db, logger: logger}
}

// Create claims a callback ID. When the ID was already claimed by an
// earlier delivery the insert changes nothing and ErrReceiptExists is
// returned, which is the duplicate detection signal.
func (r *ReceiptRepository) Create(ctx context.Context, receipt *models.CallbackReceipt) error {
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO callback_receipts (callback_id, run_id, status, received_at, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (callback_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		receipt.CallbackID,
		receipt.RunID,
		receipt.Status,
		receipt.ReceivedAt,
		receipt.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check receipt insert: %w", err)
	}

	if affected == 0 {
		return persistence.ErrReceiptExists
	}

	return nil
}

// GetByID returns the receipt for a callback ID.
func (r *ReceiptRepository) GetByID(ctx context.Context, callbackID string) (*models.CallbackReceipt, error) {
	query := `
		SELECT callback_id, run_id, status, received_at, completed_at
		FROM callback_receipts
		WHERE callback_id = $1
	`

	var receipt models.CallbackReceipt

	err := r.db.QueryRowContext(ctx, query, callbackID).Scan(
		&receipt.CallbackID,
		&receipt.RunID,
		&receipt.Status,
		&receipt.ReceivedAt,
		&receipt.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrReceiptNotFound
		}

		return nil, fmt.Errorf("failed to query receipt: %w", err)
	}

	return &receipt, nil
}

// Finalize marks a receipt terminal.
func (r *ReceiptRepository) Finalize(ctx context.Context, callbackID string, status models.ReceiptStatus) error {
	query := `
		UPDATE callback_receipts SET status = $2, completed_at = $3
		WHERE callback_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, callbackID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finalize receipt: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check receipt update: %w", err)
	}

	if affected == 0 {
		return persistence.ErrReceiptNotFound
	}

	return nil
}
