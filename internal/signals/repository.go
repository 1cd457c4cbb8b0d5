package signals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradepulse/engine/pkg/models"
)

// Repository handles signal persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new signal repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert persists an accepted signal with processed=false. The row must
// survive even if downstream ledger application fails.
func (r *Repository) Insert(ctx context.Context, sig *models.Signal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trading_signals
			(id, user_id, symbol, signal_type, price, amount_quote,
			 exchange, allow_multi_position, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
	`, sig.ID, sig.UserID, sig.Symbol, sig.SignalType, sig.Price, sig.AmountQuote,
		sig.Exchange, sig.AllowMultiPosition, sig.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

const signalColumns = `
	id, user_id, symbol, signal_type, price, amount_quote,
	exchange, allow_multi_position, processed, operation_id, fail_reason, received_at`

// GetByID loads one signal, nil when absent
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Signal, error) {
	var sig models.Signal

	err := r.db.GetContext(ctx, &sig, `
		SELECT `+signalColumns+`
		FROM trading_signals
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signal: %w", err)
	}

	return &sig, nil
}

// MarkProcessed flips the processed flag exactly once. The conditional
// update keeps retries idempotent by signal id.
func (r *Repository) MarkProcessed(ctx context.Context, id string, operationID *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_signals
		SET processed = true, operation_id = $2
		WHERE id = $1 AND processed = false
	`, id, operationID)
	if err != nil {
		return false, fmt.Errorf("failed to mark signal processed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkFailed annotates a signal that can never apply (e.g. rejected by
// the ledger for a reason retrying will not fix)
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trading_signals
		SET processed = true, fail_reason = $2
		WHERE id = $1 AND processed = false
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark signal failed: %w", err)
	}
	return nil
}

// ListUnprocessed returns deferred signals old enough to retry
func (r *Repository) ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.Signal, error) {
	var sigs []models.Signal
	err := r.db.SelectContext(ctx, &sigs, `
		SELECT `+signalColumns+`
		FROM trading_signals
		WHERE processed = false
		  AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed signals: %w", err)
	}
	return sigs, nil
}

// ListByUser returns recent signals for a user
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Signal, error) {
	var sigs []models.Signal
	err := r.db.SelectContext(ctx, &sigs, `
		SELECT `+signalColumns+`
		FROM trading_signals
		WHERE user_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return sigs, nil
}
