package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/pkg/models"
)

// Repository handles trading operation persistence. Every state
// transition is a conditional update keyed on the expected prior
// status, so a lost race degrades to zero rows affected.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ledger repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert persists a new operation
func (r *Repository) Insert(ctx context.Context, op *models.TradingOperation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trading_operations
			(id, user_id, exchange, symbol, amount_quote, buy_price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, op.ID, op.UserID, op.Exchange, op.Symbol, op.AmountQuote, op.BuyPrice, op.Status, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

const operationColumns = `
	id, user_id, exchange, symbol, amount_quote, buy_price, sell_price,
	actual_profit, status, cancel_reason, created_at, updated_at, closed_at`

// GetByID loads one operation, nil when absent
func (r *Repository) GetByID(ctx context.Context, id string) (*models.TradingOperation, error) {
	var op models.TradingOperation

	err := r.db.GetContext(ctx, &op, `
		SELECT `+operationColumns+`
		FROM trading_operations
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}

	return &op, nil
}

// HasOpen reports whether an unsold position exists for (user, symbol)
func (r *Repository) HasOpen(ctx context.Context, userID, symbol string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM trading_operations
		WHERE user_id = $1 AND symbol = $2
		  AND status IN ('pending', 'executed')
		  AND sell_price IS NULL
	`, userID, symbol)
	if err != nil {
		return false, fmt.Errorf("failed to count open operations: %w", err)
	}
	return count > 0, nil
}

// FindOpen lists unsold operations, optionally narrowed to one symbol
func (r *Repository) FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM trading_operations
		WHERE user_id = $1
		  AND status IN ('pending', 'executed')
		  AND sell_price IS NULL`
	args := []interface{}{userID}

	if symbol != "" {
		query += ` AND symbol = $2`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at`

	var ops []models.TradingOperation
	if err := r.db.SelectContext(ctx, &ops, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list open operations: %w", err)
	}
	return ops, nil
}

// CountOpen returns the number of unsold operations for a user
func (r *Repository) CountOpen(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM trading_operations
		WHERE user_id = $1
		  AND status IN ('pending', 'executed')
		  AND sell_price IS NULL
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count open operations: %w", err)
	}
	return count, nil
}

// ListByUser returns recent operations for a user
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.TradingOperation, error) {
	var ops []models.TradingOperation
	err := r.db.SelectContext(ctx, &ops, `
		SELECT `+operationColumns+`
		FROM trading_operations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

// CloseCAS completes an open operation. Returns false when the row was
// not in a closeable state anymore.
func (r *Repository) CloseCAS(ctx context.Context, id string, sellPrice, profit decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_operations
		SET status = 'completed',
		    sell_price = $2,
		    actual_profit = $3,
		    closed_at = $4,
		    updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'executed')
	`, id, sellPrice, profit, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to close operation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkExecutedCAS transitions pending to executed. Returns false when
// the operation already left pending.
func (r *Repository) MarkExecutedCAS(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_operations
		SET status = 'executed', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark operation executed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CancelCAS cancels an open operation with a reason
func (r *Repository) CancelCAS(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_operations
		SET status = 'cancelled', cancel_reason = $2, closed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'executed')
	`, id, reason, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to cancel operation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CancelAllOpen cancels every unsold operation for the user in one
// statement, so the batch is all-or-nothing.
func (r *Repository) CancelAllOpen(ctx context.Context, userID, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_operations
		SET status = 'cancelled', cancel_reason = $2, closed_at = $3, updated_at = $3
		WHERE user_id = $1
		  AND status IN ('pending', 'executed')
		  AND sell_price IS NULL
	`, userID, reason, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open operations: %w", err)
	}

	return res.RowsAffected()
}

// ReduceCAS shrinks the open amount and books the realized slice of profit
func (r *Repository) ReduceCAS(ctx context.Context, id string, newAmount, realized decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_operations
		SET amount_quote = $2,
		    actual_profit = COALESCE(actual_profit, 0) + $3,
		    updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'executed')
	`, id, newAmount, realized, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to reduce operation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RealizedProfitSince sums actual_profit of operations closed at or
// after the cutoff (used by the daily loss limit trigger)
func (r *Repository) RealizedProfitSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.GetContext(ctx, &sum, `
		SELECT SUM(actual_profit)
		FROM trading_operations
		WHERE user_id = $1
		  AND closed_at >= $2
		  AND actual_profit IS NOT NULL
	`, userID, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum realized profit: %w", err)
	}

	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
