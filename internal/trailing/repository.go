package trailing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/pkg/models"
)

// Repository handles trailing stop config persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new trailing stop repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const configColumns = `
	id, user_id, operation_id, symbol, initial_price, trailing_percentage,
	highest_price, stop_price, is_active, triggered_at, created_at, updated_at`

// Insert persists a new trailing stop config
func (r *Repository) Insert(ctx context.Context, cfg *models.TrailingStopConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trailing_stop_configs
			(id, user_id, operation_id, symbol, initial_price, trailing_percentage,
			 highest_price, stop_price, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)
	`, cfg.ID, cfg.UserID, cfg.OperationID, cfg.Symbol, cfg.InitialPrice,
		cfg.TrailingPct, cfg.HighestPrice, cfg.StopPrice, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trailing stop config: %w", err)
	}
	return nil
}

// GetByID loads one config, nil when absent
func (r *Repository) GetByID(ctx context.Context, id string) (*models.TrailingStopConfig, error) {
	var cfg models.TrailingStopConfig

	err := r.db.GetContext(ctx, &cfg, `
		SELECT `+configColumns+`
		FROM trailing_stop_configs
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trailing stop config: %w", err)
	}

	return &cfg, nil
}

// GetActiveByOperation finds the active config guarding an operation
func (r *Repository) GetActiveByOperation(ctx context.Context, operationID string) (*models.TrailingStopConfig, error) {
	var cfg models.TrailingStopConfig

	err := r.db.GetContext(ctx, &cfg, `
		SELECT `+configColumns+`
		FROM trailing_stop_configs
		WHERE operation_id = $1 AND is_active = true
	`, operationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trailing stop config: %w", err)
	}

	return &cfg, nil
}

// ListActiveBySymbol returns active configs watching a symbol
func (r *Repository) ListActiveBySymbol(ctx context.Context, symbol string) ([]models.TrailingStopConfig, error) {
	var cfgs []models.TrailingStopConfig
	err := r.db.SelectContext(ctx, &cfgs, `
		SELECT `+configColumns+`
		FROM trailing_stop_configs
		WHERE symbol = $1 AND is_active = true
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list trailing stop configs: %w", err)
	}
	return cfgs, nil
}

// DistinctActiveSymbols returns the symbols the monitor must watch
func (r *Repository) DistinctActiveSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := r.db.SelectContext(ctx, &symbols, `
		SELECT DISTINCT symbol
		FROM trailing_stop_configs
		WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched symbols: %w", err)
	}
	return symbols, nil
}

// RatchetCAS moves highest_price and stop_price up. The highest_price
// guard keeps the ratchet monotonic under concurrent ticks.
func (r *Repository) RatchetCAS(ctx context.Context, id string, highest, stop decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trailing_stop_configs
		SET highest_price = $2, stop_price = $3, updated_at = $4
		WHERE id = $1 AND is_active = true AND highest_price < $2
	`, id, highest, stop, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to ratchet trailing stop: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeactivateCAS turns a config off exactly once. Returns false when it
// was already inactive.
func (r *Repository) DeactivateCAS(ctx context.Context, id string, triggered bool) (bool, error) {
	var triggeredAt *time.Time
	if triggered {
		now := time.Now()
		triggeredAt = &now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE trailing_stop_configs
		SET is_active = false, triggered_at = COALESCE($2, triggered_at), updated_at = $3
		WHERE id = $1 AND is_active = true
	`, id, triggeredAt, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to deactivate trailing stop: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
