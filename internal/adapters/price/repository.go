package price

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Repository handles the price cache table
type Repository struct {
	db  *sqlx.DB
	ttl time.Duration
}

// NewRepository creates new price cache repository
func NewRepository(db *sqlx.DB, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Repository{db: db, ttl: ttl}
}

// SavePrice upserts a price observation
func (r *Repository) SavePrice(ctx context.Context, symbol string, price decimal.Decimal, source string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO price_cache (symbol, price, source, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (symbol, source)
		DO UPDATE SET
			price = EXCLUDED.price,
			updated_at = NOW()
	`, symbol, price, source)
	return err
}

// GetPrice returns the freshest cached price for a symbol
func (r *Repository) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := r.db.GetContext(ctx, &price, `
		SELECT price
		FROM price_cache
		WHERE symbol = $1
		  AND updated_at > $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, symbol, time.Now().Add(-r.ttl))
	if err != nil {
		return decimal.Zero, fmt.Errorf("price not found in cache: %w", err)
	}
	return price, nil
}

// GetPrices returns fresh cached prices for multiple symbols
func (r *Repository) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (symbol) symbol, price
		FROM price_cache
		WHERE symbol = ANY($1)
		  AND updated_at > $2
		ORDER BY symbol, updated_at DESC
	`, pq.Array(symbols), time.Now().Add(-r.ttl))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol string
		var p decimal.Decimal
		if err := rows.Scan(&symbol, &p); err != nil {
			continue
		}
		prices[symbol] = p
	}

	return prices, rows.Err()
}
