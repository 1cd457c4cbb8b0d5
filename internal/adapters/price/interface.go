package price

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider fetches current prices from an external source
type Provider interface {
	// GetPrice returns current price in quote currency
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetPrices returns multiple prices at once
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// GetName returns provider name
	GetName() string
}
