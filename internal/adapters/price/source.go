package price

import (
	"context"

	"github.com/shopspring/decimal"
)

// CachedSource answers price lookups from the cache table first and
// falls back to the live provider on a miss, writing the result back
type CachedSource struct {
	repo     *Repository
	provider Provider
}

// NewCachedSource creates a cache-first price source
func NewCachedSource(repo *Repository, provider Provider) *CachedSource {
	return &CachedSource{repo: repo, provider: provider}
}

// GetPrice returns the freshest known price for a symbol
func (s *CachedSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, err := s.repo.GetPrice(ctx, symbol); err == nil {
		return p, nil
	}

	p, err := s.provider.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	// Best-effort write-back; a failed cache write is not a failed read.
	_ = s.repo.SavePrice(ctx, symbol, p, s.provider.GetName())

	return p, nil
}

// GetPrices returns the freshest known prices for multiple symbols
func (s *CachedSource) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices, err := s.repo.GetPrices(ctx, symbols)
	if err != nil {
		prices = make(map[string]decimal.Decimal)
	}

	var missing []string
	for _, sym := range symbols {
		if _, ok := prices[sym]; !ok {
			missing = append(missing, sym)
		}
	}

	if len(missing) > 0 {
		fetched, err := s.provider.GetPrices(ctx, missing)
		if err == nil {
			for sym, p := range fetched {
				prices[sym] = p
				_ = s.repo.SavePrice(ctx, sym, p, s.provider.GetName())
			}
		}
	}

	return prices, nil
}
