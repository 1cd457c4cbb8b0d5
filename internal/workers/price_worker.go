package workers

import (
	"context"

	"github.com/tradepulse/engine/internal/triggers"
	"github.com/tradepulse/engine/pkg/models"
)

// PriceWorker keeps the price cache warm for every symbol that an
// active trigger watches, so evaluation passes read cached prices
// instead of hammering the upstream API.
type PriceWorker struct {
	store  triggers.TriggerStore
	prices PriceReader
}

// NewPriceWorker creates a price cache refresh worker
func NewPriceWorker(store triggers.TriggerStore, prices PriceReader) *PriceWorker {
	return &PriceWorker{store: store, prices: prices}
}

// Name returns worker name
func (w *PriceWorker) Name() string {
	return "price_refresh"
}

// Run refreshes prices for all trigger-watched symbols
func (w *PriceWorker) Run(ctx context.Context) error {
	active, err := w.store.ListActive(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	symbols := make([]string, 0, len(active))
	for _, t := range active {
		if !watchesPrice(t.ConditionType) || t.Symbol == nil || *t.Symbol == "" {
			continue
		}
		if _, ok := seen[*t.Symbol]; ok {
			continue
		}
		seen[*t.Symbol] = struct{}{}
		symbols = append(symbols, *t.Symbol)
	}
	if len(symbols) == 0 {
		return nil
	}

	_, err = w.prices.GetPrices(ctx, symbols)
	return err
}

func watchesPrice(ct models.ConditionType) bool {
	switch ct {
	case models.CondPriceAbove, models.CondPriceBelow,
		models.CondPercentGain, models.CondPercentLoss:
		return true
	default:
		return false
	}
}
