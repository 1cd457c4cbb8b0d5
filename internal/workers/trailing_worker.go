package workers

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/trailing"
	"github.com/tradepulse/engine/pkg/logger"
)

// PriceReader resolves spot prices for a batch of symbols
type PriceReader interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// TrailingWorker polls prices for every symbol with an active trailing
// stop and feeds them to the monitor. It backs up the websocket stream:
// a tick missed on the stream is picked up on the next poll.
type TrailingWorker struct {
	monitor *trailing.Monitor
	prices  PriceReader
}

// NewTrailingWorker creates a trailing stop polling worker
func NewTrailingWorker(monitor *trailing.Monitor, prices PriceReader) *TrailingWorker {
	return &TrailingWorker{monitor: monitor, prices: prices}
}

// Name returns worker name
func (w *TrailingWorker) Name() string {
	return "trailing_stop_monitor"
}

// Run evaluates all active trailing stops against current prices
func (w *TrailingWorker) Run(ctx context.Context) error {
	symbols, err := w.monitor.WatchedSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}

	prices, err := w.prices.GetPrices(ctx, symbols)
	if err != nil {
		return err
	}

	for symbol, price := range prices {
		if err := w.monitor.OnTick(ctx, symbol, price); err != nil {
			logger.Error("trailing evaluation failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	return nil
}
