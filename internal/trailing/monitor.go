package trailing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

// stopScale is the decimal precision stop prices are rounded to
// (banker's rounding; instrument tick size is the exchange's concern)
const stopScale = 8

// ConfigStore is the persistence the monitor needs
type ConfigStore interface {
	Insert(ctx context.Context, cfg *models.TrailingStopConfig) error
	GetByID(ctx context.Context, id string) (*models.TrailingStopConfig, error)
	GetActiveByOperation(ctx context.Context, operationID string) (*models.TrailingStopConfig, error)
	ListActiveBySymbol(ctx context.Context, symbol string) ([]models.TrailingStopConfig, error)
	DistinctActiveSymbols(ctx context.Context) ([]string, error)
	RatchetCAS(ctx context.Context, id string, highest, stop decimal.Decimal) (bool, error)
	DeactivateCAS(ctx context.Context, id string, triggered bool) (bool, error)
}

// PositionCloser closes ledger positions when a stop fires
type PositionCloser interface {
	ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error)
	FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error)
}

// Notifier delivers fire-and-forget user alerts
type Notifier interface {
	Notify(ctx context.Context, userID, text string)
}

// Monitor re-evaluates active trailing stops against price ticks and
// exits positions when price falls back by the configured percentage
type Monitor struct {
	store    ConfigStore
	ledger   PositionCloser
	notifier Notifier
	audit    audit.Recorder
}

// NewMonitor creates new trailing stop monitor
func NewMonitor(store ConfigStore, ledger PositionCloser, notifier Notifier, recorder audit.Recorder) *Monitor {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Monitor{store: store, ledger: ledger, notifier: notifier, audit: recorder}
}

// Enable attaches trailing protection to an open operation
func (m *Monitor) Enable(ctx context.Context, userID, operationID string, pct, currentPrice decimal.Decimal) (*models.TrailingStopConfig, error) {
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperr.BadRequestf("trailing percentage %s must be in (0,100]", pct)
	}
	if !currentPrice.IsPositive() {
		return nil, apperr.BadRequestf("current price must be positive")
	}

	existing, err := m.store.GetActiveByOperation(ctx, operationID)
	if err != nil {
		return nil, apperr.Upstreamf("failed to check trailing stop for operation %s", operationID)
	}
	if existing != nil {
		return nil, apperr.Conflictf("trailing stop already active for operation %s", operationID)
	}

	ops, err := m.ledger.FindOpen(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	var op *models.TradingOperation
	for i := range ops {
		if ops[i].ID == operationID {
			op = &ops[i]
			break
		}
	}
	if op == nil {
		return nil, apperr.NotFoundf("no open operation %s for user %s", operationID, userID)
	}

	cfg := &models.TrailingStopConfig{
		ID:           uuid.NewString(),
		UserID:       userID,
		OperationID:  operationID,
		Symbol:       op.Symbol,
		InitialPrice: currentPrice,
		TrailingPct:  pct,
		HighestPrice: currentPrice,
		StopPrice:    ComputeStop(currentPrice, pct),
		IsActive:     true,
		CreatedAt:    time.Now(),
	}

	if err := m.store.Insert(ctx, cfg); err != nil {
		return nil, apperr.Upstreamf("failed to store trailing stop for operation %s", operationID)
	}

	logger.Info("trailing stop enabled",
		zap.String("config_id", cfg.ID),
		zap.String("operation_id", operationID),
		zap.String("symbol", cfg.Symbol),
		zap.String("stop_price", cfg.StopPrice.String()),
	)

	return cfg, nil
}

// Disable turns protection off without touching the position
func (m *Monitor) Disable(ctx context.Context, userID, configID string) error {
	cfg, err := m.store.GetByID(ctx, configID)
	if err != nil {
		return apperr.Upstreamf("failed to load trailing stop %s", configID)
	}
	if cfg == nil || cfg.UserID != userID {
		return apperr.NotFoundf("trailing stop %s", configID)
	}

	ok, err := m.store.DeactivateCAS(ctx, configID, false)
	if err != nil {
		return apperr.Upstreamf("failed to disable trailing stop %s", configID)
	}
	if !ok {
		return apperr.InvalidStatef("trailing stop %s already inactive", configID)
	}

	logger.Info("trailing stop disabled by user",
		zap.String("config_id", configID),
	)
	return nil
}

// WatchedSymbols returns the symbols with active protection
func (m *Monitor) WatchedSymbols(ctx context.Context) ([]string, error) {
	return m.store.DistinctActiveSymbols(ctx)
}

// OnTick evaluates every active config watching the symbol against a
// fresh price observation. Safe under at-least-once tick delivery.
func (m *Monitor) OnTick(ctx context.Context, symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil // tolerate bad/missing ticks
	}

	cfgs, err := m.store.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to load configs for %s: %w", symbol, err)
	}

	for i := range cfgs {
		if err := m.evaluate(ctx, &cfgs[i], price); err != nil {
			logger.Error("trailing stop evaluation failed",
				zap.String("config_id", cfgs[i].ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (m *Monitor) evaluate(ctx context.Context, cfg *models.TrailingStopConfig, price decimal.Decimal) error {
	if price.GreaterThan(cfg.HighestPrice) {
		stop := ComputeStop(price, cfg.TrailingPct)

		ok, err := m.store.RatchetCAS(ctx, cfg.ID, price, stop)
		if err != nil {
			return err
		}
		if ok {
			logger.Debug("trailing stop ratcheted",
				zap.String("config_id", cfg.ID),
				zap.String("highest", price.String()),
				zap.String("stop", stop.String()),
			)
		}
		return nil
	}

	if price.LessThanOrEqual(cfg.StopPrice) {
		return m.fire(ctx, cfg, price)
	}

	return nil
}

// fire closes the guarded position once. Deactivating first makes the
// transition one-shot: a config that lost the CAS already fired.
func (m *Monitor) fire(ctx context.Context, cfg *models.TrailingStopConfig, price decimal.Decimal) error {
	ok, err := m.store.DeactivateCAS(ctx, cfg.ID, true)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already fired or disabled
	}

	logger.Warn("trailing stop triggered",
		zap.String("config_id", cfg.ID),
		zap.String("operation_id", cfg.OperationID),
		zap.String("symbol", cfg.Symbol),
		zap.String("price", price.String()),
		zap.String("stop_price", cfg.StopPrice.String()),
	)

	if _, err := m.ledger.ClosePosition(ctx, cfg.OperationID, price); err != nil {
		// Emergency stop or a sell signal may have beaten us to it.
		logger.Warn("trailing stop close was a no-op",
			zap.String("operation_id", cfg.OperationID),
			zap.Error(err),
		)
	}

	m.audit.Record(ctx, audit.Event{
		Timestamp: time.Now(),
		UserID:    cfg.UserID,
		Kind:      audit.KindTrailingFired,
		Detail:    fmt.Sprintf("config_id=%s operation_id=%s price=%s", cfg.ID, cfg.OperationID, price),
	})

	if m.notifier != nil {
		m.notifier.Notify(ctx, cfg.UserID,
			fmt.Sprintf("Trailing stop hit on %s at %s (stop was %s)", cfg.Symbol, price, cfg.StopPrice))
	}

	return nil
}

// ComputeStop derives the stop price from the highest observed price:
// highest * (1 - pct/100), rounded half-even.
func ComputeStop(highest, pct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
	return highest.Mul(factor).RoundBank(stopScale)
}
