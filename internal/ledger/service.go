package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

// Store is the persistence the ledger service needs
type Store interface {
	Insert(ctx context.Context, op *models.TradingOperation) error
	GetByID(ctx context.Context, id string) (*models.TradingOperation, error)
	HasOpen(ctx context.Context, userID, symbol string) (bool, error)
	FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error)
	CountOpen(ctx context.Context, userID string) (int, error)
	CloseCAS(ctx context.Context, id string, sellPrice, profit decimal.Decimal) (bool, error)
	MarkExecutedCAS(ctx context.Context, id string) (bool, error)
	CancelCAS(ctx context.Context, id, reason string) (bool, error)
	CancelAllOpen(ctx context.Context, userID, reason string) (int64, error)
	ReduceCAS(ctx context.Context, id string, newAmount, realized decimal.Decimal) (bool, error)
	RealizedProfitSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// Service is the authoritative record of opened and closed positions
type Service struct {
	store Store
	audit audit.Recorder
}

// NewService creates new ledger service
func NewService(store Store, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{store: store, audit: recorder}
}

// OpenPosition opens a pending operation for an accepted buy signal.
// Rejects with Conflict when an unsold position already exists for the
// (user, symbol) key and multi-position is not enabled for the user.
func (s *Service) OpenPosition(ctx context.Context, userID, exchange, symbol string, price, amount decimal.Decimal, allowMulti bool) (*models.TradingOperation, error) {
	if !allowMulti {
		open, err := s.store.HasOpen(ctx, userID, symbol)
		if err != nil {
			return nil, apperr.Upstreamf("failed to check open positions for %s/%s", userID, symbol)
		}
		if open {
			return nil, apperr.Conflictf("open position already exists for %s", symbol)
		}
	}

	op := &models.TradingOperation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Exchange:    exchange,
		Symbol:      symbol,
		AmountQuote: amount,
		BuyPrice:    price,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}

	if err := s.store.Insert(ctx, op); err != nil {
		// The partial unique index is the backstop for the race two
		// concurrent buys can still produce.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflictf("open position already exists for %s", symbol)
		}
		return nil, apperr.Upstreamf("failed to persist operation for %s/%s", userID, symbol)
	}

	logger.Info("position opened",
		zap.String("operation_id", op.ID),
		zap.String("user_id", userID),
		zap.String("symbol", symbol),
		zap.String("buy_price", price.String()),
	)

	return op, nil
}

// ClosePosition completes an open operation at the given sell price.
// actual_profit = (sell - buy) / buy * amount, fees assumed zero.
func (s *Service) ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error) {
	op, err := s.store.GetByID(ctx, operationID)
	if err != nil {
		return nil, apperr.Upstreamf("failed to load operation %s", operationID)
	}
	if op == nil {
		return nil, apperr.NotFoundf("operation %s", operationID)
	}
	if !op.Status.IsOpen() {
		return nil, apperr.InvalidStatef("operation %s is %s", operationID, op.Status)
	}

	profit := Profit(op.BuyPrice, sellPrice, op.AmountQuote)

	ok, err := s.store.CloseCAS(ctx, operationID, sellPrice, profit)
	if err != nil {
		return nil, apperr.Upstreamf("failed to close operation %s", operationID)
	}
	if !ok {
		// Lost the race to an emergency stop or a concurrent close.
		return nil, apperr.InvalidStatef("operation %s already left open state", operationID)
	}

	closed, err := s.store.GetByID(ctx, operationID)
	if err != nil || closed == nil {
		return nil, apperr.Upstreamf("failed to reload operation %s", operationID)
	}

	logger.Info("position closed",
		zap.String("operation_id", operationID),
		zap.String("sell_price", sellPrice.String()),
		zap.String("profit", profit.String()),
	)

	return closed, nil
}

// MarkExecuted records the exchange fill confirmation, pending to
// executed. The confirmation source is an external collaborator; the
// ledger never assumes a fill.
func (s *Service) MarkExecuted(ctx context.Context, operationID string) error {
	ok, err := s.store.MarkExecutedCAS(ctx, operationID)
	if err != nil {
		return apperr.Upstreamf("failed to mark operation %s executed", operationID)
	}
	if !ok {
		op, getErr := s.store.GetByID(ctx, operationID)
		if getErr == nil && op == nil {
			return apperr.NotFoundf("operation %s", operationID)
		}
		// Already executed or terminal; harmless under at-least-once delivery.
		logger.Debug("execution confirmation ignored, operation not pending",
			zap.String("operation_id", operationID),
		)
	}
	return nil
}

// Cancel terminally cancels an open operation
func (s *Service) Cancel(ctx context.Context, operationID, reason string) error {
	ok, err := s.store.CancelCAS(ctx, operationID, reason)
	if err != nil {
		return apperr.Upstreamf("failed to cancel operation %s", operationID)
	}
	if !ok {
		op, getErr := s.store.GetByID(ctx, operationID)
		if getErr != nil {
			return apperr.Upstreamf("failed to load operation %s", operationID)
		}
		if op == nil {
			return apperr.NotFoundf("operation %s", operationID)
		}
		return apperr.InvalidStatef("operation %s is %s", operationID, op.Status)
	}

	logger.Info("position cancelled",
		zap.String("operation_id", operationID),
		zap.String("reason", reason),
	)
	return nil
}

// StopResult reports an emergency stop outcome
type StopResult struct {
	PositionsClosed int64 `json:"positions_closed"`
	NothingToStop   bool  `json:"nothing_to_stop"`
}

// EmergencyStop cancels every open operation for the user in one atomic
// batch and emits a single audit entry with the count affected.
// Zero open positions is a reported no-op, not an error.
func (s *Service) EmergencyStop(ctx context.Context, userID, reason string) (*StopResult, error) {
	count, err := s.store.CancelAllOpen(ctx, userID, reason)
	if err != nil {
		return nil, apperr.Upstreamf("emergency stop failed for user %s", userID)
	}

	if count == 0 {
		logger.Info("emergency stop: nothing to stop",
			zap.String("user_id", userID),
		)
		return &StopResult{PositionsClosed: 0, NothingToStop: true}, nil
	}

	s.audit.Record(ctx, audit.Event{
		Timestamp: time.Now(),
		UserID:    userID,
		Kind:      audit.KindEmergencyStop,
		Detail:    fmt.Sprintf("positions_closed=%d reason=%s", count, reason),
	})

	logger.Warn("emergency stop executed",
		zap.String("user_id", userID),
		zap.Int64("positions_closed", count),
		zap.String("reason", reason),
	)

	return &StopResult{PositionsClosed: count}, nil
}

// ReducePosition closes a fraction of an open operation at the given
// price, booking the realized slice of profit
func (s *Service) ReducePosition(ctx context.Context, operationID string, price, fraction decimal.Decimal) error {
	if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return apperr.BadRequestf("reduce fraction %s must be in (0,1)", fraction)
	}

	op, err := s.store.GetByID(ctx, operationID)
	if err != nil {
		return apperr.Upstreamf("failed to load operation %s", operationID)
	}
	if op == nil {
		return apperr.NotFoundf("operation %s", operationID)
	}
	if !op.Status.IsOpen() {
		return apperr.InvalidStatef("operation %s is %s", operationID, op.Status)
	}

	reducedAmount := op.AmountQuote.Mul(fraction)
	realized := Profit(op.BuyPrice, price, reducedAmount)
	newAmount := op.AmountQuote.Sub(reducedAmount)

	ok, err := s.store.ReduceCAS(ctx, operationID, newAmount, realized)
	if err != nil {
		return apperr.Upstreamf("failed to reduce operation %s", operationID)
	}
	if !ok {
		return apperr.InvalidStatef("operation %s already left open state", operationID)
	}

	logger.Info("position reduced",
		zap.String("operation_id", operationID),
		zap.String("fraction", fraction.String()),
		zap.String("realized", realized.String()),
	)
	return nil
}

// FindOpen lists unsold operations for a user, optionally per symbol
func (s *Service) FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error) {
	ops, err := s.store.FindOpen(ctx, userID, symbol)
	if err != nil {
		return nil, apperr.Upstreamf("failed to list open operations for %s", userID)
	}
	return ops, nil
}

// CountOpen returns the user's open position count
func (s *Service) CountOpen(ctx context.Context, userID string) (int, error) {
	count, err := s.store.CountOpen(ctx, userID)
	if err != nil {
		return 0, apperr.Upstreamf("failed to count open operations for %s", userID)
	}
	return count, nil
}

// RealizedProfitSince sums realized profit for operations closed at or
// after the cutoff
func (s *Service) RealizedProfitSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	sum, err := s.store.RealizedProfitSince(ctx, userID, since)
	if err != nil {
		return decimal.Zero, apperr.Upstreamf("failed to sum realized profit for %s", userID)
	}
	return sum, nil
}

// Profit computes quote-currency profit for a position slice:
// (sell - buy) / buy * amount, with fees assumed zero.
func Profit(buyPrice, sellPrice, amount decimal.Decimal) decimal.Decimal {
	if buyPrice.IsZero() {
		return decimal.Zero
	}
	return sellPrice.Sub(buyPrice).Div(buyPrice).Mul(amount)
}
