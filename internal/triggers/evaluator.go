package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

// reduceFraction is the slice of an open position the reduce_position
// action closes on each firing
var reduceFraction = decimal.RequireFromString("0.5")

// TriggerStore is the persistence the evaluator needs
type TriggerStore interface {
	ListActive(ctx context.Context) ([]models.UserTrigger, error)
	FireCAS(ctx context.Context, id string, at time.Time) (bool, error)
	RearmCAS(ctx context.Context, id string) (bool, error)
}

// Ledger is the slice of the operation ledger the evaluator consults
// and commands
type Ledger interface {
	FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error)
	CountOpen(ctx context.Context, userID string) (int, error)
	RealizedProfitSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error)
	ReducePosition(ctx context.Context, operationID string, price, fraction decimal.Decimal) error
}

// PriceSource provides current prices
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BotStopper suppresses further signal acceptance for a user
type BotStopper interface {
	Deactivate(ctx context.Context, userID string) error
}

// Notifier delivers fire-and-forget user alerts
type Notifier interface {
	Notify(ctx context.Context, userID, text string)
}

// Evaluator runs user-defined conditional rules over account and
// market state. Firing is edge-triggered: a trigger fires at most once
// per breach episode and re-arms only after its condition clears.
type Evaluator struct {
	store    TriggerStore
	ledger   Ledger
	prices   PriceSource
	stopper  BotStopper
	notifier Notifier
	audit    audit.Recorder
}

// NewEvaluator creates new trigger evaluator
func NewEvaluator(store TriggerStore, ledger Ledger, prices PriceSource, stopper BotStopper, notifier Notifier, recorder audit.Recorder) *Evaluator {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Evaluator{
		store:    store,
		ledger:   ledger,
		prices:   prices,
		stopper:  stopper,
		notifier: notifier,
		audit:    recorder,
	}
}

// Evaluate runs one pass over all active triggers
func (e *Evaluator) Evaluate(ctx context.Context) error {
	ts, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list triggers: %w", err)
	}

	for i := range ts {
		t := &ts[i]

		breached, detail, err := e.breached(ctx, t)
		if err != nil {
			logger.Warn("trigger condition evaluation failed",
				zap.String("trigger_id", t.ID),
				zap.String("condition", string(t.ConditionType)),
				zap.Error(err),
			)
			continue
		}

		switch {
		case breached && t.Armed:
			e.fire(ctx, t, detail)
		case !breached && !t.Armed:
			if _, err := e.store.RearmCAS(ctx, t.ID); err != nil {
				logger.Error("failed to rearm trigger",
					zap.String("trigger_id", t.ID),
					zap.Error(err),
				)
			} else {
				logger.Debug("trigger re-armed",
					zap.String("trigger_id", t.ID),
				)
			}
		}
	}

	return nil
}

// breached evaluates a trigger's condition against current state
func (e *Evaluator) breached(ctx context.Context, t *models.UserTrigger) (bool, string, error) {
	switch t.ConditionType {
	case models.CondPriceAbove, models.CondPriceBelow:
		if t.Symbol == nil || *t.Symbol == "" {
			return false, "", fmt.Errorf("price condition requires a symbol")
		}
		price, err := e.prices.GetPrice(ctx, *t.Symbol)
		if err != nil {
			return false, "", err
		}
		if t.ConditionType == models.CondPriceAbove {
			return price.GreaterThan(t.ConditionValue),
				fmt.Sprintf("price %s > %s", price, t.ConditionValue), nil
		}
		return price.LessThan(t.ConditionValue),
			fmt.Sprintf("price %s < %s", price, t.ConditionValue), nil

	case models.CondPercentGain, models.CondPercentLoss:
		ops, err := e.matchingOps(ctx, t)
		if err != nil {
			return false, "", err
		}
		for i := range ops {
			pct, err := e.unrealizedPct(ctx, &ops[i])
			if err != nil {
				continue // missing tick; tolerate gaps
			}
			if t.ConditionType == models.CondPercentGain && pct.GreaterThanOrEqual(t.ConditionValue) {
				return true, fmt.Sprintf("unrealized +%s%% on %s", pct.StringFixed(2), ops[i].Symbol), nil
			}
			if t.ConditionType == models.CondPercentLoss && pct.LessThanOrEqual(t.ConditionValue.Neg()) {
				return true, fmt.Sprintf("unrealized %s%% on %s", pct.StringFixed(2), ops[i].Symbol), nil
			}
		}
		return false, "", nil

	case models.CondDailyLossLimit:
		realized, err := e.ledger.RealizedProfitSince(ctx, t.UserID, localMidnight(time.Now()))
		if err != nil {
			return false, "", err
		}
		loss := realized.Neg()
		return loss.GreaterThanOrEqual(t.ConditionValue),
			fmt.Sprintf("daily loss %s >= %s", loss, t.ConditionValue), nil

	case models.CondPositionCount:
		count, err := e.ledger.CountOpen(ctx, t.UserID)
		if err != nil {
			return false, "", err
		}
		return decimal.NewFromInt(int64(count)).GreaterThanOrEqual(t.ConditionValue),
			fmt.Sprintf("open positions %d >= %s", count, t.ConditionValue), nil

	default:
		return false, "", fmt.Errorf("unknown condition type %q", t.ConditionType)
	}
}

// fire disarms the trigger first (one-shot across instances), then
// performs its action
func (e *Evaluator) fire(ctx context.Context, t *models.UserTrigger, detail string) {
	now := time.Now()
	ok, err := e.store.FireCAS(ctx, t.ID, now)
	if err != nil {
		logger.Error("failed to disarm trigger",
			zap.String("trigger_id", t.ID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		return // another evaluator fired it
	}

	logger.Warn("trigger fired",
		zap.String("trigger_id", t.ID),
		zap.String("trigger_name", t.Name),
		zap.String("user_id", t.UserID),
		zap.String("condition", string(t.ConditionType)),
		zap.String("action", string(t.ActionType)),
		zap.String("detail", detail),
	)

	e.audit.Record(ctx, audit.Event{
		Timestamp: now,
		UserID:    t.UserID,
		Kind:      audit.KindTriggerFired,
		Detail:    fmt.Sprintf("trigger_id=%s name=%s action=%s %s", t.ID, t.Name, t.ActionType, detail),
	})

	if err := e.act(ctx, t, detail); err != nil {
		logger.Error("trigger action failed",
			zap.String("trigger_id", t.ID),
			zap.String("action", string(t.ActionType)),
			zap.Error(err),
		)
	}
}

func (e *Evaluator) act(ctx context.Context, t *models.UserTrigger, detail string) error {
	switch t.ActionType {
	case models.ActionTelegramAlert, models.ActionEmailAlert:
		if e.notifier != nil {
			e.notifier.Notify(ctx, t.UserID, fmt.Sprintf("Trigger %q fired: %s", t.Name, detail))
		}
		return nil

	case models.ActionClosePosition:
		return e.closeMatching(ctx, t, decimal.NewFromInt(1))

	case models.ActionReducePosition:
		return e.closeMatching(ctx, t, reduceFraction)

	case models.ActionStopBot:
		if err := e.stopper.Deactivate(ctx, t.UserID); err != nil {
			return fmt.Errorf("failed to stop bot for user %s: %w", t.UserID, err)
		}
		if e.notifier != nil {
			e.notifier.Notify(ctx, t.UserID, fmt.Sprintf("Bot stopped by trigger %q: %s", t.Name, detail))
		}
		return nil

	default:
		return fmt.Errorf("unknown action type %q", t.ActionType)
	}
}

// closeMatching closes (fraction=1) or reduces matching open positions
// at the current market price
func (e *Evaluator) closeMatching(ctx context.Context, t *models.UserTrigger, fraction decimal.Decimal) error {
	ops, err := e.matchingOps(ctx, t)
	if err != nil {
		return err
	}

	for i := range ops {
		op := &ops[i]
		price, err := e.prices.GetPrice(ctx, op.Symbol)
		if err != nil {
			logger.Warn("skipping position close, no price",
				zap.String("operation_id", op.ID),
				zap.String("symbol", op.Symbol),
			)
			continue
		}

		if fraction.Equal(decimal.NewFromInt(1)) {
			if _, err := e.ledger.ClosePosition(ctx, op.ID, price); err != nil {
				logger.Warn("trigger close was a no-op",
					zap.String("operation_id", op.ID),
					zap.Error(err),
				)
			}
		} else {
			if err := e.ledger.ReducePosition(ctx, op.ID, price, fraction); err != nil {
				logger.Warn("trigger reduce was a no-op",
					zap.String("operation_id", op.ID),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

func (e *Evaluator) matchingOps(ctx context.Context, t *models.UserTrigger) ([]models.TradingOperation, error) {
	symbol := ""
	if t.Symbol != nil {
		symbol = *t.Symbol
	}
	return e.ledger.FindOpen(ctx, t.UserID, symbol)
}

func (e *Evaluator) unrealizedPct(ctx context.Context, op *models.TradingOperation) (decimal.Decimal, error) {
	price, err := e.prices.GetPrice(ctx, op.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if op.BuyPrice.IsZero() {
		return decimal.Zero, nil
	}
	return price.Sub(op.BuyPrice).Div(op.BuyPrice).Mul(decimal.NewFromInt(100)), nil
}

// localMidnight returns the start of the current local day
func localMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
