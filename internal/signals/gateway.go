package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/adapters/redis"
	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

// TokenValidator resolves inbound webhook tokens
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*models.WebhookIdentity, error)
}

// SignalStore is the persistence the gateway needs
type SignalStore interface {
	Insert(ctx context.Context, sig *models.Signal) error
	MarkProcessed(ctx context.Context, id string, operationID *string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) error
	ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.Signal, error)
}

// Ledger is the slice of the operation ledger the gateway drives
type Ledger interface {
	OpenPosition(ctx context.Context, userID, exchange, symbol string, price, amount decimal.Decimal, allowMulti bool) (*models.TradingOperation, error)
	ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error)
	FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error)
}

// Payload is the raw inbound trade alert body
type Payload struct {
	Symbol      string          `json:"symbol"`
	SignalType  string          `json:"signal_type"`
	Price       decimal.Decimal `json:"price"`
	AmountQuote decimal.Decimal `json:"amount_quote_currency"`
	Exchange    string          `json:"exchange,omitempty"`
}

// Result reports an ingestion outcome
type Result struct {
	SignalID    string
	OperationID *string
	Deferred    bool
}

// Gateway accepts inbound trade alerts: authenticate, validate,
// persist, then apply to the ledger under a per-(user,symbol) lock.
type Gateway struct {
	validator    TokenValidator
	store        SignalStore
	ledger       Ledger
	locks        redis.KeyLockFactory
	audit        audit.Recorder
	applyTimeout time.Duration
}

// NewGateway creates new signal ingestion gateway
func NewGateway(validator TokenValidator, store SignalStore, ledger Ledger, locks redis.KeyLockFactory, recorder audit.Recorder, applyTimeout time.Duration) *Gateway {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Gateway{
		validator:    validator,
		store:        store,
		ledger:       ledger,
		locks:        locks,
		audit:        recorder,
		applyTimeout: applyTimeout,
	}
}

// Ingest runs the full request state machine:
// Received -> Authenticated -> Validated -> Persisted -> (Applied | Deferred)
func (g *Gateway) Ingest(ctx context.Context, token string, payload Payload) (*Result, error) {
	identity, err := g.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	amount := payload.AmountQuote
	if amount.IsZero() && identity.DefaultAmountQuote.IsPositive() {
		amount = identity.DefaultAmountQuote
	}
	// A buy must carry a spendable amount, either its own or the
	// identity's default. Zero would otherwise survive until the
	// ledger insert and loop through the retry sweep.
	if models.SignalType(payload.SignalType) == models.SignalBuy && !amount.IsPositive() {
		return nil, apperr.BadRequestf("amount_quote_currency must be positive and no default amount is configured")
	}

	exchange := payload.Exchange
	if exchange == "" {
		exchange = "binance"
	}

	sig := &models.Signal{
		ID:                 uuid.NewString(),
		UserID:             identity.UserID,
		Symbol:             payload.Symbol,
		SignalType:         models.SignalType(payload.SignalType),
		Price:              payload.Price,
		AmountQuote:        amount,
		Exchange:           exchange,
		AllowMultiPosition: identity.AllowMultiPosition,
		ReceivedAt:         time.Now(),
	}

	// Persist first: signals are never lost, only left unprocessed.
	if err := g.store.Insert(ctx, sig); err != nil {
		return nil, apperr.Upstreamf("failed to persist signal for user %s", identity.UserID)
	}

	g.audit.Record(ctx, audit.Event{
		Timestamp: sig.ReceivedAt,
		UserID:    sig.UserID,
		Kind:      audit.KindWebhookRequest,
		Detail:    fmt.Sprintf("signal_id=%s symbol=%s type=%s", sig.ID, sig.Symbol, sig.SignalType),
	})

	applyCtx, cancel := context.WithTimeout(ctx, g.applyTimeout)
	defer cancel()

	opID, err := g.apply(applyCtx, sig)
	if err != nil {
		// Conflict on a fresh signal means a position is already open
		// for the key: rejecting is final, a retry cannot change it.
		if errors.Is(err, apperr.ErrConflict) || isPermanent(err) {
			reason := err.Error()
			if markErr := g.store.MarkFailed(ctx, sig.ID, reason); markErr != nil {
				logger.Error("failed to mark signal failed", zap.Error(markErr))
			}
			return nil, err
		}

		// Retryable: the sweep will reattempt, keyed by signal id.
		logger.Warn("signal application deferred",
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		g.audit.Record(ctx, audit.Event{
			Timestamp: time.Now(),
			UserID:    sig.UserID,
			Kind:      audit.KindSignalDeferred,
			Detail:    fmt.Sprintf("signal_id=%s err=%v", sig.ID, err),
		})
		return &Result{SignalID: sig.ID, Deferred: true}, nil
	}

	return &Result{SignalID: sig.ID, OperationID: opID}, nil
}

// apply serializes ledger mutation per (user, symbol) and flips the
// processed flag once the ledger accepted the signal. The signal row
// carries the identity context from acceptance time, so replays behave
// identically to the first attempt.
func (g *Gateway) apply(ctx context.Context, sig *models.Signal) (*string, error) {
	lock := g.locks.LedgerLock(sig.UserID, sig.Symbol)

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return nil, apperr.Upstreamf("ledger lock unavailable for %s/%s", sig.UserID, sig.Symbol)
	}
	if !acquired {
		return nil, apperr.Upstreamf("ledger busy for %s/%s", sig.UserID, sig.Symbol)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	var opID *string

	switch sig.SignalType {
	case models.SignalBuy:
		op, err := g.ledger.OpenPosition(ctx, sig.UserID, sig.Exchange, sig.Symbol, sig.Price, sig.AmountQuote, sig.AllowMultiPosition)
		if err != nil {
			return nil, err
		}
		opID = &op.ID

	case models.SignalSell:
		open, err := g.ledger.FindOpen(ctx, sig.UserID, sig.Symbol)
		if err != nil {
			return nil, err
		}
		if len(open) == 0 {
			return nil, apperr.NotFoundf("no open position for %s to sell", sig.Symbol)
		}
		op, err := g.ledger.ClosePosition(ctx, open[0].ID, sig.Price)
		if err != nil {
			return nil, err
		}
		opID = &op.ID
	}

	if _, err := g.store.MarkProcessed(ctx, sig.ID, opID); err != nil {
		// Operation exists but the flag write failed; the retry sweep
		// resolves this via the Conflict path below.
		return nil, apperr.Upstreamf("failed to mark signal %s processed", sig.ID)
	}

	return opID, nil
}

// RetryUnprocessed reattempts applying deferred signals. Safe to call
// repeatedly: conditional updates keep the application idempotent.
func (g *Gateway) RetryUnprocessed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	sigs, err := g.store.ListUnprocessed(ctx, olderThan, limit)
	if err != nil {
		return 0, apperr.Upstreamf("failed to list deferred signals")
	}

	applied := 0
	for i := range sigs {
		sig := &sigs[i]

		if _, err := g.apply(ctx, sig); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				// Single-position user with the symbol slot taken:
				// either the prior attempt opened it and the flag write
				// was lost, or another signal did. Retrying cannot
				// change the outcome, so settle the flag and move on.
				if _, markErr := g.store.MarkProcessed(ctx, sig.ID, nil); markErr != nil {
					logger.Error("failed to settle replayed signal", zap.Error(markErr))
				}
				continue
			}
			if isPermanent(err) {
				if markErr := g.store.MarkFailed(ctx, sig.ID, err.Error()); markErr != nil {
					logger.Error("failed to mark signal failed", zap.Error(markErr))
				}
				continue
			}
			logger.Warn("signal retry still deferred",
				zap.String("signal_id", sig.ID),
				zap.Error(err),
			)
			continue
		}
		applied++
	}

	if applied > 0 {
		logger.Info("deferred signals applied",
			zap.Int("applied", applied),
			zap.Int("scanned", len(sigs)),
		)
	}

	return applied, nil
}

func validatePayload(p Payload) error {
	if p.Symbol == "" {
		return apperr.BadRequestf("symbol is required")
	}
	if !models.SignalType(p.SignalType).Valid() {
		return apperr.BadRequestf("signal_type %q must be buy or sell", p.SignalType)
	}
	if !p.Price.IsPositive() {
		return apperr.BadRequestf("price must be positive")
	}
	if p.AmountQuote.IsNegative() {
		return apperr.BadRequestf("amount_quote_currency must not be negative")
	}
	return nil
}

// isPermanent reports whether retrying the signal can never succeed
func isPermanent(err error) bool {
	return errors.Is(err, apperr.ErrBadRequest) ||
		errors.Is(err, apperr.ErrInvalidState) ||
		errors.Is(err, apperr.ErrNotFound)
}
