package signals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/internal/adapters/redis"
	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/pkg/models"
)

type fakeValidator struct {
	identities map[string]*models.WebhookIdentity
}

func (v *fakeValidator) Validate(ctx context.Context, token string) (*models.WebhookIdentity, error) {
	if id, ok := v.identities[token]; ok {
		return id, nil
	}
	return nil, apperr.Unauthorizedf("unknown token")
}

type fakeSignalStore struct {
	mu      sync.Mutex
	signals map[string]*models.Signal
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{signals: make(map[string]*models.Signal)}
}

func (s *fakeSignalStore) Insert(ctx context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signals[sig.ID] = &cp
	return nil
}

func (s *fakeSignalStore) MarkProcessed(ctx context.Context, id string, operationID *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok || sig.Processed {
		return false, nil
	}
	sig.Processed = true
	sig.OperationID = operationID
	return true, nil
}

func (s *fakeSignalStore) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[id]; ok {
		sig.FailReason = &reason
	}
	return nil
}

func (s *fakeSignalStore) ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Signal
	for _, sig := range s.signals {
		if !sig.Processed && sig.FailReason == nil {
			out = append(out, *sig)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSignalStore) get(id string) *models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[id]; ok {
		cp := *sig
		return &cp
	}
	return nil
}

// fakeLedger keeps open positions in memory; err, when set, poisons
// every call to simulate an unavailable ledger
type fakeLedger struct {
	mu   sync.Mutex
	open map[string]models.TradingOperation // keyed by operation id
	err  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{open: make(map[string]models.TradingOperation)}
}

func (l *fakeLedger) OpenPosition(ctx context.Context, userID, exchange, symbol string, price, amount decimal.Decimal, allowMulti bool) (*models.TradingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if !allowMulti {
		for _, op := range l.open {
			if op.UserID == userID && op.Symbol == symbol {
				return nil, apperr.Conflictf("open position already exists for %s", symbol)
			}
		}
	}
	op := models.TradingOperation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Exchange:    exchange,
		Symbol:      symbol,
		AmountQuote: amount,
		BuyPrice:    price,
		Status:      models.StatusPending,
	}
	l.open[op.ID] = op
	return &op, nil
}

func (l *fakeLedger) ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	op, ok := l.open[operationID]
	if !ok {
		return nil, apperr.NotFoundf("operation %s", operationID)
	}
	delete(l.open, operationID)
	op.Status = models.StatusCompleted
	return &op, nil
}

func (l *fakeLedger) FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []models.TradingOperation
	for _, op := range l.open {
		if op.UserID == userID && (symbol == "" || op.Symbol == symbol) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (l *fakeLedger) poison(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func newTestGateway(ledger Ledger, store SignalStore) *Gateway {
	validator := &fakeValidator{identities: map[string]*models.WebhookIdentity{
		"good-token": {
			ID:       uuid.NewString(),
			UserID:   "user-1",
			Token:    "good-token",
			IsActive: true,
		},
		"multi-token": {
			ID:                 uuid.NewString(),
			UserID:             "user-2",
			Token:              "multi-token",
			IsActive:           true,
			AllowMultiPosition: true,
		},
	}}
	return NewGateway(validator, store, ledger, redis.NewLocalLockFactory(), nil, 2*time.Second)
}

func buyPayload() Payload {
	return Payload{
		Symbol:      "BTCUSDT",
		SignalType:  "buy",
		Price:       decimal.RequireFromString("50000"),
		AmountQuote: decimal.RequireFromString("100"),
	}
}

func TestGateway_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token is rejected before persistence", func(t *testing.T) {
		store := newFakeSignalStore()
		g := newTestGateway(newFakeLedger(), store)

		_, err := g.Ingest(ctx, "bad-token", buyPayload())
		if !errors.Is(err, apperr.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if len(store.signals) != 0 {
			t.Error("rejected request left a persisted signal")
		}
	})

	t.Run("malformed payload is a bad request", func(t *testing.T) {
		g := newTestGateway(newFakeLedger(), newFakeSignalStore())

		cases := []Payload{
			{SignalType: "buy", Price: decimal.RequireFromString("1")},
			{Symbol: "BTCUSDT", SignalType: "hold", Price: decimal.RequireFromString("1")},
			{Symbol: "BTCUSDT", SignalType: "buy"},
			{Symbol: "BTCUSDT", SignalType: "buy", Price: decimal.RequireFromString("-5")},
		}
		for i, p := range cases {
			if _, err := g.Ingest(ctx, "good-token", p); !errors.Is(err, apperr.ErrBadRequest) {
				t.Errorf("case %d: expected bad request, got %v", i, err)
			}
		}
	})

	t.Run("buy without amount and no default is rejected", func(t *testing.T) {
		store := newFakeSignalStore()
		ledger := newFakeLedger()
		g := newTestGateway(ledger, store)

		p := buyPayload()
		p.AmountQuote = decimal.Zero
		if _, err := g.Ingest(ctx, "good-token", p); !errors.Is(err, apperr.ErrBadRequest) {
			t.Fatalf("expected bad request, got %v", err)
		}
		if len(store.signals) != 0 {
			t.Error("rejected zero-amount buy left a persisted signal")
		}
		open, _ := ledger.FindOpen(ctx, "user-1", "BTCUSDT")
		if len(open) != 0 {
			t.Errorf("zero-amount buy opened a position: %v", open)
		}
	})

	t.Run("buy without amount falls back to the identity default", func(t *testing.T) {
		g := newTestGateway(newFakeLedger(), newFakeSignalStore())
		g.validator.(*fakeValidator).identities["good-token"].DefaultAmountQuote = decimal.RequireFromString("20")

		p := buyPayload()
		p.AmountQuote = decimal.Zero
		result, err := g.Ingest(ctx, "good-token", p)
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.OperationID == nil {
			t.Error("no operation opened from the default amount")
		}
	})

	t.Run("buy opens a position and marks the signal processed", func(t *testing.T) {
		store := newFakeSignalStore()
		g := newTestGateway(newFakeLedger(), store)

		result, err := g.Ingest(ctx, "good-token", buyPayload())
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.OperationID == nil {
			t.Fatal("no operation id returned")
		}

		sig := store.get(result.SignalID)
		if sig == nil || !sig.Processed {
			t.Error("signal not marked processed")
		}
		if sig.OperationID == nil || *sig.OperationID != *result.OperationID {
			t.Error("signal not linked to the operation")
		}
	})

	t.Run("second buy conflicts and fails the signal", func(t *testing.T) {
		store := newFakeSignalStore()
		g := newTestGateway(newFakeLedger(), store)

		if _, err := g.Ingest(ctx, "good-token", buyPayload()); err != nil {
			t.Fatalf("first Ingest failed: %v", err)
		}

		result, err := g.Ingest(ctx, "good-token", buyPayload())
		if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("expected conflict, got %v (result %+v)", err, result)
		}
	})

	t.Run("sell without open position is rejected", func(t *testing.T) {
		g := newTestGateway(newFakeLedger(), newFakeSignalStore())

		p := buyPayload()
		p.SignalType = "sell"
		if _, err := g.Ingest(ctx, "good-token", p); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("sell closes the open position", func(t *testing.T) {
		ledger := newFakeLedger()
		g := newTestGateway(ledger, newFakeSignalStore())

		if _, err := g.Ingest(ctx, "good-token", buyPayload()); err != nil {
			t.Fatalf("buy failed: %v", err)
		}

		p := buyPayload()
		p.SignalType = "sell"
		p.Price = decimal.RequireFromString("55000")
		result, err := g.Ingest(ctx, "good-token", p)
		if err != nil {
			t.Fatalf("sell failed: %v", err)
		}
		if result.OperationID == nil {
			t.Error("sell returned no operation id")
		}

		open, _ := ledger.FindOpen(ctx, "user-1", "BTCUSDT")
		if len(open) != 0 {
			t.Errorf("position still open after sell: %v", open)
		}
	})

	t.Run("ledger outage defers the signal instead of losing it", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.poison(apperr.Upstreamf("ledger down"))
		store := newFakeSignalStore()
		g := newTestGateway(ledger, store)

		result, err := g.Ingest(ctx, "good-token", buyPayload())
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if !result.Deferred {
			t.Fatal("expected deferred result")
		}

		sig := store.get(result.SignalID)
		if sig == nil {
			t.Fatal("deferred signal not persisted")
		}
		if sig.Processed || sig.FailReason != nil {
			t.Errorf("deferred signal in wrong state: %+v", sig)
		}
	})
}

func TestGateway_RetryUnprocessed(t *testing.T) {
	ctx := context.Background()

	t.Run("applies deferred signals once the ledger recovers", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.poison(apperr.Upstreamf("ledger down"))
		store := newFakeSignalStore()
		g := newTestGateway(ledger, store)

		result, err := g.Ingest(ctx, "good-token", buyPayload())
		if err != nil || !result.Deferred {
			t.Fatalf("setup: want deferred, got result=%+v err=%v", result, err)
		}

		ledger.poison(nil)

		applied, err := g.RetryUnprocessed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("RetryUnprocessed failed: %v", err)
		}
		if applied != 1 {
			t.Errorf("applied = %d, want 1", applied)
		}

		sig := store.get(result.SignalID)
		if !sig.Processed {
			t.Error("retried signal not marked processed")
		}
	})

	t.Run("replay keeps the multi-position and exchange context", func(t *testing.T) {
		ledger := newFakeLedger()
		store := newFakeSignalStore()
		g := newTestGateway(ledger, store)

		// user-2 already holds a position on the symbol.
		if _, err := ledger.OpenPosition(ctx, "user-2", "bybit", "BTCUSDT",
			decimal.RequireFromString("48000"), decimal.RequireFromString("100"), true); err != nil {
			t.Fatal(err)
		}

		ledger.poison(apperr.Upstreamf("ledger down"))
		p := buyPayload()
		p.Exchange = "bybit"
		result, err := g.Ingest(ctx, "multi-token", p)
		if err != nil || !result.Deferred {
			t.Fatalf("setup: want deferred, got result=%+v err=%v", result, err)
		}
		ledger.poison(nil)

		applied, err := g.RetryUnprocessed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("RetryUnprocessed failed: %v", err)
		}
		if applied != 1 {
			t.Errorf("applied = %d, want 1", applied)
		}

		open, _ := ledger.FindOpen(ctx, "user-2", "BTCUSDT")
		if len(open) != 2 {
			t.Fatalf("open positions = %d, want 2 (stacked buy lost on replay)", len(open))
		}
		for _, op := range open {
			if op.Exchange != "bybit" {
				t.Errorf("exchange = %s, want bybit", op.Exchange)
			}
		}

		sig := store.get(result.SignalID)
		if !sig.Processed || sig.OperationID == nil {
			t.Errorf("replayed signal not linked: %+v", sig)
		}
	})

	t.Run("conflict on replay settles the flag without a new position", func(t *testing.T) {
		ledger := newFakeLedger()
		store := newFakeSignalStore()
		g := newTestGateway(ledger, store)

		// Simulate a signal whose position was opened but whose
		// processed flag write was lost.
		sig := &models.Signal{
			ID:         uuid.NewString(),
			UserID:     "user-1",
			Symbol:     "BTCUSDT",
			SignalType: models.SignalBuy,
			Price:      decimal.RequireFromString("50000"),
			ReceivedAt: time.Now().Add(-time.Minute),
		}
		if err := store.Insert(ctx, sig); err != nil {
			t.Fatal(err)
		}
		if _, err := ledger.OpenPosition(ctx, "user-1", "binance", "BTCUSDT", sig.Price, decimal.RequireFromString("100"), false); err != nil {
			t.Fatal(err)
		}

		applied, err := g.RetryUnprocessed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("RetryUnprocessed failed: %v", err)
		}
		if applied != 0 {
			t.Errorf("applied = %d, want 0", applied)
		}

		got := store.get(sig.ID)
		if !got.Processed {
			t.Error("replayed signal not settled")
		}
		open, _ := ledger.FindOpen(ctx, "user-1", "BTCUSDT")
		if len(open) != 1 {
			t.Errorf("open positions = %d, want exactly 1", len(open))
		}
	})
}
