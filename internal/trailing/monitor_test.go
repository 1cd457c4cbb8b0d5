package trailing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/pkg/models"
)

type fakeConfigStore struct {
	mu      sync.Mutex
	configs map[string]*models.TrailingStopConfig
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[string]*models.TrailingStopConfig)}
}

func (s *fakeConfigStore) Insert(ctx context.Context, cfg *models.TrailingStopConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[cfg.ID] = &cp
	return nil
}

func (s *fakeConfigStore) GetByID(ctx context.Context, id string) (*models.TrailingStopConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[id]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeConfigStore) GetActiveByOperation(ctx context.Context, operationID string) (*models.TrailingStopConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.OperationID == operationID && cfg.IsActive {
			cp := *cfg
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeConfigStore) ListActiveBySymbol(ctx context.Context, symbol string) ([]models.TrailingStopConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TrailingStopConfig
	for _, cfg := range s.configs {
		if cfg.Symbol == symbol && cfg.IsActive {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (s *fakeConfigStore) DistinctActiveSymbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, cfg := range s.configs {
		if !cfg.IsActive {
			continue
		}
		if _, ok := seen[cfg.Symbol]; ok {
			continue
		}
		seen[cfg.Symbol] = struct{}{}
		out = append(out, cfg.Symbol)
	}
	return out, nil
}

func (s *fakeConfigStore) RatchetCAS(ctx context.Context, id string, highest, stop decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok || !cfg.IsActive || !cfg.HighestPrice.LessThan(highest) {
		return false, nil
	}
	cfg.HighestPrice = highest
	cfg.StopPrice = stop
	return true, nil
}

func (s *fakeConfigStore) DeactivateCAS(ctx context.Context, id string, triggered bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok || !cfg.IsActive {
		return false, nil
	}
	cfg.IsActive = false
	if triggered {
		now := time.Now()
		cfg.TriggeredAt = &now
	}
	return true, nil
}

type fakeCloser struct {
	mu     sync.Mutex
	open   []models.TradingOperation
	closed []string
}

func (c *fakeCloser) ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.open {
		if c.open[i].ID == operationID {
			op := c.open[i]
			c.open = append(c.open[:i], c.open[i+1:]...)
			c.closed = append(c.closed, operationID)
			op.Status = models.StatusCompleted
			return &op, nil
		}
	}
	return nil, nil
}

func (c *fakeCloser) FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.TradingOperation
	for _, op := range c.open {
		if op.UserID == userID && (symbol == "" || op.Symbol == symbol) {
			out = append(out, op)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func TestComputeStop(t *testing.T) {
	cases := []struct {
		highest string
		pct     string
		want    string
	}{
		{"100", "2", "98"},
		{"110", "2", "107.8"},
		{"50000", "1.5", "49250"},
		{"0.00012344", "10", "0.0001111"},
	}

	for _, tc := range cases {
		got := ComputeStop(decimal.RequireFromString(tc.highest), decimal.RequireFromString(tc.pct))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("ComputeStop(%s, %s%%) = %s, want %s", tc.highest, tc.pct, got, tc.want)
		}
	}
}

func TestMonitor_RatchetAndFire(t *testing.T) {
	ctx := context.Background()
	store := newFakeConfigStore()
	closer := &fakeCloser{
		open: []models.TradingOperation{
			{ID: "op-1", UserID: "user-1", Symbol: "BTCUSDT", Status: models.StatusExecuted},
		},
	}
	notifier := &recordingNotifier{}
	m := NewMonitor(store, closer, notifier, nil)

	cfg, err := m.Enable(ctx, "user-1", "op-1", decimal.RequireFromString("2"), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !cfg.StopPrice.Equal(decimal.RequireFromString("98")) {
		t.Fatalf("initial stop = %s, want 98", cfg.StopPrice)
	}

	t.Run("rising price ratchets the stop", func(t *testing.T) {
		if err := m.OnTick(ctx, "BTCUSDT", decimal.RequireFromString("110")); err != nil {
			t.Fatalf("OnTick failed: %v", err)
		}

		got, _ := store.GetByID(ctx, cfg.ID)
		if !got.HighestPrice.Equal(decimal.RequireFromString("110")) {
			t.Errorf("highest = %s, want 110", got.HighestPrice)
		}
		if !got.StopPrice.Equal(decimal.RequireFromString("107.8")) {
			t.Errorf("stop = %s, want 107.8", got.StopPrice)
		}
	})

	t.Run("dip above stop changes nothing", func(t *testing.T) {
		if err := m.OnTick(ctx, "BTCUSDT", decimal.RequireFromString("108")); err != nil {
			t.Fatalf("OnTick failed: %v", err)
		}

		got, _ := store.GetByID(ctx, cfg.ID)
		if !got.HighestPrice.Equal(decimal.RequireFromString("110")) {
			t.Errorf("highest moved on a dip: %s", got.HighestPrice)
		}
		if !got.IsActive {
			t.Error("config fired above the stop price")
		}
	})

	t.Run("crossing the stop fires once", func(t *testing.T) {
		if err := m.OnTick(ctx, "BTCUSDT", decimal.RequireFromString("107.5")); err != nil {
			t.Fatalf("OnTick failed: %v", err)
		}

		got, _ := store.GetByID(ctx, cfg.ID)
		if got.IsActive {
			t.Fatal("config still active after firing")
		}
		if got.TriggeredAt == nil {
			t.Error("triggered_at not set")
		}
		if len(closer.closed) != 1 || closer.closed[0] != "op-1" {
			t.Errorf("closed operations = %v, want [op-1]", closer.closed)
		}
		if len(notifier.sent) != 1 {
			t.Errorf("notifications sent = %d, want 1", len(notifier.sent))
		}
	})

	t.Run("later recovery does not reopen", func(t *testing.T) {
		if err := m.OnTick(ctx, "BTCUSDT", decimal.RequireFromString("115")); err != nil {
			t.Fatalf("OnTick failed: %v", err)
		}

		if len(closer.closed) != 1 {
			t.Errorf("fired again after deactivation: %v", closer.closed)
		}
	})
}

func TestMonitor_Enable(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects out-of-range percentage", func(t *testing.T) {
		m := NewMonitor(newFakeConfigStore(), &fakeCloser{}, nil, nil)
		if _, err := m.Enable(ctx, "u", "op", decimal.Zero, decimal.RequireFromString("100")); err == nil {
			t.Error("expected error for zero percentage")
		}
		if _, err := m.Enable(ctx, "u", "op", decimal.RequireFromString("101"), decimal.RequireFromString("100")); err == nil {
			t.Error("expected error for percentage above 100")
		}
	})

	t.Run("rejects second active config per operation", func(t *testing.T) {
		store := newFakeConfigStore()
		closer := &fakeCloser{open: []models.TradingOperation{
			{ID: "op-1", UserID: "u", Symbol: "ETHUSDT", Status: models.StatusExecuted},
		}}
		m := NewMonitor(store, closer, nil, nil)

		if _, err := m.Enable(ctx, "u", "op-1", decimal.RequireFromString("5"), decimal.RequireFromString("2000")); err != nil {
			t.Fatalf("first Enable failed: %v", err)
		}
		if _, err := m.Enable(ctx, "u", "op-1", decimal.RequireFromString("5"), decimal.RequireFromString("2000")); err == nil {
			t.Error("expected conflict for second active config")
		}
	})

	t.Run("rejects unknown operation", func(t *testing.T) {
		m := NewMonitor(newFakeConfigStore(), &fakeCloser{}, nil, nil)
		if _, err := m.Enable(ctx, "u", "missing", decimal.RequireFromString("5"), decimal.RequireFromString("10")); err == nil {
			t.Error("expected not found for unknown operation")
		}
	})
}

func TestMonitor_DisableLeavesPositionOpen(t *testing.T) {
	ctx := context.Background()
	store := newFakeConfigStore()
	closer := &fakeCloser{open: []models.TradingOperation{
		{ID: "op-1", UserID: "u", Symbol: "BTCUSDT", Status: models.StatusExecuted},
	}}
	m := NewMonitor(store, closer, nil, nil)

	cfg, err := m.Enable(ctx, "u", "op-1", decimal.RequireFromString("3"), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	if err := m.Disable(ctx, "u", cfg.ID); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	got, _ := store.GetByID(ctx, cfg.ID)
	if got.IsActive {
		t.Error("config still active after Disable")
	}
	if got.TriggeredAt != nil {
		t.Error("Disable must not mark the config as triggered")
	}
	if len(closer.closed) != 0 {
		t.Errorf("Disable closed positions: %v", closer.closed)
	}

	if err := m.Disable(ctx, "other", cfg.ID); err == nil {
		t.Error("expected error disabling another user's config")
	}
}
