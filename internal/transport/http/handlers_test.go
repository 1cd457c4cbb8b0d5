package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/internal/ledger"
	"github.com/tradepulse/engine/internal/signals"
	"github.com/tradepulse/engine/pkg/models"
)

type stubIngestor struct {
	result *signals.Result
	err    error
	gotTok string
}

func (s *stubIngestor) Ingest(ctx context.Context, token string, payload signals.Payload) (*signals.Result, error) {
	s.gotTok = token
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newWebhookRouter(ing *stubIngestor) http.Handler {
	h := &Handler{ingestor: ing}
	r := chi.NewRouter()
	r.Post("/hook/{token}", h.HandleWebhook)
	r.Post("/hook", h.HandleWebhookQuery)
	return r
}

func TestHandleWebhook(t *testing.T) {
	payload := `{"symbol":"BTCUSDT","signal_type":"buy","price":"50000"}`

	t.Run("applied signal returns 200 with operation id", func(t *testing.T) {
		opID := "op-123"
		ing := &stubIngestor{result: &signals.Result{SignalID: "sig-1", OperationID: &opID}}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook/tok-abc", strings.NewReader(payload))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ing.gotTok != "tok-abc" {
			t.Errorf("token = %s, want tok-abc", ing.gotTok)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["operation_id"] != "op-123" || body["status"] != "applied" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("deferred signal returns 202", func(t *testing.T) {
		ing := &stubIngestor{result: &signals.Result{SignalID: "sig-1", Deferred: true}}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook/tok-abc", strings.NewReader(payload))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rec.Code)
		}
	})

	t.Run("query-string token variant", func(t *testing.T) {
		opID := "op-123"
		ing := &stubIngestor{result: &signals.Result{SignalID: "sig-1", OperationID: &opID}}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook?token=tok-query", strings.NewReader(payload))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ing.gotTok != "tok-query" {
			t.Errorf("token = %s, want tok-query", ing.gotTok)
		}
	})

	t.Run("missing token is 401 without calling the gateway", func(t *testing.T) {
		ing := &stubIngestor{}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(payload))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if ing.gotTok != "" {
			t.Error("gateway called despite missing token")
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		ing := &stubIngestor{}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook/tok-abc", strings.NewReader("{not json"))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("conflict surfaces as 409", func(t *testing.T) {
		ing := &stubIngestor{err: apperr.Conflictf("open position already exists")}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook/tok-abc", strings.NewReader(payload))
		newWebhookRouter(ing).ServeHTTP(rec, req)

		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})
}

type stubLedger struct {
	open     []models.TradingOperation
	executed []string
}

func (l *stubLedger) ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error) {
	return nil, apperr.NotFoundf("operation %s", operationID)
}

func (l *stubLedger) MarkExecuted(ctx context.Context, operationID string) error {
	l.executed = append(l.executed, operationID)
	return nil
}

func (l *stubLedger) EmergencyStop(ctx context.Context, userID, reason string) (*ledger.StopResult, error) {
	return &ledger.StopResult{}, nil
}

func (l *stubLedger) FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error) {
	var out []models.TradingOperation
	for _, op := range l.open {
		if op.UserID == userID {
			out = append(out, op)
		}
	}
	return out, nil
}

func TestMarkOperationExecuted(t *testing.T) {
	const caller = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	newRouter := func(l *stubLedger) http.Handler {
		h := &Handler{ledger: l}
		r := chi.NewRouter()
		r.Group(func(pr chi.Router) {
			pr.Use(requireUser)
			pr.Post("/api/operations/{id}/executed", h.MarkOperationExecuted)
		})
		return r
	}

	t.Run("fill confirmation on own pending operation", func(t *testing.T) {
		l := &stubLedger{open: []models.TradingOperation{
			{ID: "op-1", UserID: caller, Symbol: "BTCUSDT", Status: models.StatusPending},
		}}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/operations/op-1/executed", nil)
		req.Header.Set("X-User-ID", caller)
		newRouter(l).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(l.executed) != 1 || l.executed[0] != "op-1" {
			t.Errorf("executed = %v, want [op-1]", l.executed)
		}
	})

	t.Run("someone else's operation is 404", func(t *testing.T) {
		l := &stubLedger{open: []models.TradingOperation{
			{ID: "op-2", UserID: "other-user", Symbol: "BTCUSDT", Status: models.StatusPending},
		}}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/operations/op-2/executed", nil)
		req.Header.Set("X-User-ID", caller)
		newRouter(l).ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if len(l.executed) != 0 {
			t.Error("fill recorded for a foreign operation")
		}
	})
}

func TestRequireUser(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(callerID(r)))
	})
	protected := requireUser(inner)

	t.Run("valid uuid passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		protected.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := rec.Body.String(); got != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
			t.Errorf("caller id = %s", got)
		}
	})

	t.Run("missing header is 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage header is 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", "rm -rf")
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}
