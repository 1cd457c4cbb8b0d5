package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/internal/ledger"
	"github.com/tradepulse/engine/internal/signals"
	"github.com/tradepulse/engine/internal/webhook"
	"github.com/tradepulse/engine/pkg/models"
)

const defaultListLimit = 50

// WebhookRegistry manages webhook credentials
type WebhookRegistry interface {
	IssueOrRotate(ctx context.Context, userID string) (*webhook.Credential, error)
	Describe(ctx context.Context, userID string) (*webhook.Credential, error)
	TestDelivery(ctx context.Context, userID string) (*webhook.Credential, error)
	Activate(ctx context.Context, userID string) error
	Deactivate(ctx context.Context, userID string) error
}

// SignalIngestor accepts inbound trade alerts
type SignalIngestor interface {
	Ingest(ctx context.Context, token string, payload signals.Payload) (*signals.Result, error)
}

// SignalLister reads back a user's signal history
type SignalLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Signal, error)
}

// Ledger is the position lifecycle surface the API exposes
type Ledger interface {
	ClosePosition(ctx context.Context, operationID string, sellPrice decimal.Decimal) (*models.TradingOperation, error)
	MarkExecuted(ctx context.Context, operationID string) error
	EmergencyStop(ctx context.Context, userID, reason string) (*ledger.StopResult, error)
	FindOpen(ctx context.Context, userID, symbol string) ([]models.TradingOperation, error)
}

// OperationLister reads back a user's operation history
type OperationLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.TradingOperation, error)
}

// TrailingStops manages trailing stop protection
type TrailingStops interface {
	Enable(ctx context.Context, userID, operationID string, pct, currentPrice decimal.Decimal) (*models.TrailingStopConfig, error)
	Disable(ctx context.Context, userID, configID string) error
}

// TriggerStore is the trigger CRUD surface
type TriggerStore interface {
	Insert(ctx context.Context, t *models.UserTrigger) error
	GetByID(ctx context.Context, id string) (*models.UserTrigger, error)
	ListByUser(ctx context.Context, userID string) ([]models.UserTrigger, error)
	Update(ctx context.Context, t *models.UserTrigger) error
	Delete(ctx context.Context, id, userID string) (bool, error)
}

// PriceQuoter resolves a current price for one symbol
type PriceQuoter interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Handler carries the API dependencies
type Handler struct {
	registry WebhookRegistry
	ingestor SignalIngestor
	sigList  SignalLister
	ledger   Ledger
	opList   OperationLister
	trailing TrailingStops
	triggers TriggerStore
	prices   PriceQuoter
}

// NewHandler creates the API handler
func NewHandler(
	registry WebhookRegistry,
	ingestor SignalIngestor,
	sigList SignalLister,
	ldg Ledger,
	opList OperationLister,
	trailing TrailingStops,
	triggers TriggerStore,
	prices PriceQuoter,
) *Handler {
	return &Handler{
		registry: registry,
		ingestor: ingestor,
		sigList:  sigList,
		ledger:   ldg,
		opList:   opList,
		trailing: trailing,
		triggers: triggers,
		prices:   prices,
	}
}

// HandleWebhook ingests an alert addressed by path token
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	h.ingest(w, r, token)
}

// HandleWebhookQuery ingests an alert addressed by query-string token,
// for callers that cannot customize the URL path
func (h *Handler) HandleWebhookQuery(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, r.URL.Query().Get("token"))
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, token string) {
	if token == "" {
		writeError(w, apperr.Unauthorizedf("missing webhook token"))
		return
	}

	var payload signals.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apperr.BadRequestf("malformed JSON payload"))
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), token, payload)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"signal_id": result.SignalID,
	}
	if result.Deferred {
		resp["status"] = "deferred"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp["status"] = "applied"
	if result.OperationID != nil {
		resp["operation_id"] = *result.OperationID
	}
	writeJSON(w, http.StatusOK, resp)
}

// RotateWebhook issues or rotates the caller's webhook credential
func (h *Handler) RotateWebhook(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)

	cred, err := h.registry.IssueOrRotate(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":       cred.Token,
		"webhook_url": cred.URL,
	})
}

// DescribeWebhook returns the caller's current credential so the portal
// can render the hook URL and check delivery without rotating the token
func (h *Handler) DescribeWebhook(w http.ResponseWriter, r *http.Request) {
	cred, err := h.registry.Describe(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        cred.Token,
		"webhook_url":  cred.URL,
		"is_active":    cred.Identity.IsActive,
		"last_used_at": cred.Identity.LastUsedAt,
	})
}

// TestWebhook verifies the caller's credential would accept a delivery
// right now, using the same lookup path as the inbound hook
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	cred, err := h.registry.TestDelivery(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"webhook_url": cred.URL,
	})
}

// ActivateWebhook re-enables the caller's webhook
func (h *Handler) ActivateWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Activate(r.Context(), callerID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// DeactivateWebhook disables the caller's webhook without rotating it
func (h *Handler) DeactivateWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deactivate(r.Context(), callerID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

// EmergencyStop cancels every open operation for the caller
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "emergency stop requested"
	}

	result, err := h.ledger.EmergencyStop(r.Context(), callerID(r), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListOperations returns the caller's operation history
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.opList.ListByUser(r.Context(), callerID(r), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// ListOpenOperations returns the caller's open positions
func (h *Handler) ListOpenOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.ledger.FindOpen(r.Context(), callerID(r), r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// ClosePosition closes one operation at the supplied price
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "id")

	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.BadRequestf("malformed JSON payload"))
		return
	}
	if !body.Price.IsPositive() {
		writeError(w, apperr.BadRequestf("price must be positive"))
		return
	}

	// Ownership check: the ledger closes by id alone
	if err := h.ownsOperation(r, operationID); err != nil {
		writeError(w, err)
		return
	}

	op, err := h.ledger.ClosePosition(r.Context(), operationID, body.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// MarkOperationExecuted records the exchange fill confirmation for a
// pending operation. Called by the execution bridge once the order fills.
func (h *Handler) MarkOperationExecuted(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "id")

	if err := h.ownsOperation(r, operationID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.ledger.MarkExecuted(r.Context(), operationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

// ListSignals returns the caller's signal history
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	sigs, err := h.sigList.ListByUser(r.Context(), callerID(r), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": sigs})
}

// EnableTrailing arms trailing stop protection for an open operation
func (h *Handler) EnableTrailing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationID string          `json:"operation_id"`
		TrailingPct decimal.Decimal `json:"trailing_percentage"`
		Price       decimal.Decimal `json:"current_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.BadRequestf("malformed JSON payload"))
		return
	}
	if body.OperationID == "" {
		writeError(w, apperr.BadRequestf("operation_id is required"))
		return
	}

	userID := callerID(r)

	price := body.Price
	if !price.IsPositive() {
		ops, err := h.ledger.FindOpen(r.Context(), userID, "")
		if err != nil {
			writeError(w, err)
			return
		}
		symbol := ""
		for i := range ops {
			if ops[i].ID == body.OperationID {
				symbol = ops[i].Symbol
				break
			}
		}
		if symbol == "" {
			writeError(w, apperr.NotFoundf("no open operation %s", body.OperationID))
			return
		}
		price, err = h.prices.GetPrice(r.Context(), symbol)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	cfg, err := h.trailing.Enable(r.Context(), userID, body.OperationID, body.TrailingPct, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// DisableTrailing turns trailing protection off, position untouched
func (h *Handler) DisableTrailing(w http.ResponseWriter, r *http.Request) {
	if err := h.trailing.Disable(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// CreateTrigger registers a new automation rule, armed immediately
func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string          `json:"trigger_name"`
		ConditionType  string          `json:"condition_type"`
		ConditionValue decimal.Decimal `json:"condition_value"`
		ActionType     string          `json:"action_type"`
		Symbol         *string         `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.BadRequestf("malformed JSON payload"))
		return
	}

	t := &models.UserTrigger{
		ID:             uuid.NewString(),
		UserID:         callerID(r),
		Name:           body.Name,
		ConditionType:  models.ConditionType(body.ConditionType),
		ConditionValue: body.ConditionValue,
		ActionType:     models.ActionType(body.ActionType),
		Symbol:         body.Symbol,
		IsActive:       true,
		Armed:          true,
	}
	if err := validateTrigger(t); err != nil {
		writeError(w, err)
		return
	}

	if err := h.triggers.Insert(r.Context(), t); err != nil {
		writeError(w, apperr.Upstreamf("failed to store trigger"))
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTriggers returns the caller's triggers
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	ts, err := h.triggers.ListByUser(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": ts})
}

// UpdateTrigger replaces a trigger's condition, action or active flag
func (h *Handler) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	id := chi.URLParam(r, "id")

	existing, err := h.triggers.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Upstreamf("failed to load trigger"))
		return
	}
	if existing == nil || existing.UserID != userID {
		writeError(w, apperr.NotFoundf("trigger %s not found", id))
		return
	}

	var body struct {
		Name           *string          `json:"trigger_name"`
		ConditionType  *string          `json:"condition_type"`
		ConditionValue *decimal.Decimal `json:"condition_value"`
		ActionType     *string          `json:"action_type"`
		Symbol         *string          `json:"symbol"`
		IsActive       *bool            `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.BadRequestf("malformed JSON payload"))
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.ConditionType != nil {
		existing.ConditionType = models.ConditionType(*body.ConditionType)
	}
	if body.ConditionValue != nil {
		existing.ConditionValue = *body.ConditionValue
	}
	if body.ActionType != nil {
		existing.ActionType = models.ActionType(*body.ActionType)
	}
	if body.Symbol != nil {
		existing.Symbol = body.Symbol
	}
	if body.IsActive != nil {
		existing.IsActive = *body.IsActive
	}
	if err := validateTrigger(existing); err != nil {
		writeError(w, err)
		return
	}

	if err := h.triggers.Update(r.Context(), existing); err != nil {
		writeError(w, apperr.Upstreamf("failed to update trigger"))
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// DeleteTrigger removes a trigger owned by the caller
func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	found, err := h.triggers.Delete(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeError(w, apperr.Upstreamf("failed to delete trigger"))
		return
	}
	if !found {
		writeError(w, apperr.NotFoundf("trigger not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) ownsOperation(r *http.Request, operationID string) error {
	ops, err := h.ledger.FindOpen(r.Context(), callerID(r), "")
	if err != nil {
		return err
	}
	for i := range ops {
		if ops[i].ID == operationID {
			return nil
		}
	}
	return apperr.NotFoundf("no open operation %s", operationID)
}

func validateTrigger(t *models.UserTrigger) error {
	if t.Name == "" {
		return apperr.BadRequestf("trigger_name is required")
	}
	if !t.ConditionType.Valid() {
		return apperr.BadRequestf("unknown condition_type %q", t.ConditionType)
	}
	if !t.ActionType.Valid() {
		return apperr.BadRequestf("unknown action_type %q", t.ActionType)
	}
	switch t.ConditionType {
	case models.CondPriceAbove, models.CondPriceBelow:
		if t.Symbol == nil || *t.Symbol == "" {
			return apperr.BadRequestf("condition %s requires a symbol", t.ConditionType)
		}
	}
	if t.ConditionValue.IsNegative() {
		return apperr.BadRequestf("condition_value must not be negative")
	}
	return nil
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultListLimit
}
