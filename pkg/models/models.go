package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the direction of an inbound trading signal
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
)

// Valid reports whether the signal type is a known variant
func (s SignalType) Valid() bool {
	switch s {
	case SignalBuy, SignalSell:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a trading operation
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusExecuted  OperationStatus = "executed"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// IsOpen reports whether an operation in this status still holds a position
func (s OperationStatus) IsOpen() bool {
	switch s {
	case StatusPending, StatusExecuted:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ConditionType is what a user trigger evaluates
type ConditionType string

const (
	CondPriceAbove     ConditionType = "price_above"
	CondPriceBelow     ConditionType = "price_below"
	CondPercentGain    ConditionType = "percentage_gain"
	CondPercentLoss    ConditionType = "percentage_loss"
	CondDailyLossLimit ConditionType = "daily_loss_limit"
	CondPositionCount  ConditionType = "position_count"
)

// Valid reports whether the condition type is a known variant
func (c ConditionType) Valid() bool {
	switch c {
	case CondPriceAbove, CondPriceBelow, CondPercentGain,
		CondPercentLoss, CondDailyLossLimit, CondPositionCount:
		return true
	}
	return false
}

// ActionType is what a user trigger does on breach
type ActionType string

const (
	ActionTelegramAlert  ActionType = "telegram_alert"
	ActionEmailAlert     ActionType = "email_alert"
	ActionClosePosition  ActionType = "close_position"
	ActionStopBot        ActionType = "stop_bot"
	ActionReducePosition ActionType = "reduce_position"
)

// Valid reports whether the action type is a known variant
func (a ActionType) Valid() bool {
	switch a {
	case ActionTelegramAlert, ActionEmailAlert, ActionClosePosition,
		ActionStopBot, ActionReducePosition:
		return true
	}
	return false
}

// WebhookIdentity is the per-user credential authorizing inbound signals.
// At most one row per user; rotation replaces the token in place.
type WebhookIdentity struct {
	ID                 string          `json:"id" db:"id"` // UUID
	UserID             string          `json:"user_id" db:"user_id"`
	Token              string          `json:"-" db:"token"`
	IsActive           bool            `json:"is_active" db:"is_active"`
	AllowMultiPosition bool            `json:"allow_multi_position" db:"allow_multi_position"`
	DefaultAmountQuote decimal.Decimal `json:"default_amount_quote" db:"default_amount_quote"`
	LastUsedAt         *time.Time      `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Signal is an accepted inbound trade alert. Immutable once persisted
// except for the processed flag and failure annotation.
type Signal struct {
	ID          string          `json:"id" db:"id"` // UUID
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	SignalType  SignalType      `json:"signal_type" db:"signal_type"`
	Price       decimal.Decimal `json:"price" db:"price"`
	AmountQuote decimal.Decimal `json:"amount_quote" db:"amount_quote"`
	// Identity context captured at acceptance time so the retry sweep
	// replays the signal exactly as it was authorized.
	Exchange           string    `json:"exchange" db:"exchange"`
	AllowMultiPosition bool      `json:"-" db:"allow_multi_position"`
	Processed          bool      `json:"processed" db:"processed"`
	OperationID        *string   `json:"operation_id,omitempty" db:"operation_id"`
	FailReason         *string   `json:"fail_reason,omitempty" db:"fail_reason"`
	ReceivedAt         time.Time `json:"received_at" db:"received_at"`
}

// TradingOperation is a tracked position opened by a signal
type TradingOperation struct {
	ID           string              `json:"id" db:"id"` // UUID
	UserID       string              `json:"user_id" db:"user_id"`
	Exchange     string              `json:"exchange" db:"exchange"`
	Symbol       string              `json:"symbol" db:"symbol"`
	AmountQuote  decimal.Decimal     `json:"amount_quote" db:"amount_quote"`
	BuyPrice     decimal.Decimal     `json:"buy_price" db:"buy_price"`
	SellPrice    decimal.NullDecimal `json:"sell_price,omitempty" db:"sell_price"`
	ActualProfit decimal.NullDecimal `json:"actual_profit,omitempty" db:"actual_profit"`
	Status       OperationStatus     `json:"status" db:"status"`
	CancelReason *string             `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
}

// TrailingStopConfig is the ratcheting stop attached to one open operation
type TrailingStopConfig struct {
	ID           string          `json:"id" db:"id"` // UUID
	UserID       string          `json:"user_id" db:"user_id"`
	OperationID  string          `json:"operation_id" db:"operation_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	InitialPrice decimal.Decimal `json:"initial_price" db:"initial_price"`
	TrailingPct  decimal.Decimal `json:"trailing_percentage" db:"trailing_percentage"`
	HighestPrice decimal.Decimal `json:"highest_price" db:"highest_price"`
	StopPrice    decimal.Decimal `json:"stop_price" db:"stop_price"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	TriggeredAt  *time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// UserTrigger is a user-defined conditional rule
type UserTrigger struct {
	ID              string          `json:"id" db:"id"` // UUID
	UserID          string          `json:"user_id" db:"user_id"`
	Name            string          `json:"trigger_name" db:"trigger_name"`
	ConditionType   ConditionType   `json:"condition_type" db:"condition_type"`
	ConditionValue  decimal.Decimal `json:"condition_value" db:"condition_value"`
	ActionType      ActionType      `json:"action_type" db:"action_type"`
	Symbol          *string         `json:"symbol,omitempty" db:"symbol"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	Armed           bool            `json:"armed" db:"armed"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceTick is one observation from the price feed
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
