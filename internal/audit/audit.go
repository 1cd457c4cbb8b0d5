package audit

import (
	"context"
	"time"
)

// Event kinds recorded by the system
const (
	KindWebhookRequest = "webhook_request"
	KindSignalDeferred = "signal_deferred"
	KindEmergencyStop  = "emergency_stop"
	KindTriggerFired   = "trigger_fired"
	KindTrailingFired  = "trailing_stop_fired"
)

// Event is one audit record destined for the event sink
type Event struct {
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	Detail    string    `json:"detail" db:"detail"`
}

// Recorder accepts audit events. Implementations must never block the
// recording transition; failures are logged, not surfaced.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// NopRecorder discards events. Used when the sink is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, event Event) {}
