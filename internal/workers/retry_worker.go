package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/signals"
	"github.com/tradepulse/engine/pkg/logger"
)

// RetryWorker sweeps persisted-but-unapplied signals and re-applies
// them. Together with the gateway's idempotent apply step this gives
// at-least-once delivery from persistence to the ledger.
type RetryWorker struct {
	gateway   *signals.Gateway
	olderThan time.Duration
	batch     int
}

// NewRetryWorker creates a deferred signal retry worker
func NewRetryWorker(gateway *signals.Gateway, olderThan time.Duration, batch int) *RetryWorker {
	return &RetryWorker{gateway: gateway, olderThan: olderThan, batch: batch}
}

// Name returns worker name
func (w *RetryWorker) Name() string {
	return "signal_retry"
}

// Run re-applies a batch of deferred signals
func (w *RetryWorker) Run(ctx context.Context) error {
	applied, err := w.gateway.RetryUnprocessed(ctx, w.olderThan, w.batch)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("deferred signals applied",
			zap.Int("count", applied),
		)
	}
	return nil
}
