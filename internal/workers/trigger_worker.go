package workers

import (
	"context"

	"github.com/tradepulse/engine/internal/triggers"
)

// TriggerWorker runs one evaluation pass over all active user triggers
type TriggerWorker struct {
	evaluator *triggers.Evaluator
}

// NewTriggerWorker creates a trigger evaluation worker
func NewTriggerWorker(evaluator *triggers.Evaluator) *TriggerWorker {
	return &TriggerWorker{evaluator: evaluator}
}

// Name returns worker name
func (w *TriggerWorker) Name() string {
	return "trigger_evaluator"
}

// Run evaluates all active triggers
func (w *TriggerWorker) Run(ctx context.Context) error {
	return w.evaluator.Evaluate(ctx)
}
