package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/pkg/logger"
)

// Worker is one background loop body. Run is called once per tick and
// must return promptly when ctx is cancelled.
type Worker interface {
	// Name identifies the worker in logs
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// periodic drives a single Worker on a fixed interval
type periodic struct {
	worker   Worker
	interval time.Duration
	done     chan struct{}
}

func (p *periodic) start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *periodic) stop(timeout time.Duration) {
	select {
	case <-p.done:
		logger.Info("✅ Worker stopped gracefully",
			zap.String("worker", p.worker.Name()),
		)
	case <-time.After(timeout):
		logger.Warn("⚠️ Worker stop timeout",
			zap.String("worker", p.worker.Name()),
		)
	}
}

func (p *periodic) loop(ctx context.Context) {
	defer close(p.done)

	logger.Info("🚀 Worker started",
		zap.String("worker", p.worker.Name()),
		zap.Duration("interval", p.interval),
	)

	// First pass right away so a freshly started service does not sit
	// idle for a full interval.
	p.runOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Worker stopping",
				zap.String("worker", p.worker.Name()),
			)
			return

		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce executes one iteration; errors are logged and the loop keeps
// going, a failed pass never kills the worker
func (p *periodic) runOnce(ctx context.Context) {
	started := time.Now()
	if err := p.worker.Run(ctx); err != nil {
		logger.Error("worker pass failed",
			zap.String("worker", p.worker.Name()),
			zap.Duration("took", time.Since(started)),
			zap.Error(err),
		)
		return
	}

	if took := time.Since(started); took > p.interval {
		logger.Warn("worker pass outran its interval",
			zap.String("worker", p.worker.Name()),
			zap.Duration("took", took),
			zap.Duration("interval", p.interval),
		)
	}
}

// WorkerGroup runs a set of periodic workers and shuts them down together
type WorkerGroup struct {
	workers []*periodic
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewWorkerGroup creates new worker group
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a worker; must be called before Start
func (wg *WorkerGroup) Add(worker Worker, interval time.Duration) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	wg.workers = append(wg.workers, &periodic{
		worker:   worker,
		interval: interval,
		done:     make(chan struct{}),
	})
}

// Start launches all registered workers
func (wg *WorkerGroup) Start() {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	if wg.started {
		return
	}
	wg.started = true

	for _, p := range wg.workers {
		p.start(wg.ctx)
	}

	logger.Info("🚀 Worker group started",
		zap.Int("workers", len(wg.workers)),
	)
}

// Stop cancels the shared context and waits for every worker, each with
// its own timeout slice
func (wg *WorkerGroup) Stop(timeout time.Duration) {
	logger.Info("🛑 Stopping worker group...",
		zap.Int("workers", len(wg.workers)),
	)

	wg.cancel()

	wg.mu.Lock()
	defer wg.mu.Unlock()

	if !wg.started {
		return
	}

	for _, p := range wg.workers {
		p.stop(timeout)
	}

	logger.Info("✅ Worker group stopped")
}
