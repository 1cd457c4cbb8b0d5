package clickhouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
)

// Writer buffers audit events and flushes them to ClickHouse in
// batches. Recording never blocks the caller; a full buffer drops the
// oldest events rather than stalling a state transition.
type Writer struct {
	repo     *Repository
	mu       sync.Mutex
	buffer   []audit.Event
	maxBatch int
	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWriter creates a batching audit writer
func NewWriter(repo *Repository, maxBatch int, maxWait time.Duration) *Writer {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	w := &Writer{
		repo:     repo,
		buffer:   make([]audit.Event, 0, maxBatch),
		maxBatch: maxBatch,
		ticker:   time.NewTicker(maxWait),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.autoFlush()

	return w
}

// Record buffers one audit event
func (w *Writer) Record(ctx context.Context, event audit.Event) {
	w.mu.Lock()
	if len(w.buffer) >= w.maxBatch*2 {
		w.buffer = w.buffer[1:]
	}
	w.buffer = append(w.buffer, event)
	shouldFlush := len(w.buffer) >= w.maxBatch
	w.mu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// Close flushes remaining events and stops the writer
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
	w.flush()
}

func (w *Writer) autoFlush() {
	defer w.wg.Done()
	defer w.ticker.Stop()

	for {
		select {
		case <-w.ticker.C:
			w.flush()
		case <-w.done:
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]audit.Event, 0, w.maxBatch)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.repo.SaveEvents(ctx, batch); err != nil {
		logger.Warn("failed to flush audit events",
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
	}
}
