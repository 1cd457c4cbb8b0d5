package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingWorker struct {
	mu   sync.Mutex
	runs int
	err  error
	ran  chan struct{}
}

func (w *countingWorker) Name() string { return "counting" }

func (w *countingWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()

	select {
	case w.ran <- struct{}{}:
	default:
	}
	return w.err
}

func (w *countingWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

func TestWorkerGroup(t *testing.T) {
	t.Run("first pass runs without waiting for the interval", func(t *testing.T) {
		group := NewWorkerGroup(context.Background())
		w := &countingWorker{ran: make(chan struct{}, 1)}
		group.Add(w, time.Hour)

		group.Start()
		defer group.Stop(time.Second)

		select {
		case <-w.ran:
		case <-time.After(time.Second):
			t.Fatal("worker never ran")
		}
	})

	t.Run("a failing pass does not stop the loop", func(t *testing.T) {
		group := NewWorkerGroup(context.Background())
		w := &countingWorker{ran: make(chan struct{}, 1), err: errors.New("pass failed")}
		group.Add(w, 5*time.Millisecond)

		group.Start()
		defer group.Stop(time.Second)

		deadline := time.Now().Add(2 * time.Second)
		for w.count() < 3 {
			if time.Now().After(deadline) {
				t.Fatalf("runs = %d, want at least 3", w.count())
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("stop waits for workers and returns", func(t *testing.T) {
		group := NewWorkerGroup(context.Background())
		w := &countingWorker{ran: make(chan struct{}, 1)}
		group.Add(w, time.Hour)
		group.Start()

		done := make(chan struct{})
		go func() {
			group.Stop(time.Second)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
	})

	t.Run("stop before start returns immediately", func(t *testing.T) {
		group := NewWorkerGroup(context.Background())
		group.Add(&countingWorker{ran: make(chan struct{}, 1)}, time.Hour)
		group.Stop(time.Second)
	})
}
