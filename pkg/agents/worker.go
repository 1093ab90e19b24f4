package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memorihq/memori/pkg/config"
)

// Worker runs the promotion cycle on a fixed interval. Cycle failures
// are logged and the ticker keeps going; the worker never takes down
// the recording path.
type Worker struct {
	agent     *PromotionAgent
	namespace string
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a worker for one namespace. A non-positive interval
// falls back to the configured default.
func NewWorker(agent *PromotionAgent, namespace string, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = config.DefaultPromotionInterval
	}
	return &Worker{agent: agent, namespace: namespace, interval: interval}
}

// Start launches the promotion loop. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	slog.Debug("promotion worker started", "namespace", w.namespace, "interval", w.interval)
}

// RunOnce runs a single promotion cycle immediately, outside the
// ticker schedule.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.agent.Run(ctx, w.namespace)
}

// Stop cancels the loop and waits for it to exit. Safe to call on a
// stopped worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.agent.Run(ctx, w.namespace); err != nil {
				slog.Warn("promotion cycle failed", "namespace", w.namespace, "error", err)
			}
		}
	}
}
