package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/service"
	"go.uber.org/zap"
)

// Sweeper is implemented by *service.ReconciliationService.
type Sweeper interface {
	Sweep(ctx context.Context, delay time.Duration) (service.SweepStats, error)
}

// SyncWorker periodically reconciles every active customer with the CRM.
type SyncWorker struct {
	svc      Sweeper
	interval time.Duration
	delay    time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSyncWorker constructs a worker with a default daily interval.
func NewSyncWorker(svc Sweeper) *SyncWorker {
	return &SyncWorker{
		svc:      svc,
		interval: 24 * time.Hour,
		delay:    500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *SyncWorker) WithInterval(interval time.Duration) *SyncWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithDelay sets the pause between two customers of one sweep.
func (w *SyncWorker) WithDelay(delay time.Duration) *SyncWorker {
	if delay >= 0 {
		w.delay = delay
	}
	return w
}

// Start blocks and runs a sweep at the configured interval.
func (w *SyncWorker) Start(ctx context.Context) {
	zap.L().Info("loyalty sync worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("delay", w.delay),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("loyalty sync worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("loyalty sync worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *SyncWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *SyncWorker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.IncrementWorkerRun("loyalty_sync", "panic")
			zap.L().Error("loyalty sync panicked", zap.Any("panic", r))
		}
	}()

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	start := time.Now()
	stats, err := w.svc.Sweep(sweepCtx, w.delay)
	if err != nil {
		observability.IncrementWorkerRun("loyalty_sync", "failed")
		zap.L().Error("loyalty sync run failed", zap.Error(err), zap.Int("synced", stats.Synced))
		return
	}
	result := "success"
	if stats.Failed > 0 {
		result = "partial"
	}
	observability.IncrementWorkerRun("loyalty_sync", result)
	zap.L().Info("loyalty sync finished",
		zap.Int("total", stats.Total),
		zap.Int("synced", stats.Synced),
		zap.Int("adjusted", stats.Adjusted),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", time.Since(start)),
	)
}
