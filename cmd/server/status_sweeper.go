package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaycast/internal/orchestrator"
)

type statusReconciler interface {
	Reconcile(ctx context.Context) (orchestrator.ReconcileReport, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startStatusSweepWorker(ctx context.Context, logger *slog.Logger, reconciler statusReconciler, interval time.Duration) func() {
	return startStatusSweepWorkerWithTicker(ctx, logger, reconciler, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startStatusSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reconciler statusReconciler,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reconciler == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				sweepOnce(workerCtx, logger, reconciler)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func sweepOnce(ctx context.Context, logger *slog.Logger, reconciler statusReconciler) {
	report, err := reconciler.Reconcile(ctx)
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("status sweep failed", "error", err, "checked", report.Checked, "expired", len(report.Expired))
		return
	}
	if len(report.Expired) > 0 || report.Skipped > 0 {
		logger.Info("status sweep expired stale ingests", "checked", report.Checked, "expired", report.Expired, "skipped", report.Skipped)
	}
}
