// Package main provides the Vigil worker: it consumes queued runs from
// the event bus and periodically reconciles stuck ones.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/cmd"
	"github.com/vigil-hq/vigil/pkg/engine"
	"github.com/vigil-hq/vigil/pkg/eventbus"
	"github.com/vigil-hq/vigil/pkg/events"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/orchestrator"
	"github.com/vigil-hq/vigil/pkg/otelhelper"
	"github.com/vigil-hq/vigil/pkg/persistence"
	"github.com/vigil-hq/vigil/pkg/reconcile"
)

type WorkerManager struct {
	workerID         string
	persistence      persistence.Persistence
	eventBus         eventbus.EventBus
	logger           *slog.Logger
	redisURL         string
	schedule         string
	reconcileTimeout time.Duration
}

func NewWorkerManager(
	workerID string,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	redisURL string,
	schedule string,
	reconcileTimeoutMinutes int,
) *WorkerManager {
	return &WorkerManager{
		workerID:         workerID,
		persistence:      p,
		eventBus:         eventBus,
		logger:           logger,
		redisURL:         redisURL,
		schedule:         schedule,
		reconcileTimeout: time.Duration(reconcileTimeoutMinutes) * time.Minute,
	}
}

// Start wires the pipeline, subscribes to queued runs and runs the
// reconciliation sweep on schedule until the process is signalled.
func (w *WorkerManager) Start(ctx context.Context) error {
	tracer, err := otelhelper.NewTracer(ctx, "vigil-worker")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	envelopes := cmd.NewObjectStore(ctx, w.logger)
	backends := cmd.NewBackends(ctx, w.logger, envelopes)
	redisClient := cmd.NewRedisClient(ctx, w.logger, w.redisURL)

	assertions := assertion.NewEvaluator(expression.NewEvaluator(), expression.DefaultTimeout)
	engines := engine.NewDispatcher(
		engine.NewSimpleEngine(assertions, w.logger),
		engine.NewAdvancedEngine(backends, assertions, w.logger),
	)

	runOrchestrator := orchestrator.NewOrchestrator(w.persistence, engines, w.eventBus, tracer, w.logger, w.workerID)
	callbacks := callback.NewService(w.persistence, envelopes, assertions, redisClient, tracer, w.logger)
	watchdog := reconcile.NewWatchdog(w.persistence, backends, callbacks, w.logger)

	err = w.eventBus.Handle(events.RunQueuedEvent, func(ctx context.Context, event any) error {
		queued, ok := event.(*events.RunQueued)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		w.logger.InfoContext(ctx, "picked up queued run", "run_id", queued.RunID)

		return runOrchestrator.ExecuteRun(ctx, queued.RunID)
	})
	if err != nil {
		return fmt.Errorf("failed to register run handler: %w", err)
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc(w.schedule, func() {
		report, err := watchdog.Sweep(ctx, reconcile.Options{
			Timeout:   w.reconcileTimeout,
			BatchSize: reconcile.DefaultBatchSize,
		})
		if err != nil {
			w.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)

			return
		}

		w.logger.InfoContext(ctx, "reconciliation sweep finished",
			"examined", report.Examined, "resolved", report.Resolved)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	scheduler.Start()
	defer scheduler.Stop()

	w.logger.InfoContext(ctx, "worker started", "schedule", w.schedule)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		w.logger.InfoContext(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	return nil
}
