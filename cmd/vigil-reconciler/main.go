// Package main provides the one-shot reconciliation sweep. It prints a
// per-run outcome line and a final count, and always exits 0: sweep
// errors are logged, not fatal.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/cmd"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/log"
	"github.com/vigil-hq/vigil/pkg/otelhelper"
	"github.com/vigil-hq/vigil/pkg/reconcile"
)

const (
	defaultTimeoutMinutes = 30
	defaultBatchSize      = 100
)

func main() {
	logger := log.WithModule("reconciler")

	command := &cli.Command{
		Name:                  "vigil-reconciler",
		Usage:                 "Sweep stuck validation runs once and exit",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.IntFlag{
				Name:    "timeout-minutes",
				Usage:   "Minutes a run may stay RUNNING before it is considered stuck",
				Value:   defaultTimeoutMinutes,
				Sources: cli.EnvVars("RECONCILE_TIMEOUT_MINUTES"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum number of runs examined per sweep",
				Value:   defaultBatchSize,
				Sources: cli.EnvVars("RECONCILE_BATCH_SIZE"),
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print intended actions without mutating state",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the callback claim fast path",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			tracer, err := otelhelper.NewTracer(ctx, "vigil-reconciler")
			if err != nil {
				logger.ErrorContext(ctx, "Failed to initialize tracer", "error", err)

				return nil
			}

			envelopes := cmd.NewObjectStore(ctx, logger)
			backends := cmd.NewBackends(ctx, logger, envelopes)
			redisClient := cmd.NewRedisClient(ctx, logger, command.String("redis-url"))
			assertions := assertion.NewEvaluator(expression.NewEvaluator(), expression.DefaultTimeout)
			callbacks := callback.NewService(persistence, envelopes, assertions, redisClient, tracer, logger)

			watchdog := reconcile.NewWatchdog(persistence, backends, callbacks, logger)

			report, err := watchdog.Sweep(ctx, reconcile.Options{
				Timeout:   time.Duration(command.Int("timeout-minutes")) * time.Minute,
				BatchSize: command.Int("batch-size"),
				DryRun:    command.Bool("dry-run"),
			})
			if err != nil {
				logger.ErrorContext(ctx, "Sweep failed", "error", err)

				return nil
			}

			for _, outcome := range report.Outcomes {
				fmt.Printf("run %s: %s (%s)\n", outcome.RunID, outcome.Action, outcome.Detail)
			}

			fmt.Printf("examined %d runs, resolved %d\n", report.Examined, report.Resolved)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("reconciler exited with error", "error", err)
	}
}
