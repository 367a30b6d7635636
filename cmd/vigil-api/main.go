package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/auth"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/cmd"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/log"
	"github.com/vigil-hq/vigil/pkg/otelhelper"
)

const defaultPort = 9080

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "vigil-api",
		Usage:                 "Accept submissions and validation callbacks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "callback-secret",
				Usage:   "HMAC secret for callback token verification (empty disables auth)",
				Sources: cli.EnvVars("CALLBACK_SECRET"),
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

			logger.InfoContext(ctx, "Initializing Vigil API")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			tracer, err := otelhelper.NewTracer(ctx, "vigil-api")
			if err != nil {
				return err
			}

			envelopes := cmd.NewObjectStore(ctx, logger)
			redisClient := cmd.NewRedisClient(ctx, logger, command.String("redis-url"))
			assertions := assertion.NewEvaluator(expression.NewEvaluator(), expression.DefaultTimeout)
			callbacks := callback.NewService(persistence, envelopes, assertions, redisClient, tracer, logger)

			var verifier auth.Verifier
			if secret := command.String("callback-secret"); secret != "" {
				verifier = auth.NewJWTVerifier(secret)
			}

			api := NewAPI(logger, persistence, callbacks, verifier, eventBus)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
