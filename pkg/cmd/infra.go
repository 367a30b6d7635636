package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/vigil-hq/vigil/pkg/backend"
	"github.com/vigil-hq/vigil/pkg/envelope"
	"github.com/vigil-hq/vigil/pkg/models"
)

// NewObjectStore builds the envelope store from environment settings.
// With no endpoint configured it returns the in-memory store for local
// development.
func NewObjectStore(ctx context.Context, logger *slog.Logger) envelope.Store {
	endpoint := os.Getenv("VIGIL_MINIO_ENDPOINT")
	if endpoint == "" {
		logger.WarnContext(ctx, "no object store endpoint configured, using in-memory envelope store")

		return envelope.NewMemoryStore()
	}

	store, err := envelope.NewMinioStore(envelope.Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("VIGIL_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("VIGIL_MINIO_SECRET_KEY"),
		Region:    os.Getenv("VIGIL_MINIO_REGION"),
		UseSSL:    os.Getenv("VIGIL_MINIO_USE_SSL") == "true",
	})
	if err != nil {
		panic(fmt.Errorf("failed to initialize object store: %w", err))
	}

	return store
}

// NewRedisClient builds the optional callback claim fast path. Returns
// nil when no redis URL is configured; the receipt table alone is
// sufficient for correctness.
func NewRedisClient(ctx context.Context, logger *slog.Logger, redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.ErrorContext(ctx, "invalid redis URL, continuing without claim fast path", "error", err)

		return nil
	}

	return redis.NewClient(opts)
}

// NewBackends assembles the immutable backend registry. The local
// backend echoes its input envelope back as a successful execution,
// which is what deployments without an external job service get.
func NewBackends(ctx context.Context, logger *slog.Logger, envelopes envelope.Store) backend.Registry {
	registry := backend.Registry{
		models.BackendLocal: backend.NewLocalBackend(func(ctx context.Context, input *models.Envelope) (*models.Envelope, error) {
			return &models.Envelope{
				Status:  models.ExternalStatusSuccess,
				Payload: input.Payload,
			}, nil
		}, logger),
	}

	jobServiceURL := os.Getenv("VIGIL_JOB_SERVICE_URL")
	if jobServiceURL != "" {
		containerJob, err := backend.NewContainerJobBackend(backend.ContainerJobConfig{
			BaseURL:     jobServiceURL,
			APIToken:    os.Getenv("VIGIL_JOB_SERVICE_TOKEN"),
			Bucket:      os.Getenv("VIGIL_EXECUTION_BUCKET"),
			CallbackURL: os.Getenv("VIGIL_CALLBACK_URL"),
		}, envelopes, logger)
		if err != nil {
			panic(fmt.Errorf("failed to initialize container job backend: %w", err))
		}

		registry[models.BackendContainerJob] = containerJob
	}

	return registry
}
