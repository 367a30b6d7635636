package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vigil-hq/vigil/pkg/models"
)

// RunFunc is the in-process work a local backend executes.
type RunFunc func(ctx context.Context, input *models.Envelope) (*models.Envelope, error)

// LocalBackend runs validator work synchronously in-process.
type LocalBackend struct {
	run    RunFunc
	logger *slog.Logger
}

func NewLocalBackend(run RunFunc, logger *slog.Logger) *LocalBackend {
	return &LocalBackend{run: run, logger: logger}
}

func (b *LocalBackend) IsAsync() bool { return false }

func (b *LocalBackend) IsAvailable(ctx context.Context) bool { return b.run != nil }

// Execute runs the work inline. Failures are reported in the response
// rather than raised, so the engine can turn them into findings.
func (b *LocalBackend) Execute(ctx context.Context, input *models.Envelope) (*models.ExecutionResponse, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	response := &models.ExecutionResponse{
		ExecutionID: id.String(),
		IsComplete:  true,
	}

	output, err := b.run(ctx, input)
	if err != nil {
		b.logger.ErrorContext(ctx, "local execution failed", "execution_id", response.ExecutionID, "error", err)
		response.ErrorMessage = err.Error()

		return response, nil
	}

	response.Output = output

	return response, nil
}

// CheckStatus always returns no record: local executions complete
// within Execute and leave nothing to poll.
func (b *LocalBackend) CheckStatus(ctx context.Context, executionID string) (*models.ExecutionResponse, error) {
	return nil, nil
}
