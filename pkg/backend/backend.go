// Package backend abstracts validator execution over synchronous
// in-process work and asynchronous external container jobs.
package backend

import (
	"context"
	"fmt"

	"github.com/vigil-hq/vigil/pkg/models"
)

// ExecutionBackend runs validator work. A synchronous backend blocks
// until the work finishes and returns IsComplete=true with an output
// envelope or an error message. An asynchronous backend returns
// immediately with IsComplete=false and an execution identifier used
// later for reconciliation polling.
type ExecutionBackend interface {
	Execute(ctx context.Context, input *models.Envelope) (*models.ExecutionResponse, error)
	IsAsync() bool
	IsAvailable(ctx context.Context) bool
	// CheckStatus returns the current state of an execution, or
	// (nil, nil) when the backend has no record of it.
	CheckStatus(ctx context.Context, executionID string) (*models.ExecutionResponse, error)
}

// Registry is the immutable backend set assembled once at startup.
type Registry map[models.BackendKind]ExecutionBackend

// ErrBackendUnavailable wraps a dispatch against a backend that is
// missing or reports itself unavailable.
type ErrBackendUnavailable struct {
	Kind models.BackendKind
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("execution backend %q is unavailable", e.Kind)
}

// Lookup resolves a backend kind, verifying availability.
func (r Registry) Lookup(ctx context.Context, kind models.BackendKind) (ExecutionBackend, error) {
	backend, ok := r[kind]
	if !ok {
		return nil, &ErrBackendUnavailable{Kind: kind}
	}

	if !backend.IsAvailable(ctx) {
		return nil, &ErrBackendUnavailable{Kind: kind}
	}

	return backend, nil
}
