package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-hq/vigil/pkg/envelope"
	"github.com/vigil-hq/vigil/pkg/models"
)

const defaultRequestTimeout = 30 * time.Second

// ContainerJobConfig holds the connection settings for the external job
// service.
type ContainerJobConfig struct {
	BaseURL  string
	APIToken string
	// Bucket is the object storage bucket input envelopes are staged in.
	Bucket string
	// CallbackURL is handed to the job service so finished executions
	// can notify the callback endpoint.
	CallbackURL string
}

// Validate checks the settings before a client is built.
func (c ContainerJobConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base URL is required")
	}

	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}

	return nil
}

// ContainerJobBackend dispatches executions to an external container
// job service over HTTP. Executions complete asynchronously; the job
// service reports back through the callback endpoint or is polled by
// the reconciliation watchdog.
type ContainerJobBackend struct {
	config    ContainerJobConfig
	client    *http.Client
	envelopes envelope.Store
	logger    *slog.Logger
}

func NewContainerJobBackend(config ContainerJobConfig, envelopes envelope.Store, logger *slog.Logger) (*ContainerJobBackend, error) {
	err := config.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid container job config: %w", err)
	}

	return &ContainerJobBackend{
		config:    config,
		client:    &http.Client{Timeout: defaultRequestTimeout},
		envelopes: envelopes,
		logger:    logger,
	}, nil
}

func (b *ContainerJobBackend) IsAsync() bool { return true }

// IsAvailable probes the job service health endpoint.
func (b *ContainerJobBackend) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

type submitJobRequest struct {
	ExecutionID string `json:"execution_id"`
	InputURI    string `json:"input_uri"`
	OutputURI   string `json:"output_uri"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type jobStatusResponse struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
	OutputURI   string `json:"output_uri,omitempty"`
	BundleURI   string `json:"bundle_uri,omitempty"`
}

// Execute stages the input envelope in object storage and submits the
// job. The returned response is incomplete; the definitive result
// arrives through the callback service.
func (b *ContainerJobBackend) Execute(ctx context.Context, input *models.Envelope) (*models.ExecutionResponse, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	executionID := id.String()
	inputURI := fmt.Sprintf("s3://%s/executions/%s/input.json", b.config.Bucket, executionID)
	outputURI := fmt.Sprintf("s3://%s/executions/%s/output.json", b.config.Bucket, executionID)

	err = b.envelopes.Put(ctx, inputURI, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stage input envelope: %w", err)
	}

	body, err := json.Marshal(submitJobRequest{
		ExecutionID: executionID,
		InputURI:    inputURI,
		OutputURI:   outputURI,
		CallbackURL: b.config.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build job request: %w", err)
	}

	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("job service rejected submission: status %d: %s", resp.StatusCode, detail)
	}

	b.logger.InfoContext(ctx, "submitted container job", "execution_id", executionID)

	return &models.ExecutionResponse{
		ExecutionID: executionID,
		IsComplete:  false,
		InputURI:    inputURI,
		OutputURI:   outputURI,
	}, nil
}

// CheckStatus polls the job service for an execution.
func (b *ContainerJobBackend) CheckStatus(ctx context.Context, executionID string) (*models.ExecutionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+"/executions/"+executionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query job status: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job status query failed: status %d", resp.StatusCode)
	}

	var status jobStatusResponse

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}

	response := &models.ExecutionResponse{
		ExecutionID:        status.ExecutionID,
		OutputURI:          status.OutputURI,
		ExecutionBundleURI: status.BundleURI,
	}

	switch status.State {
	case "running", "pending":
		response.IsComplete = false
	case "succeeded":
		response.IsComplete = true
	case "failed":
		response.IsComplete = true
		response.ErrorMessage = status.Error

		if response.ErrorMessage == "" {
			response.ErrorMessage = "execution failed without detail"
		}
	default:
		return nil, fmt.Errorf("job service reported unknown state %q", status.State)
	}

	return response, nil
}

func (b *ContainerJobBackend) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")

	if b.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIToken)
	}
}
