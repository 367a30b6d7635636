package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vigil-hq/vigil/pkg/models"
)

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Validate checks the settings before a client is built.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}

	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}

	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}

	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}

	return nil
}

// MinioStore reads and writes envelopes through a MinIO client.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore builds a store from config.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid object store config: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}

	return &MinioStore{client: client}, nil
}

// Fetch downloads and decodes the envelope at the URI.
func (s *MinioStore) Fetch(ctx context.Context, uri string) (*models.Envelope, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope object: %w", err)
	}

	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope object: %w", err)
	}

	var env models.Envelope

	err = json.Unmarshal(data, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	return &env, nil
}

// Put encodes and uploads the envelope to the URI.
func (s *MinioStore) Put(ctx context.Context, uri string, env *models.Envelope) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put envelope object: %w", err)
	}

	return nil
}
