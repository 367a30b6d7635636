// Package envelope stores and retrieves execution envelopes in
// S3-compatible object storage.
package envelope

import (
	"context"
	"fmt"
	"strings"

	"github.com/vigil-hq/vigil/pkg/models"
)

// Store persists envelopes addressed by s3://bucket/key URIs.
type Store interface {
	Fetch(ctx context.Context, uri string) (*models.Envelope, error)
	Put(ctx context.Context, uri string, env *models.Envelope) error
}

// ParseURI splits an s3://bucket/key URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported envelope URI %q: expected s3:// scheme", uri)
	}

	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed envelope URI %q", uri)
	}

	return bucket, key, nil
}
