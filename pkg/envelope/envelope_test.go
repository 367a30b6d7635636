package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-hq/vigil/pkg/models"
)

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://vigil-executions/executions/exec-1/output.json")
	require.NoError(t, err)
	assert.Equal(t, "vigil-executions", bucket)
	assert.Equal(t, "executions/exec-1/output.json", key)

	for _, uri := range []string{
		"http://bucket/key",
		"s3://bucket-only",
		"s3:///key-only",
		"s3://",
		"",
	} {
		_, _, err := ParseURI(uri)
		assert.Error(t, err, "uri %q", uri)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	env := &models.Envelope{
		Status:  models.ExternalStatusSuccess,
		Outputs: &models.EnvelopeOutputs{OutputValues: map[string]any{"score": 0.9}},
	}

	require.NoError(t, store.Put(ctx, "s3://bucket/out.json", env))

	fetched, err := store.Fetch(ctx, "s3://bucket/out.json")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalStatusSuccess, fetched.Status)
	assert.Equal(t, 0.9, fetched.OutputValues()["score"])
	assert.Equal(t, 1, store.Fetches["s3://bucket/out.json"])

	_, err = store.Fetch(ctx, "s3://bucket/missing.json")
	assert.Error(t, err)
}

func TestEnvelopeOutputsMergeOrder(t *testing.T) {
	outputs := &models.EnvelopeOutputs{
		Metrics:      map[string]any{"score": 0.1, "rows": 10.0},
		Signals:      map[string]any{"score": 0.5},
		OutputValues: map[string]any{"score": 0.9},
	}

	merged := outputs.Values()
	assert.Equal(t, 0.9, merged["score"])
	assert.Equal(t, 10.0, merged["rows"])
}
