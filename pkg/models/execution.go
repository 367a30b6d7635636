package models

import "time"

// ExternalStatus is the status vocabulary reported by external
// validator executions and inbound callbacks.
type ExternalStatus string

const (
	ExternalStatusSuccess          ExternalStatus = "success"
	ExternalStatusFailedValidation ExternalStatus = "failed_validation"
	ExternalStatusFailedRuntime    ExternalStatus = "failed_runtime"
	ExternalStatusCancelled        ExternalStatus = "cancelled"
)

// Valid reports whether the status is part of the wire vocabulary.
func (s ExternalStatus) Valid() bool {
	switch s {
	case ExternalStatusSuccess, ExternalStatusFailedValidation,
		ExternalStatusFailedRuntime, ExternalStatusCancelled:
		return true
	}

	return false
}

// ExecutionResponse is the transient value object returned by an
// execution backend.
type ExecutionResponse struct {
	ExecutionID        string    `json:"execution_id"`
	IsComplete         bool      `json:"is_complete"`
	Output             *Envelope `json:"output,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	InputURI           string    `json:"input_uri,omitempty"`
	OutputURI          string    `json:"output_uri,omitempty"`
	ExecutionBundleURI string    `json:"execution_bundle_uri,omitempty"`
}

// EnvelopeMessage is one embedded message in an output envelope.
type EnvelopeMessage struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
	Location string   `json:"location,omitempty"`
}

// EnvelopeTiming carries execution timing reported by the external process.
type EnvelopeTiming struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EnvelopeOutputs holds the value maps an execution may emit. External
// runners are inconsistent about the key they use; Values() merges them.
type EnvelopeOutputs struct {
	Metrics      map[string]any `json:"metrics,omitempty"`
	Signals      map[string]any `json:"signals,omitempty"`
	OutputValues map[string]any `json:"output_values,omitempty"`
}

// Values merges the output maps, later keys winning in the order
// metrics, signals, output_values.
func (o *EnvelopeOutputs) Values() map[string]any {
	merged := make(map[string]any)

	for _, m := range []map[string]any{o.Metrics, o.Signals, o.OutputValues} {
		for k, v := range m {
			merged[k] = v
		}
	}

	return merged
}

// Envelope is the structured payload exchanged with an external
// validator execution.
type Envelope struct {
	Status   ExternalStatus    `json:"status,omitempty"`
	Timing   *EnvelopeTiming   `json:"timing,omitempty"`
	Messages []EnvelopeMessage `json:"messages,omitempty"`
	Outputs  *EnvelopeOutputs  `json:"outputs,omitempty"`
	// Payload carries the submission content on input envelopes.
	Payload map[string]any `json:"payload,omitempty"`
}

// OutputValues returns the merged output value map, never nil.
func (e *Envelope) OutputValues() map[string]any {
	if e.Outputs == nil {
		return map[string]any{}
	}

	return e.Outputs.Values()
}
