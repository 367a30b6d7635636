// Package events defines event types for validation run lifecycle
// notifications.
package events

import (
	"time"

	"github.com/vigil-hq/vigil/pkg/models"
)

type EventType string

// Topic carries all run lifecycle events.
const Topic = "vigil.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunQueuedEvent   EventType = "run.queued"
	RunFinishedEvent EventType = "run.finished"
	RunFailedEvent   EventType = "run.failed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunQueued signals that a run was accepted and is waiting for a worker.
type RunQueued struct {
	BaseEvent

	SubmissionID string `json:"submission_id"`
	ValidatorID  string `json:"validator_id"`
}

func (e RunQueued) GetType() EventType {
	return RunQueuedEvent
}

// RunFinished signals that a run reached a terminal status.
type RunFinished struct {
	BaseEvent

	Status   models.RunStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

// RunFailed signals a run that went terminal without success.
type RunFailed struct {
	BaseEvent

	Category models.FailureCategory `json:"category"`
	Error    string                 `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}
