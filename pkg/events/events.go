// Package events defines event types for run lifecycle and state-delta
// notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/duetflow/duetflow/pkg/models"
)

type EventType string

// Topic carries every duetflow event; consumers filter by metadata.
const Topic = "duetflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"
const RunMetadataKey = "run_id"

const (
	// Run lifecycle events.
	RunCreatedEvent   EventType = "run.created"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"

	// State synchronization events.
	RunDeltaEvent EventType = "run.delta"

	// Checkpoint lifecycle events.
	CheckpointCreatedEvent  EventType = "checkpoint.created"
	CheckpointRestoredEvent EventType = "checkpoint.restored"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent creates the embedded base for a concrete event.
func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        "event-" + uuid.New().String()[:8],
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

type RunCreated struct {
	BaseEvent

	WorkflowID string               `json:"workflow_id"`
	Mode       models.ExecutionMode `json:"mode"`
}

func (e RunCreated) GetType() EventType {
	return RunCreatedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	Kind   models.ErrorKind `json:"kind"`
	Detail string           `json:"detail"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// RunDelta wraps one accepted state delta for fan-out to subscribers.
type RunDelta struct {
	BaseEvent

	Delta *models.StateDelta `json:"delta"`
}

func (e RunDelta) GetType() EventType {
	return RunDeltaEvent
}

type CheckpointCreated struct {
	BaseEvent

	CheckpointID string `json:"checkpoint_id"`
	Reason       string `json:"reason"`
}

func (e CheckpointCreated) GetType() EventType {
	return CheckpointCreatedEvent
}

type CheckpointRestored struct {
	BaseEvent

	CheckpointID string `json:"checkpoint_id"`
	Version      int64  `json:"version"` // Version after restore
}

func (e CheckpointRestored) GetType() EventType {
	return CheckpointRestoredEvent
}
