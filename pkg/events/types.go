package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Deployment lifecycle events
	EventDeploymentStarted   EventType = "deployment.started"
	EventDeploymentProgress  EventType = "deployment.progress"
	EventDeploymentSucceeded EventType = "deployment.succeeded"
	EventDeploymentDegraded  EventType = "deployment.degraded"
	EventDeploymentFailed    EventType = "deployment.failed"

	// Attempt events within one deployment run
	EventAttemptStarted EventType = "attempt.started"
	EventAttemptFailed  EventType = "attempt.failed"

	// Host events
	EventHostValidated EventType = "host.validated"
	EventHostRejected  EventType = "host.rejected"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// DeploymentID is the run this event belongs to
	DeploymentID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, deploymentID string, payload map[string]interface{}) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		DeploymentID: deploymentID,
		Payload:      payload,
	}
}
