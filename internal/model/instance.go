package model

import "time"

// Message types published on the bus.
const (
	EventInstanceCreated   = "instance-created"
	EventInstanceUpdate    = "instance-update"
	EventInstanceCompleted = "instance-completed"
	EventInstanceDeleted   = "instance-deleted"
	EventDialogportenSync  = "dialogporten-sync"
)

// DefaultPriority maps a message type to its tier when the caller does not pick one.
func DefaultPriority(messageType string) Priority {
	switch messageType {
	case EventInstanceCompleted, EventInstanceDeleted:
		return PriorityUrgent
	case EventInstanceCreated, EventInstanceUpdate:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

// InstanceEvent is the lifecycle change recorded by the business write path.
type InstanceEvent struct {
	InstanceID string
	AppID      string
	PartyID    string
	Type       string
	Priority   Priority // empty => DefaultPriority(Type)
	Data       map[string]any
}

// Envelope is the payload stored in the outbox and published to the bus.
type Envelope struct {
	ID         string         `json:"id"` // message ULID
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	AppID      string         `json:"app_id"`
	PartyID    string         `json:"party_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}
