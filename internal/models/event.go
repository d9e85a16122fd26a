package models

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a structured operational event
type Event struct {
	ID          uuid.UUID  `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	Type        EventType  `json:"type"`
	Level       EventLevel `json:"level"`
	Description string     `json:"description"`
	Details     Variables  `json:"details,omitempty"`
}

// EventType represents event types
type EventType string

const (
	EventTypeSessionState  EventType = "SESSION_STATE"
	EventTypeLinkHealth    EventType = "LINK_HEALTH"
	EventTypeGatewayStats  EventType = "GATEWAY_STATS"
	EventTypeBeacon        EventType = "BEACON"
	EventTypeWitness       EventType = "WITNESS"
	EventTypeUplinkDropped EventType = "UPLINK_DROPPED"
	EventTypeDownlink      EventType = "DOWNLINK"
	EventTypeArtifact      EventType = "ARTIFACT"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewEvent creates an event stamped now
func NewEvent(t EventType, level EventLevel, description string, details Variables) Event {
	return Event{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Type:        t,
		Level:       level,
		Description: description,
		Details:     details,
	}
}
