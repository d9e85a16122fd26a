package models

import "time"

// GatewayStats represents a concentrator "stat" report
type GatewayStats struct {
	GatewayID         string    `json:"gatewayId"`
	Time              time.Time `json:"time"`
	Location          *Location `json:"location,omitempty"`
	RXPacketsReceived int       `json:"rxPacketsReceived"`
	RXPacketsValid    int       `json:"rxPacketsValid"`
	RXPacketsFwd      int       `json:"rxPacketsForwarded"`
	AckRatio          float64   `json:"ackRatio"`
	TXPacketsReceived int       `json:"txPacketsReceived"`
	TXPacketsEmitted  int       `json:"txPacketsEmitted"`
}

// LinkHealth represents the concentrator link state
type LinkHealth int

const (
	LinkHealthy LinkHealth = iota
	LinkDegraded
	LinkDown
)

func (h LinkHealth) String() string {
	switch h {
	case LinkHealthy:
		return "healthy"
	case LinkDegraded:
		return "degraded"
	case LinkDown:
		return "down"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (h LinkHealth) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// StatusReport is emitted by the link on a stat message or a health change.
type StatusReport struct {
	GatewayID string        `json:"gatewayId"`
	Health    LinkHealth    `json:"health"`
	Stats     *GatewayStats `json:"stats,omitempty"`
	At        time.Time     `json:"at"`
}
