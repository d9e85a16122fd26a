package models

import (
	"time"

	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

// UplinkPacket represents one frame received by the concentrator. It is
// not modified after ConcentratorLink emits it.
type UplinkPacket struct {
	GatewayID  string           `json:"gatewayId"`
	PHYPayload []byte           `json:"phyPayload"`
	Tmst       uint32           `json:"tmst"`
	Tmms       *uint64          `json:"tmms,omitempty"`
	ReceivedAt time.Time        `json:"receivedAt"`
	Frequency  uint32           `json:"frequency"`
	DataRate   lorawan.DataRate `json:"datarate"`
	CodingRate string           `json:"codingRate,omitempty"`
	Channel    uint8            `json:"channel"`
	RFChain    uint8            `json:"rfChain"`
	RSSI       int              `json:"rssi"`
	SNR        float64          `json:"snr"`
}

// TxWindow is one opportunity to transmit a downlink.
type TxWindow struct {
	Immediate bool             `json:"immediate,omitempty"`
	Tmst      uint32           `json:"tmst,omitempty"`
	Frequency uint32           `json:"frequency"`
	DataRate  lorawan.DataRate `json:"datarate"`
	Power     int              `json:"power"`
}

// DownlinkInstruction represents a downlink from the router. RX2 is tried
// only when the concentrator refuses RX1 for timing.
type DownlinkInstruction struct {
	ID         string    `json:"id,omitempty"`
	PHYPayload []byte    `json:"phyPayload"`
	RX1        TxWindow  `json:"rx1"`
	RX2        *TxWindow `json:"rx2,omitempty"`
	ReceivedAt time.Time `json:"-"`
	ExpiresAt  time.Time `json:"-"`
}

// Expired reports whether the instruction can no longer be sent
func (d *DownlinkInstruction) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}
