package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

// BeaconPacket exists only while a beacon cycle runs
type BeaconPacket struct {
	Payload   []byte
	Signature []byte
	Frequency uint32
	DataRate  lorawan.DataRate
	Power     int
	Timestamp time.Time
}

// Frame returns the bytes put on air: payload followed by signature.
func (b *BeaconPacket) Frame() []byte {
	out := make([]byte, 0, len(b.Payload)+len(b.Signature))
	out = append(out, b.Payload...)
	return append(out, b.Signature...)
}

// BeaconOutcome is the result of one beacon cycle
type BeaconOutcome string

const (
	BeaconSent              BeaconOutcome = "sent"
	BeaconTimeout           BeaconOutcome = "timeout"
	BeaconRejected          BeaconOutcome = "rejected"
	BeaconLinkError         BeaconOutcome = "link_error"
	BeaconSignFailed        BeaconOutcome = "sign_failed"
	BeaconSkippedUnregioned BeaconOutcome = "skipped_unregioned"
	BeaconSkippedLinkDown   BeaconOutcome = "skipped_link_down"
	BeaconSkippedDutyCycle  BeaconOutcome = "skipped_duty_cycle"
)

// Skipped reports whether the cycle never reached the radio
func (o BeaconOutcome) Skipped() bool {
	switch o {
	case BeaconSkippedUnregioned, BeaconSkippedLinkDown, BeaconSkippedDutyCycle, BeaconSignFailed:
		return true
	}
	return false
}

// BeaconRecord is the compact history entry kept for each cycle
type BeaconRecord struct {
	ID              uuid.UUID     `json:"id"`
	Time            time.Time     `json:"time"`
	Outcome         BeaconOutcome `json:"outcome"`
	Region          string        `json:"region,omitempty"`
	Frequency       uint32        `json:"frequency,omitempty"`
	DataRate        string        `json:"datarate,omitempty"`
	SignatureDigest string        `json:"signatureDigest,omitempty"`
	Error           string        `json:"error,omitempty"`
	Details         Variables     `json:"details,omitempty"`
}
