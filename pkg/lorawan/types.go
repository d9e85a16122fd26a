package lorawan

import "fmt"

// EUI64 represents an 8-byte Extended Unique Identifier, stored in
// human (big-endian) byte order.
type EUI64 [8]byte

// DevAddr represents a 4-byte device address in human byte order.
type DevAddr [4]byte

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RejoinRequest
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest",
	"JoinAccept",
	"UnconfirmedDataUp",
	"UnconfirmedDataDown",
	"ConfirmedDataUp",
	"ConfirmedDataDown",
	"RejoinRequest",
	"Proprietary",
}

func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the encoded header byte.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MACPayload represents the MAC payload of a data frame
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}
