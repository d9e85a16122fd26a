package lorawan

import (
	"errors"
	"fmt"
)

// ErrNoDeviceKey is returned for frames that carry no device identity.
var ErrNoDeviceKey = errors.New("frame carries no device identity")

// UnmarshalBinary unmarshals PHYPayload from binary.
// Proprietary frames only need the MHDR, everything else needs room for a MIC.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("PHYPayload empty")
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)

	if p.MHDR.MType == Proprietary {
		p.MACPayload = data[1:]
		p.MIC = [4]byte{}
		return nil
	}

	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// Unmarshal unmarshals MACPayload. Multi-byte fields are little endian on air.
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0

	// DevAddr (4 bytes)
	for i := 0; i < 4; i++ {
		m.FHDR.DevAddr[3-i] = data[pos+i]
	}
	pos += 4

	// FCtrl (1 byte)
	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	// FCnt (2 bytes)
	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	// FPort and FRMPayload (optional)
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// UnmarshalBinary decodes a join request body. EUIs arrive little endian.
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	for i := 0; i < 8; i++ {
		j.JoinEUI[7-i] = data[i]
		j.DevEUI[7-i] = data[8+i]
	}
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// DeviceKey returns the identifier a device filter is keyed on: the DevEUI
// for join requests and the DevAddr for data uplinks, both in human byte order.
func DeviceKey(raw []byte) (MType, []byte, error) {
	var phy PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		return 0, nil, err
	}

	switch phy.MHDR.MType {
	case JoinRequest:
		var jr JoinRequestPayload
		if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
			return phy.MHDR.MType, nil, err
		}
		return phy.MHDR.MType, jr.DevEUI[:], nil

	case UnconfirmedDataUp, ConfirmedDataUp:
		var mac MACPayload
		if err := mac.Unmarshal(phy.MACPayload, true); err != nil {
			return phy.MHDR.MType, nil, err
		}
		return phy.MHDR.MType, mac.FHDR.DevAddr[:], nil
	}

	return phy.MHDR.MType, nil, ErrNoDeviceKey
}
