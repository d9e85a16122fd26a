package beacon

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/signer"
	"github.com/lorawan-server/poc-gateway/pkg/crypto"
	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

const (
	payloadVersion = 0x01
	keyRefLen      = 8
	flagLocation   = 0x01

	// mhdr(1) version(1) time(8) keyref(8) flags(1)
	headerLen   = 19
	locationLen = 8
)

// Payload is the decoded, unsigned beacon body.
//
//	| MHDR | version | unix ms (8) | key ref (8) | flags | [lat e7 (4) | lon e7 (4)] |
type Payload struct {
	Timestamp time.Time
	KeyRef    []byte
	Location  *models.Location
}

// KeyRef returns the public key reference carried in beacons
func KeyRef(pk signer.PublicKey) []byte {
	return crypto.ShortDigest(keyRefLen, pk.Bytes())
}

// MarshalBinary encodes the payload behind a proprietary MHDR
func (p Payload) MarshalBinary() ([]byte, error) {
	if len(p.KeyRef) != keyRefLen {
		return nil, errors.New("beacon key reference must be 8 bytes")
	}

	out := make([]byte, headerLen, headerLen+locationLen)
	out[0] = lorawan.MHDR{MType: lorawan.Proprietary, Major: lorawan.LoRaWANR1}.Byte()
	out[1] = payloadVersion
	binary.BigEndian.PutUint64(out[2:10], uint64(p.Timestamp.UnixMilli()))
	copy(out[10:18], p.KeyRef)

	if p.Location != nil {
		out[18] = flagLocation
		var loc [locationLen]byte
		binary.BigEndian.PutUint32(loc[0:4], uint32(int32(math.Round(p.Location.Latitude*1e7))))
		binary.BigEndian.PutUint32(loc[4:8], uint32(int32(math.Round(p.Location.Longitude*1e7))))
		out = append(out, loc[:]...)
	}
	return out, nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary
func (p *Payload) UnmarshalBinary(b []byte) error {
	if len(b) < headerLen {
		return errors.New("beacon payload too short")
	}
	var hdr lorawan.PHYPayload
	if err := hdr.UnmarshalBinary(b[:1]); err != nil {
		return err
	}
	if hdr.MHDR.MType != lorawan.Proprietary {
		return errors.New("beacon payload is not proprietary")
	}
	if b[1] != payloadVersion {
		return errors.New("unknown beacon payload version")
	}

	p.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(b[2:10])))
	p.KeyRef = append([]byte(nil), b[10:18]...)
	p.Location = nil

	if b[18]&flagLocation != 0 {
		if len(b) < headerLen+locationLen {
			return errors.New("beacon payload location truncated")
		}
		p.Location = &models.Location{
			Latitude:  float64(int32(binary.BigEndian.Uint32(b[19:23]))) / 1e7,
			Longitude: float64(int32(binary.BigEndian.Uint32(b[23:27]))) / 1e7,
		}
	}
	return nil
}
