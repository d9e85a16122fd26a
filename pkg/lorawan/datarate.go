package lorawan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brocaar/lorawan/airtime"
)

// DataRate represents a LoRa modulation setting
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// ParseDataRate parses the packet-forwarder form, e.g. "SF7BW125".
func ParseDataRate(s string) (DataRate, error) {
	var dr DataRate
	u := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(u, "SF") {
		return dr, fmt.Errorf("invalid datarate %q", s)
	}
	idx := strings.Index(u, "BW")
	if idx < 3 {
		return dr, fmt.Errorf("invalid datarate %q", s)
	}

	sf, err := strconv.Atoi(u[2:idx])
	if err != nil || sf < 5 || sf > 12 {
		return dr, fmt.Errorf("invalid spreading factor in %q", s)
	}
	bw, err := strconv.Atoi(u[idx+2:])
	if err != nil {
		return dr, fmt.Errorf("invalid bandwidth in %q", s)
	}
	switch bw {
	case 125, 250, 500:
	default:
		return dr, fmt.Errorf("unsupported bandwidth %d in %q", bw, s)
	}

	dr.SpreadFactor = sf
	dr.Bandwidth = bw
	return dr, nil
}

// String returns the packet-forwarder form
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// IsZero reports whether no data rate is set
func (d DataRate) IsZero() bool {
	return d.SpreadFactor == 0 && d.Bandwidth == 0
}

// MarshalText implements encoding.TextMarshaler. The zero value encodes
// as an empty string.
func (d DataRate) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DataRate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = DataRate{}
		return nil
	}
	v, err := ParseDataRate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Airtime returns the time on air of a payload sent at this data rate
// with an explicit header, CR 4/5 and an 8 symbol preamble.
func (d DataRate) Airtime(payloadSize int) (time.Duration, error) {
	// 低速率优化: SF11/SF12 @125kHz
	ldro := d.Bandwidth == 125 && d.SpreadFactor >= 11
	return airtime.CalculateLoRaAirtime(payloadSize, d.SpreadFactor, d.Bandwidth, 8, airtime.CodingRate45, true, ldro)
}
