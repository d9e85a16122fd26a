package region

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

// Validation failures for a transmission against the active plan.
var (
	ErrUnregioned       = errors.New("no region plan loaded")
	ErrFrequency        = errors.New("frequency not in region plan")
	ErrDataRate         = errors.New("datarate not allowed on channel")
	ErrPower            = errors.New("power exceeds max eirp")
	ErrDutyCycle        = errors.New("duty cycle budget exhausted")
	ErrNoBeaconChannels = errors.New("region plan has no beacon channels")
)

// PolicyKind names a duty-cycle accounting scheme
type PolicyKind string

const (
	PolicyDuty  PolicyKind = "duty"
	PolicyDwell PolicyKind = "dwell"
	PolicyNone  PolicyKind = "none"
)

// DutyCycle is the plan's transmit budget. For duty, Limit is a fraction of
// Period. For dwell, Limit is milliseconds per channel per Period.
type DutyCycle struct {
	Policy PolicyKind `json:"policy"`
	Limit  float64    `json:"limit"`
	Period int64      `json:"period"` // ms
}

// Channel represents a transmit channel
type Channel struct {
	Frequency        uint32  `json:"frequency"`
	Bandwidth        int     `json:"bandwidth"` // kHz
	SpreadingFactors []int   `json:"spreading_factors"`
	MaxEIRP          float64 `json:"max_eirp,omitempty"`
}

// Allows reports whether dr may be used on the channel
func (c Channel) Allows(dr lorawan.DataRate) bool {
	if dr.Bandwidth != c.Bandwidth {
		return false
	}
	for _, sf := range c.SpreadingFactors {
		if sf == dr.SpreadFactor {
			return true
		}
	}
	return false
}

// BeaconParams represents beacon transmit parameters
type BeaconParams struct {
	Channels []uint32         `json:"channels,omitempty"`
	DataRate lorawan.DataRate `json:"datarate"`
	Power    float64          `json:"power"`
}

// Plan is one regulatory region plan. A Plan is never mutated after it
// has been handed out by the Cache.
type Plan struct {
	Region    string       `json:"region"`
	Channels  []Channel    `json:"channels"`
	MaxEIRP   float64      `json:"max_eirp"`
	DutyCycle DutyCycle    `json:"duty_cycle"`
	Beacon    BeaconParams `json:"beacon"`
}

// ParsePlan decodes and validates a plan artifact
func ParsePlan(b []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode region plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan is internally consistent
func (p *Plan) Validate() error {
	if p.Region == "" {
		return fmt.Errorf("region plan without region code")
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("region plan %s has no channels", p.Region)
	}

	seen := make(map[uint32]bool, len(p.Channels))
	for _, ch := range p.Channels {
		if ch.Frequency == 0 || ch.Bandwidth == 0 || len(ch.SpreadingFactors) == 0 {
			return fmt.Errorf("region plan %s has incomplete channel %d", p.Region, ch.Frequency)
		}
		if seen[ch.Frequency] {
			return fmt.Errorf("region plan %s repeats channel %d", p.Region, ch.Frequency)
		}
		seen[ch.Frequency] = true
	}

	for _, f := range p.Beacon.Channels {
		if !seen[f] {
			return fmt.Errorf("region plan %s beacon channel %d is not a plan channel", p.Region, f)
		}
	}

	switch p.DutyCycle.Policy {
	case PolicyNone:
	case PolicyDuty, PolicyDwell:
		if p.DutyCycle.Limit <= 0 || p.DutyCycle.Period <= 0 {
			return fmt.Errorf("region plan %s has invalid %s budget", p.Region, p.DutyCycle.Policy)
		}
	default:
		return fmt.Errorf("region plan %s has unknown duty cycle policy %q", p.Region, p.DutyCycle.Policy)
	}

	return nil
}

// Channel finds the channel with the given frequency
func (p *Plan) Channel(freq uint32) (Channel, bool) {
	for _, ch := range p.Channels {
		if ch.Frequency == freq {
			return ch, true
		}
	}
	return Channel{}, false
}

// MaxPower returns the EIRP ceiling for a channel
func (p *Plan) MaxPower(ch Channel) float64 {
	if ch.MaxEIRP > 0 {
		return ch.MaxEIRP
	}
	return p.MaxEIRP
}

// CheckEnvelope validates frequency, datarate and power. Duty cycle is the
// Throttle's job.
func (p *Plan) CheckEnvelope(freq uint32, dr lorawan.DataRate, power float64) (Channel, error) {
	ch, ok := p.Channel(freq)
	if !ok {
		return Channel{}, fmt.Errorf("%w: %d Hz in %s", ErrFrequency, freq, p.Region)
	}
	if !ch.Allows(dr) {
		return ch, fmt.Errorf("%w: %s on %d Hz", ErrDataRate, dr, freq)
	}
	if limit := p.MaxPower(ch); limit > 0 && power > limit {
		return ch, fmt.Errorf("%w: %.1f dBm > %.1f dBm", ErrPower, power, limit)
	}
	return ch, nil
}

// BeaconChannels returns the channels beacons rotate over, in plan order.
func (p *Plan) BeaconChannels() []Channel {
	var out []Channel
	if len(p.Beacon.Channels) == 0 {
		for _, ch := range p.Channels {
			if ch.Allows(p.Beacon.DataRate) {
				out = append(out, ch)
			}
		}
		return out
	}
	for _, f := range p.Beacon.Channels {
		if ch, ok := p.Channel(f); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Policy returns the duty-cycle policy the plan declares
func (p *Plan) Policy() Policy {
	period := time.Duration(p.DutyCycle.Period) * time.Millisecond
	switch p.DutyCycle.Policy {
	case PolicyDuty:
		return DutyPolicy{Limit: p.DutyCycle.Limit, Period: period}
	case PolicyDwell:
		return DwellPolicy{Limit: time.Duration(p.DutyCycle.Limit * float64(time.Millisecond)), Period: period}
	default:
		return NoPolicy{}
	}
}
