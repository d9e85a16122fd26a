package region

import "time"

// MaxDwellAirtime is the longest single transmission a dwell region allows.
const MaxDwellAirtime = 400 * time.Millisecond

// sentPacket is one tracked transmission
type sentPacket struct {
	frequency uint32
	sentAt    time.Time
	airtime   time.Duration
}

// Policy decides whether a transmission fits the remaining budget.
type Policy interface {
	CanSend(sent []sentPacket, at time.Time, freq uint32, airtime time.Duration) bool
	Window() time.Duration
}

// DutyPolicy is a global rolling-window duty cycle (ETSI style).
type DutyPolicy struct {
	Limit  float64
	Period time.Duration
}

func (d DutyPolicy) Window() time.Duration { return d.Period }

func (d DutyPolicy) CanSend(sent []sentPacket, at time.Time, _ uint32, airtime time.Duration) bool {
	cutoff := at.Add(-d.Period)
	used := dwellTime(sent, cutoff, 0)
	return float64(used+airtime)/float64(d.Period) < d.Limit
}

// DwellPolicy is a per-channel rolling dwell limit (FCC style).
type DwellPolicy struct {
	Limit  time.Duration
	Period time.Duration
}

func (d DwellPolicy) Window() time.Duration { return d.Period }

func (d DwellPolicy) CanSend(sent []sentPacket, at time.Time, freq uint32, airtime time.Duration) bool {
	if airtime > MaxDwellAirtime {
		return false
	}
	cutoff := at.Add(-d.Period).Add(airtime)
	return dwellTime(sent, cutoff, freq)+airtime <= d.Limit
}

// NoPolicy never refuses
type NoPolicy struct{}

func (NoPolicy) Window() time.Duration { return 0 }

func (NoPolicy) CanSend([]sentPacket, time.Time, uint32, time.Duration) bool { return true }

// dwellTime sums airtime after cutoff. freq 0 means all channels.
func dwellTime(sent []sentPacket, cutoff time.Time, freq uint32) time.Duration {
	var total time.Duration
	for _, p := range sent {
		end := p.sentAt.Add(p.airtime)
		if end.Before(cutoff) {
			continue
		}
		if freq != 0 && p.frequency != freq {
			continue
		}
		if !p.sentAt.After(cutoff) {
			// 跨越截止时间的包只计算截止之后的部分
			total += end.Sub(cutoff)
		} else {
			total += p.airtime
		}
	}
	return total
}
