package region

import (
	"sort"
	"sync"
	"time"
)

// Throttle tracks transmissions against the active plan's duty-cycle
// policy. It is shared by the downlink and beacon paths.
type Throttle struct {
	mu     sync.Mutex
	region string
	sent   []sentPacket
	now    func() time.Time
}

// NewThrottle creates a new throttle
func NewThrottle() *Throttle {
	return &Throttle{now: time.Now}
}

// Reservation is airtime held by Reserve until it is released.
type Reservation struct {
	t  *Throttle
	at time.Time
	fq uint32
}

// CanSend reports whether airtime on freq fits the plan's budget now.
func (t *Throttle) CanSend(plan *Plan, freq uint32, airtime time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.syncRegion(plan)
	return plan.Policy().CanSend(t.sent, t.now(), freq, airtime)
}

// Track records a completed transmission.
func (t *Throttle) Track(plan *Plan, freq uint32, airtime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.syncRegion(plan)
	t.track(plan.Policy(), t.now(), freq, airtime)
}

// Reserve checks and tracks in one step so concurrent callers cannot both
// spend the same budget. Release the reservation if the radio refused it.
func (t *Throttle) Reserve(plan *Plan, freq uint32, airtime time.Duration) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.syncRegion(plan)
	policy := plan.Policy()
	now := t.now()
	if !policy.CanSend(t.sent, now, freq, airtime) {
		return nil, false
	}
	t.track(policy, now, freq, airtime)
	return &Reservation{t: t, at: now, fq: freq}, true
}

// Release gives back airtime that was never transmitted.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	for i, p := range r.t.sent {
		if p.sentAt.Equal(r.at) && p.frequency == r.fq {
			r.t.sent = append(r.t.sent[:i], r.t.sent[i+1:]...)
			return
		}
	}
}

// Used returns the airtime tracked on freq (0 for all) within window.
func (t *Throttle) Used(freq uint32, window time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return dwellTime(t.sent, t.now().Add(-window), freq)
}

func (t *Throttle) syncRegion(plan *Plan) {
	if plan.Region != t.region {
		t.region = plan.Region
		t.sent = nil
	}
}

func (t *Throttle) track(policy Policy, at time.Time, freq uint32, airtime time.Duration) {
	if _, ok := policy.(NoPolicy); ok {
		return
	}

	p := sentPacket{frequency: freq, sentAt: at, airtime: airtime}
	resort := len(t.sent) > 0 && at.Before(t.sent[len(t.sent)-1].sentAt)
	t.sent = append(t.sent, p)
	if resort {
		sort.SliceStable(t.sent, func(i, j int) bool { return t.sent[i].sentAt.Before(t.sent[j].sentAt) })
	}

	cutoff := t.sent[len(t.sent)-1].sentAt.Add(-policy.Window())
	kept := t.sent[:0]
	for _, sp := range t.sent {
		if sp.sentAt.After(cutoff) {
			kept = append(kept, sp)
		}
	}
	t.sent = kept
}
