// Package beacon runs the proof-of-coverage beacon cycle: at a random
// point in a configured window, sign a beacon and put it on air on the
// next channel with duty-cycle budget left.
package beacon

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/gateway"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/region"
	"github.com/lorawan-server/poc-gateway/internal/signer"
	"github.com/lorawan-server/poc-gateway/pkg/crypto"
)

// signFailuresDegraded consecutive signing failures mark the signer degraded
const signFailuresDegraded = 3

var errNoBudget = errors.New("no beacon channel within duty-cycle budget")

// Transmitter is the part of the concentrator link beacons need
type Transmitter interface {
	Transmit(ctx context.Context, req gateway.TxRequest) (gateway.Ack, error)
	Health() models.LinkHealth
}

// RegionSource returns the active plan, nil while unregioned
type RegionSource interface {
	Current() *region.Plan
}

// Recorder persists beacon records
type Recorder interface {
	SaveBeacon(ctx context.Context, r models.BeaconRecord) error
}

// Publisher receives structured events. It must not block.
type Publisher interface {
	Publish(models.Event)
}

// Config represents scheduler configuration
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	HistorySize int
	Location    *models.Location
	TxTimeout   time.Duration
}

// ConfigFrom converts the beacon section of the process configuration
func ConfigFrom(c config.BeaconConfig) Config {
	cfg := Config{
		MinInterval: c.MinInterval.Duration,
		MaxInterval: c.MaxInterval.Duration,
		HistorySize: c.HistorySize,
		TxTimeout:   10 * time.Second,
	}
	if c.Latitude != nil && c.Longitude != nil {
		cfg.Location = &models.Location{Latitude: *c.Latitude, Longitude: *c.Longitude}
	}
	return cfg
}

// Deps are the collaborators a Scheduler shares with the rest of the gateway
type Deps struct {
	Link     Transmitter
	Regions  RegionSource
	Throttle *region.Throttle
	Signer   signer.Signer
	Store    Recorder  // optional
	Events   Publisher // optional
}

// Scheduler is the BeaconScheduler
type Scheduler struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	history *History

	// cycle 串行化信标周期
	cycle sync.Mutex
	next  int

	signFailures atomic.Int32

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a scheduler
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		log:     log.With().Str("module", "beacon").Logger(),
		history: NewHistory(cfg.HistorySize),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// History returns the records of past cycles, newest first
func (s *Scheduler) History() []models.BeaconRecord {
	return s.history.Records()
}

// SignerDegraded reports whether recent cycles failed to sign
func (s *Scheduler) SignerDegraded() bool {
	return s.signFailures.Load() >= signFailuresDegraded
}

// Run executes cycles until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("min", s.cfg.MinInterval).
		Dur("max", s.cfg.MaxInterval).
		Msg("beacon scheduler started")

	for {
		if !s.sleep(ctx, s.interval()) {
			return nil
		}
		s.RunOnce(ctx)
	}
}

// interval picks a uniformly random delay in [MinInterval, MaxInterval]
func (s *Scheduler) interval() time.Duration {
	span := int64(s.cfg.MaxInterval - s.cfg.MinInterval)
	if span <= 0 {
		return s.cfg.MinInterval
	}
	return s.cfg.MinInterval + time.Duration(rand.Int64N(span+1))
}

// RunOnce executes a single beacon cycle and returns its record. Cycles
// never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) models.BeaconRecord {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	rec := s.cycleLocked(ctx)
	s.record(ctx, rec)
	return rec
}

func (s *Scheduler) cycleLocked(ctx context.Context) models.BeaconRecord {
	now := s.now()
	rec := models.BeaconRecord{ID: uuid.New(), Time: now}

	plan := s.deps.Regions.Current()
	if plan == nil {
		rec.Outcome = models.BeaconSkippedUnregioned
		return rec
	}
	rec.Region = plan.Region

	if h := s.deps.Link.Health(); h != models.LinkHealthy {
		rec.Outcome = models.BeaconSkippedLinkDown
		rec.Details = models.Variables{"health": h.String()}
		return rec
	}

	pk := s.deps.Signer.PublicKey()
	payload, err := Payload{Timestamp: now, KeyRef: KeyRef(pk), Location: s.cfg.Location}.MarshalBinary()
	if err != nil {
		rec.Outcome = models.BeaconSignFailed
		rec.Error = err.Error()
		return rec
	}

	dr := plan.Beacon.DataRate
	rec.DataRate = dr.String()
	airtime, err := dr.Airtime(len(payload) + ed25519.SignatureSize)
	if err != nil {
		rec.Outcome = models.BeaconSkippedDutyCycle
		rec.Error = err.Error()
		return rec
	}

	ch, power, res, err := s.selectChannel(plan, airtime)
	if err != nil {
		rec.Outcome = models.BeaconSkippedDutyCycle
		if errors.Is(err, region.ErrNoBeaconChannels) {
			rec.Outcome = models.BeaconSkippedUnregioned
		}
		rec.Error = err.Error()
		return rec
	}
	rec.Frequency = ch.Frequency

	sig, err := s.deps.Signer.Sign(ctx, payload)
	if err != nil {
		res.Release()
		s.signFailures.Add(1)
		rec.Outcome = models.BeaconSignFailed
		rec.Error = err.Error()
		return rec
	}
	s.signFailures.Store(0)
	rec.SignatureDigest = hex.EncodeToString(crypto.ShortDigest(8, sig))

	pkt := models.BeaconPacket{
		Payload:   payload,
		Signature: sig,
		Frequency: ch.Frequency,
		DataRate:  dr,
		Power:     power,
		Timestamp: now,
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	// 信标不反转极性
	_, err = s.deps.Link.Transmit(tctx, gateway.TxRequest{
		Window: models.TxWindow{
			Immediate: true,
			Frequency: pkt.Frequency,
			DataRate:  pkt.DataRate,
			Power:     pkt.Power,
		},
		Payload: pkt.Frame(),
		IPol:    false,
	})

	switch {
	case err == nil:
		rec.Outcome = models.BeaconSent
	case gateway.IsKind(err, gateway.ErrKindTimeout):
		// 可能已发射, 保留占用
		rec.Outcome = models.BeaconTimeout
		rec.Error = err.Error()
	case gateway.IsKind(err, gateway.ErrKindRejected):
		res.Release()
		rec.Outcome = models.BeaconRejected
		rec.Error = err.Error()
	default:
		res.Release()
		rec.Outcome = models.BeaconLinkError
		rec.Error = err.Error()
	}
	return rec
}

// selectChannel walks the beacon channels round-robin from where the last
// cycle stopped and reserves airtime on the first one within budget.
func (s *Scheduler) selectChannel(plan *region.Plan, airtime time.Duration) (region.Channel, int, *region.Reservation, error) {
	chans := plan.BeaconChannels()
	if len(chans) == 0 {
		return region.Channel{}, 0, nil, fmt.Errorf("%w: %s", region.ErrNoBeaconChannels, plan.Region)
	}
	for i := 0; i < len(chans); i++ {
		idx := (s.next + i) % len(chans)
		ch := chans[idx]

		power := plan.Beacon.Power
		if limit := plan.MaxPower(ch); power == 0 || (limit > 0 && power > limit) {
			power = limit
		}
		if _, err := plan.CheckEnvelope(ch.Frequency, plan.Beacon.DataRate, power); err != nil {
			continue
		}

		res, ok := s.deps.Throttle.Reserve(plan, ch.Frequency, airtime)
		if !ok {
			continue
		}
		s.next = (idx + 1) % len(chans)
		return ch, int(power), res, nil
	}
	return region.Channel{}, 0, nil, errNoBudget
}

func (s *Scheduler) record(ctx context.Context, rec models.BeaconRecord) {
	s.history.Add(rec)
	metrics.Beacons.WithLabelValues(string(rec.Outcome)).Inc()

	e := s.log.Info()
	level := models.EventLevelInfo
	switch rec.Outcome {
	case models.BeaconSent, models.BeaconSkippedUnregioned, models.BeaconSkippedLinkDown, models.BeaconSkippedDutyCycle:
	default:
		e = s.log.Warn()
		level = models.EventLevelWarning
	}
	e.Str("outcome", string(rec.Outcome)).
		Str("region", rec.Region).
		Uint32("freq", rec.Frequency).
		Str("error", rec.Error).
		Msg("beacon cycle")

	if s.deps.Events != nil {
		s.deps.Events.Publish(models.NewEvent(models.EventTypeBeacon, level, "beacon "+string(rec.Outcome), models.Variables{
			"id":        rec.ID.String(),
			"outcome":   string(rec.Outcome),
			"region":    rec.Region,
			"frequency": rec.Frequency,
		}))
	}

	if s.deps.Store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.SaveBeacon(sctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("persist beacon record failed")
		}
	}
}
