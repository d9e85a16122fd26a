// Package engine is the routing engine between the concentrator link and
// the router session. Uplinks are filtered and forwarded with per-packet
// retries; downlinks are validated against the active region plan before
// they reach the radio.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/gateway"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/region"
)

// Link is the concentrator side
type Link interface {
	Receive() <-chan gateway.Event
	Transmit(ctx context.Context, req gateway.TxRequest) (gateway.Ack, error)
	Health() models.LinkHealth
	HealthNotify() <-chan struct{}
}

// Router is the remote side
type Router interface {
	SendUplink(ctx context.Context, pkt *models.UplinkPacket) error
	Downlinks() <-chan *models.DownlinkInstruction
}

// DeviceFilter answers allow-list membership. False positives are fine.
type DeviceFilter interface {
	Contains(id []byte) bool
}

// RegionSource returns the active plan, nil while unregioned
type RegionSource interface {
	Current() *region.Plan
}

// Publisher receives structured events. It must not block.
type Publisher interface {
	Publish(models.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Event) {}

// Config represents routing engine configuration
type Config struct {
	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxRetrying     int64
	DedupWindow     time.Duration
	DownlinkTimeout time.Duration
}

// ConfigFrom converts the routing section of the process configuration
func ConfigFrom(c config.RoutingConfig) Config {
	cfg := Config{
		RetryBackoff:    c.RetryBackoff.Duration,
		MaxRetrying:     c.MaxRetrying,
		DedupWindow:     c.DedupWindow.Duration,
		DownlinkTimeout: c.DownlinkTimeout.Duration,
	}
	if c.RetryAttempts != nil {
		cfg.RetryAttempts = *c.RetryAttempts
	}
	return cfg
}

// Deps are the collaborators of a Processor. Filter and Events are optional.
type Deps struct {
	Link     Link
	Router   Router
	Filter   DeviceFilter
	Regions  RegionSource
	Throttle *region.Throttle
	Events   Publisher
}

// Processor 路由引擎
type Processor struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	// 去重缓存: PUSH_DATA 重传
	dedup    *cache.Cache
	retrySem *semaphore.Weighted
	retries  sync.WaitGroup

	statusMu sync.RWMutex
	status   models.StatusReport

	now func() time.Time
}

// NewProcessor creates a routing engine
func NewProcessor(cfg Config, deps Deps) *Processor {
	if cfg.MaxRetrying <= 0 {
		cfg.MaxRetrying = 1
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.Throttle == nil {
		deps.Throttle = region.NewThrottle()
	}

	// 清理由 Run 负责, 不启动 go-cache 的 janitor 协程
	return &Processor{
		cfg:      cfg,
		deps:     deps,
		log:      log.With().Str("module", "engine").Logger(),
		dedup:    cache.New(cfg.DedupWindow, 0),
		retrySem: semaphore.NewWeighted(cfg.MaxRetrying),
		status:   models.StatusReport{Health: models.LinkDown},
		now:      time.Now,
	}
}

// Status returns the last status report seen from the link
func (p *Processor) Status() models.StatusReport {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// Run processes both directions until ctx is done. In-flight retries are
// abandoned, not completed.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.uplinkLoop(ctx)
		return nil
	})
	g.Go(func() error {
		p.downlinkLoop(ctx)
		return nil
	})
	g.Go(func() error {
		p.dedupJanitor(ctx)
		return nil
	})

	err := g.Wait()
	p.retries.Wait()
	return err
}

func (p *Processor) uplinkLoop(ctx context.Context) {
	events := p.deps.Link.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Uplink != nil:
				p.HandleUplink(ctx, ev.Uplink)
			case ev.Status != nil:
				p.HandleStatus(*ev.Status)
			}
		}
	}
}

// downlinkLoop handles instructions one at a time in arrival order
func (p *Processor) downlinkLoop(ctx context.Context) {
	downlinks := p.deps.Router.Downlinks()
	for {
		select {
		case <-ctx.Done():
			return
		case dl, ok := <-downlinks:
			if !ok {
				return
			}
			p.HandleDownlink(ctx, dl)
		}
	}
}

func (p *Processor) dedupJanitor(ctx context.Context) {
	interval := p.cfg.DedupWindow
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dedup.DeleteExpired()
		}
	}
}

// HandleStatus records a link status report
func (p *Processor) HandleStatus(rep models.StatusReport) {
	p.statusMu.Lock()
	prev := p.status
	p.status = rep
	if rep.Stats == nil {
		p.status.Stats = prev.Stats
	}
	p.statusMu.Unlock()

	metrics.LinkHealth.Set(float64(rep.Health))

	if rep.Health != prev.Health {
		level := models.EventLevelInfo
		e := p.log.Info()
		if rep.Health != models.LinkHealthy {
			level = models.EventLevelWarning
			e = p.log.Warn()
		}
		e.Str("gateway", rep.GatewayID).
			Str("from", prev.Health.String()).
			Str("to", rep.Health.String()).
			Msg("concentrator link health changed")

		p.deps.Events.Publish(models.NewEvent(models.EventTypeLinkHealth, level, "link "+rep.Health.String(), models.Variables{
			"gateway": rep.GatewayID,
			"health":  rep.Health.String(),
		}))
	}

	if rep.Stats != nil {
		p.log.Debug().
			Str("gateway", rep.GatewayID).
			Int("rxnb", rep.Stats.RXPacketsReceived).
			Int("rxok", rep.Stats.RXPacketsValid).
			Int("txnb", rep.Stats.TXPacketsEmitted).
			Msg("gateway stats")

		p.deps.Events.Publish(models.NewEvent(models.EventTypeGatewayStats, models.EventLevelInfo, "gateway stats", models.Variables{
			"gateway":  rep.GatewayID,
			"rxnb":     rep.Stats.RXPacketsReceived,
			"rxok":     rep.Stats.RXPacketsValid,
			"rxfw":     rep.Stats.RXPacketsFwd,
			"ackr":     rep.Stats.AckRatio,
			"dwnb":     rep.Stats.TXPacketsReceived,
			"txnb":     rep.Stats.TXPacketsEmitted,
			"received": rep.At,
		}))
	}
}
