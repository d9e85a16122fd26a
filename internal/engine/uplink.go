package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/router"
	"github.com/lorawan-server/poc-gateway/pkg/crypto"
	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

// Uplink drop reasons
const (
	DropDuplicate      = "duplicate"
	DropFiltered       = "filtered"
	DropSendFailed     = "send_failed"
	DropRetrySaturated = "retry_saturated"
	DropRetryExhausted = "retry_exhausted"
)

// HandleUplink filters pkt and forwards it to the router. A failed send is
// retried in the background so later packets are not held up.
func (p *Processor) HandleUplink(ctx context.Context, pkt *models.UplinkPacket) {
	metrics.UplinksReceived.Inc()

	if p.cfg.DedupWindow > 0 {
		if err := p.dedup.Add(dedupKey(pkt), struct{}{}, cache.DefaultExpiration); err != nil {
			p.drop(pkt, DropDuplicate, nil)
			return
		}
	}

	mtype, devKey, err := lorawan.DeviceKey(pkt.PHYPayload)
	switch {
	case errors.Is(err, lorawan.ErrNoDeviceKey) && mtype == lorawan.Proprietary:
		p.witness(pkt)
		return
	case err != nil:
		// 无法解析的帧照常转发, 由路由端判断
		p.log.Debug().Err(err).Stringer("mtype", mtype).Uint32("freq", pkt.Frequency).Msg("uplink carries no device key, forwarding")
	case p.deps.Filter != nil && !p.deps.Filter.Contains(devKey):
		p.drop(pkt, DropFiltered, nil)
		return
	}

	err = p.deps.Router.SendUplink(ctx, pkt)
	if err == nil {
		return
	}
	if !router.IsRetryable(err) || p.cfg.RetryAttempts <= 0 {
		p.drop(pkt, DropSendFailed, err)
		return
	}
	if !p.retrySem.TryAcquire(1) {
		p.drop(pkt, DropRetrySaturated, err)
		return
	}

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		defer p.retrySem.Release(1)
		p.retryUplink(ctx, pkt, err)
	}()
}

// retryUplink makes up to RetryAttempts more sends with backoff. It gives up
// silently once ctx is done.
func (p *Processor) retryUplink(ctx context.Context, pkt *models.UplinkPacket, lastErr error) {
	bo := router.NewBackoff(p.cfg.RetryBackoff, p.cfg.RetryBackoff*time.Duration(1<<min(p.cfg.RetryAttempts, 8)))

	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		timer := time.NewTimer(bo.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.UplinkRetries.Inc()
		err := p.deps.Router.SendUplink(ctx, pkt)
		if err == nil {
			p.log.Debug().Int("attempt", attempt).Uint32("freq", pkt.Frequency).Msg("uplink accepted after retry")
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		if !router.IsRetryable(err) {
			break
		}
	}

	p.drop(pkt, DropRetryExhausted, lastErr)
}

func (p *Processor) witness(pkt *models.UplinkPacket) {
	metrics.Witnesses.Inc()

	p.log.Info().
		Str("gateway", pkt.GatewayID).
		Uint32("freq", pkt.Frequency).
		Str("datarate", pkt.DataRate.String()).
		Int("rssi", pkt.RSSI).
		Float64("snr", pkt.SNR).
		Int("size", len(pkt.PHYPayload)).
		Msg("witnessed proprietary frame")

	p.deps.Events.Publish(models.NewEvent(models.EventTypeWitness, models.EventLevelInfo, "proprietary frame witnessed", models.Variables{
		"frequency": pkt.Frequency,
		"datarate":  pkt.DataRate.String(),
		"rssi":      pkt.RSSI,
		"snr":       pkt.SNR,
		"payload":   hex.EncodeToString(pkt.PHYPayload),
	}))
}

func (p *Processor) drop(pkt *models.UplinkPacket, reason string, err error) {
	metrics.UplinksDropped.WithLabelValues(reason).Inc()

	e := p.log.Debug()
	if reason == DropRetryExhausted || reason == DropRetrySaturated || reason == DropSendFailed {
		e = p.log.Warn()
	}
	e.Err(err).
		Str("reason", reason).
		Uint32("freq", pkt.Frequency).
		Uint32("tmst", pkt.Tmst).
		Msg("uplink dropped")

	if reason == DropDuplicate || reason == DropFiltered {
		return
	}
	details := models.Variables{"reason": reason, "frequency": pkt.Frequency}
	if err != nil {
		details["error"] = err.Error()
	}
	p.deps.Events.Publish(models.NewEvent(models.EventTypeUplinkDropped, models.EventLevelWarning, "uplink dropped", details))
}

// dedupKey identifies one reception: retransmitted PUSH_DATA repeats all three.
func dedupKey(pkt *models.UplinkPacket) string {
	return hex.EncodeToString(crypto.ShortDigest(16, pkt.PHYPayload)) +
		":" + strconv.FormatUint(uint64(pkt.Frequency), 10) +
		":" + strconv.FormatUint(uint64(pkt.Tmst), 10)
}
