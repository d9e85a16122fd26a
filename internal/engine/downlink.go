package engine

import (
	"context"
	"time"

	"github.com/lorawan-server/poc-gateway/internal/gateway"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/region"
)

// DownlinkResult is the fate of one downlink instruction
type DownlinkResult string

const (
	DownlinkSent       DownlinkResult = "sent"
	DownlinkSentRX2    DownlinkResult = "sent_rx2"
	DownlinkExpired    DownlinkResult = "expired"
	DownlinkUnregioned DownlinkResult = "unregioned"
	DownlinkInvalid    DownlinkResult = "invalid"
	DownlinkDutyCycle  DownlinkResult = "duty_cycle"
	DownlinkRejected   DownlinkResult = "rejected"
	DownlinkTimeout    DownlinkResult = "timeout"
	DownlinkLinkError  DownlinkResult = "link_error"
	DownlinkShutdown   DownlinkResult = "shutdown"
)

// HandleDownlink validates dl against the active plan and transmits it.
// While the link is down it waits for recovery until dl expires. Nothing
// outside the plan's envelope or duty-cycle budget is ever transmitted.
func (p *Processor) HandleDownlink(ctx context.Context, dl *models.DownlinkInstruction) DownlinkResult {
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = p.now()
	}
	if dl.ExpiresAt.IsZero() && p.cfg.DownlinkTimeout > 0 {
		dl.ExpiresAt = dl.ReceivedAt.Add(p.cfg.DownlinkTimeout)
	}

	result, err := p.dispatch(ctx, dl)
	p.report(dl, result, err)
	return result
}

func (p *Processor) dispatch(ctx context.Context, dl *models.DownlinkInstruction) (DownlinkResult, error) {
	if res, ok := p.waitLink(ctx, dl); !ok {
		return res, nil
	}

	plan := p.deps.Regions.Current()
	if plan == nil {
		return DownlinkUnregioned, region.ErrUnregioned
	}

	res, err := p.transmit(ctx, plan, dl, dl.RX1)
	if res != DownlinkRejected || dl.RX2 == nil || !gateway.IsTimingRejection(err) {
		return res, err
	}

	// RX1 时间窗不可达, 改用 RX2 一次
	p.log.Debug().Err(err).Str("id", dl.ID).Msg("rx1 refused, trying rx2")
	res, err = p.transmit(ctx, plan, dl, *dl.RX2)
	if res == DownlinkSent {
		res = DownlinkSentRX2
	}
	return res, err
}

// waitLink blocks while the link is down. It reports false with a result
// when dl expired or ctx ended first.
func (p *Processor) waitLink(ctx context.Context, dl *models.DownlinkInstruction) (DownlinkResult, bool) {
	for {
		notify := p.deps.Link.HealthNotify()
		if p.deps.Link.Health() != models.LinkDown {
			if dl.Expired(p.now()) {
				return DownlinkExpired, false
			}
			return "", true
		}
		if dl.Expired(p.now()) {
			return DownlinkExpired, false
		}

		var (
			expiry <-chan time.Time
			timer  *time.Timer
		)
		if !dl.ExpiresAt.IsZero() {
			timer = time.NewTimer(dl.ExpiresAt.Sub(p.now()))
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return DownlinkShutdown, false
		case <-expiry:
			return DownlinkExpired, false
		case <-notify:
			stopTimer(timer)
		}
	}
}

// transmit sends one window. The reservation is kept when the radio may
// have transmitted.
func (p *Processor) transmit(ctx context.Context, plan *region.Plan, dl *models.DownlinkInstruction, w models.TxWindow) (DownlinkResult, error) {
	if w.Power <= 0 {
		if ch, ok := plan.Channel(w.Frequency); ok {
			w.Power = int(plan.MaxPower(ch))
		}
	}
	if _, err := plan.CheckEnvelope(w.Frequency, w.DataRate, float64(w.Power)); err != nil {
		return DownlinkInvalid, err
	}

	airtime, err := w.DataRate.Airtime(len(dl.PHYPayload))
	if err != nil {
		return DownlinkInvalid, err
	}
	res, ok := p.deps.Throttle.Reserve(plan, w.Frequency, airtime)
	if !ok {
		return DownlinkDutyCycle, region.ErrDutyCycle
	}

	tctx := ctx
	if !dl.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(ctx, dl.ExpiresAt)
		defer cancel()
	}

	_, err = p.deps.Link.Transmit(tctx, gateway.TxRequest{Window: w, Payload: dl.PHYPayload, IPol: true})
	switch {
	case err == nil:
		return DownlinkSent, nil
	case ctx.Err() != nil:
		return DownlinkShutdown, err
	case gateway.IsKind(err, gateway.ErrKindTimeout):
		return DownlinkTimeout, err
	case gateway.IsKind(err, gateway.ErrKindRejected):
		res.Release()
		return DownlinkRejected, err
	default:
		res.Release()
		return DownlinkLinkError, err
	}
}

func (p *Processor) report(dl *models.DownlinkInstruction, result DownlinkResult, err error) {
	metrics.Downlinks.WithLabelValues(string(result)).Inc()

	if result == DownlinkShutdown {
		return
	}

	level := models.EventLevelInfo
	e := p.log.Info()
	if result != DownlinkSent && result != DownlinkSentRX2 {
		level = models.EventLevelWarning
		e = p.log.Warn()
	}
	e.Err(err).
		Str("id", dl.ID).
		Str("result", string(result)).
		Uint32("freq", dl.RX1.Frequency).
		Dur("age", p.now().Sub(dl.ReceivedAt)).
		Msg("downlink handled")

	details := models.Variables{"id": dl.ID, "result": string(result)}
	if err != nil {
		details["error"] = err.Error()
	}
	p.deps.Events.Publish(models.NewEvent(models.EventTypeDownlink, level, "downlink "+string(result), details))
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
