package artifact

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/metrics"
)

// Refresher runs a refresh function immediately and then every interval,
// spread by up to a tenth of the interval so fleets don't fetch in lockstep.
type Refresher struct {
	Name     string
	Interval time.Duration
	Refresh  func(ctx context.Context) error
}

// Run blocks until ctx is done. Failures are logged and counted only.
func (r *Refresher) Run(ctx context.Context) error {
	logger := log.With().Str("module", "artifact").Str("artifact", r.Name).Logger()
	logger.Info().Dur("interval", r.Interval).Msg("refresher started")

	r.once(ctx)

	for {
		timer := time.NewTimer(r.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("refresher stopped")
			return nil
		case <-timer.C:
			r.once(ctx)
		}
	}
}

func (r *Refresher) once(ctx context.Context) {
	err := r.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("module", "artifact").Str("artifact", r.Name).Err(err).Msg("refresh failed, keeping previous")
		metrics.ArtifactRefreshes.WithLabelValues(r.Name, "error").Inc()
		return
	}
	metrics.ArtifactRefreshes.WithLabelValues(r.Name, "ok").Inc()
}

func (r *Refresher) next() time.Duration {
	jitter := int64(r.Interval / 10)
	if jitter <= 0 {
		return r.Interval
	}
	return r.Interval + time.Duration(rand.Int63n(jitter))
}
