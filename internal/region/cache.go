package region

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/artifact"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
)

// RegionError reports a failed refresh. The previous plan stays active.
type RegionError struct {
	Op  string
	Err error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("region %s: %v", e.Op, e.Err)
}

func (e *RegionError) Unwrap() error {
	return e.Err
}

// Cache holds the active region plan. Readers never block; a refresh swaps
// in a complete new plan or leaves the old one in place.
type Cache struct {
	plan   atomic.Pointer[Plan]
	source artifact.Fetcher
	pinned bool
	log    zerolog.Logger
}

// NewCache creates a region cache. A non-empty override pins the matching
// built-in plan and disables remote refresh.
func NewCache(override string, source artifact.Fetcher) (*Cache, error) {
	c := &Cache{
		source: source,
		log:    log.With().Str("module", "region").Logger(),
	}

	if override != "" {
		p, err := Builtin(override)
		if err != nil {
			return nil, err
		}
		c.pinned = true
		c.commit(p)
	}

	return c, nil
}

// Current returns the active plan, or nil while unregioned.
func (c *Cache) Current() *Plan {
	return c.plan.Load()
}

// Pinned reports whether the plan comes from a configured override
func (c *Cache) Pinned() bool {
	return c.pinned
}

// Refresh fetches and commits a new plan.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.pinned || c.source == nil {
		return nil
	}

	raw, err := c.source.Fetch(ctx)
	if errors.Is(err, artifact.ErrNotModified) {
		return nil
	}
	if err != nil {
		return &RegionError{Op: "fetch", Err: err}
	}

	p, err := ParsePlan(raw)
	if err != nil {
		return &RegionError{Op: "parse", Err: err}
	}

	c.commit(p)
	return nil
}

func (c *Cache) commit(p *Plan) {
	prev := c.plan.Swap(p)
	metrics.RegionLoaded.Set(1)

	if prev == nil || prev.Region != p.Region {
		c.log.Info().Str("region", p.Region).Int("channels", len(p.Channels)).
			Str("policy", string(p.DutyCycle.Policy)).Msg("region plan active")
	} else {
		c.log.Debug().Str("region", p.Region).Msg("region plan refreshed")
	}
}
