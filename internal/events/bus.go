// Package events carries structured operational events from the gateway
// components to the log and to optional external sinks.
package events

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
)

// Sink receives every dispatched event
type Sink interface {
	Name() string
	Publish(ev models.Event) error
}

// Bus fans events out to sinks from a single dispatcher goroutine.
// Publish never blocks; when the buffer is full the event is dropped.
type Bus struct {
	ch    chan models.Event
	sinks []Sink
	log   zerolog.Logger
}

// NewBus creates a bus with the given buffer size
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		ch:    make(chan models.Event, buffer),
		sinks: sinks,
		log:   log.With().Str("module", "events").Logger(),
	}
}

// Publish queues ev for dispatch
func (b *Bus) Publish(ev models.Event) {
	select {
	case b.ch <- ev:
	default:
		metrics.EventsDropped.Inc()
	}
}

// Run dispatches events until ctx is done, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.ch:
					b.dispatch(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev models.Event) {
	var e *zerolog.Event
	switch ev.Level {
	case models.EventLevelError:
		e = b.log.Error()
	case models.EventLevelWarning:
		e = b.log.Warn()
	default:
		e = b.log.Debug()
	}
	e.Str("type", string(ev.Type)).
		Str("id", ev.ID.String()).
		Fields(map[string]interface{}(ev.Details)).
		Msg(ev.Description)

	for _, s := range b.sinks {
		if err := s.Publish(ev); err != nil {
			b.log.Warn().Err(err).Str("sink", s.Name()).Str("type", string(ev.Type)).Msg("event sink publish failed")
		}
	}
}
