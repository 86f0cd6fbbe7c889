package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// LogPublisher writes one log line per event. Used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events []appointment.Event) error {
	for _, ev := range events {
		p.logger.Info().
			Str("event_id", ev.EventID().String()).
			Str("event_type", ev.EventType()).
			Str("appointment_id", ev.AggregateID().String()).
			Time("occurred_at", ev.OccurredAt()).
			Msg("domain event")
	}
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []appointment.Publisher

func (f Fanout) Publish(ctx context.Context, events []appointment.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
