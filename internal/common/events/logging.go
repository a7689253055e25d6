package events

import (
	"context"
	"log/slog"
)

// LogPublisher logs events instead of sending them to a broker.
// Used when NATS is disabled.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that writes events to the log
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event *Event) error {
	p.logger.Info("event emitted",
		"event_id", event.ID,
		"type", event.Type,
		"aggregate_id", event.AggregateID,
		"subject", event.Subject(),
	)
	return nil
}
