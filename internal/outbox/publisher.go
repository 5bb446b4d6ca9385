// Package outbox relays committed settlement events to the message
// transport. Events are written to the store in the same commit as their
// trade; the relay reads them back in commit order, publishes them, and
// marks each one once the transport has acknowledged it.
package outbox

import (
	"context"
	"log/slog"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// Publisher delivers one event to the message transport. A nil return means
// the transport acknowledged the event.
type Publisher interface {
	Publish(ctx context.Context, e model.OutboxEvent) error
}

// Listener is told about every event after it has been acknowledged.
type Listener interface {
	EventPublished(e model.OutboxEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(e model.OutboxEvent)

func (f ListenerFunc) EventPublished(e model.OutboxEvent) { f(e) }

// LogPublisher acknowledges every event by logging it. Used when no broker
// is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e model.OutboxEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "settlement event",
		"event_id", e.ID,
		"event_type", e.EventType,
		"trade_id", e.TradeID,
		"account_id", e.AccountID,
		"payload", string(e.Payload),
	)
	return nil
}
