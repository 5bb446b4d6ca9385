package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// NewOutboxEvent wraps se in an outbox event ready to be committed
// alongside its trade.
func NewOutboxEvent(se model.SettlementEvent, createdAt time.Time) (model.OutboxEvent, error) {
	payload, err := json.Marshal(se)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode settlement %s: %w", se.TradeID, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return model.OutboxEvent{
		ID:        id.String(),
		TradeID:   se.TradeID,
		AccountID: se.AccountID,
		EventType: model.EventTypeTradeSettled,
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// DecodeSettlement parses the payload of a TradeSettled event.
func DecodeSettlement(e model.OutboxEvent) (model.SettlementEvent, error) {
	var se model.SettlementEvent
	if e.EventType != model.EventTypeTradeSettled {
		return se, fmt.Errorf("unexpected event type %q", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, &se); err != nil {
		return se, fmt.Errorf("decode %s: %w", e.ID, err)
	}
	return se, nil
}
