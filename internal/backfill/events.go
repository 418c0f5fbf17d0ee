package backfill

import (
	"context"
	"time"
)

// Lifecycle event types published by the orchestrator.
const (
	EventRoundStarted   = "backfill.round_started"
	EventResolved       = "backfill.resolved"
	EventExhausted      = "backfill.exhausted"
	EventDeliveryFailed = "offer.delivery_failed"
)

// Event is an outbound lifecycle notification for downstream consumers.
type Event struct {
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	SlotID     string         `json:"slot_id"`
	Cycle      int            `json:"cycle"`
	Round      int            `json:"round,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventSink records lifecycle events. Emit failures never block the engine.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }
