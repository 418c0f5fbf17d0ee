package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
)

// Inbound event types accepted on the slot events queue.
const (
	TypeSlotFreed       = "slot.freed.v1"
	TypeSlotBooked      = "slot.booked.v1"
	TypeClaimRequested  = "offer.claim_requested.v1"
	TypeOfferDeclined   = "offer.declined.v1"
	TypeMessageReceived = "message.received.v1"
)

// Envelope carries one event and its transport metadata.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OrgID      string          `json:"org_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// SlotFreedV1 reports a slot that became open, usually after a cancellation.
type SlotFreedV1 struct {
	Slot backfill.Slot `json:"slot"`
}

// SlotBookedV1 reports a slot booked outside the backfill flow.
type SlotBookedV1 struct {
	SlotID string `json:"slot_id"`
}

// OfferReplyV1 is a structured claim or decline. Either OfferID or ClaimRef
// identifies the offer.
type OfferReplyV1 struct {
	OfferID  string `json:"offer_id,omitempty"`
	ClaimRef string `json:"claim_ref,omitempty"`
	Claimant string `json:"claimant"`
}

// MessageReceivedV1 is a raw inbound WhatsApp or SMS message.
type MessageReceivedV1 struct {
	From              string `json:"from"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

var (
	errMissingType = errors.New("events: event type is required")
	errNilPayload  = errors.New("events: payload required")
	nowFunc        = time.Now
)

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(eventType, orgID string, payload any) (Envelope, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Envelope{}, errMissingType
	}
	if payload == nil {
		return Envelope{}, errNilPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OrgID:      strings.TrimSpace(orgID),
		OccurredAt: nowFunc().UTC(),
		Payload:    data,
	}, nil
}

// Encode renders the envelope as a queue message body.
func (e Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("events: marshal envelope: %w", err)
	}
	return string(data), nil
}

// DecodeEnvelope parses a queue message body.
func DecodeEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if strings.TrimSpace(env.EventType) == "" {
		return Envelope{}, errMissingType
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errNilPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.EventType, err)
	}
	return nil
}
