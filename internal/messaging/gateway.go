package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrGatewayUnavailable marks transient transport failures. Callers should
// retry later rather than treat the recipient as unreachable.
var ErrGatewayUnavailable = errors.New("messaging: gateway unavailable")

// OfferNotice is everything needed to tell a customer about an open slot.
type OfferNotice struct {
	OrgID           string
	OfferID         string
	To              string
	BusinessName    string
	SlotDescription string
	ClaimRef        string
	ExpiresAt       time.Time
	Location        *time.Location
}

// DeliveryResult reports whether the provider accepted the message.
type DeliveryResult struct {
	Delivered         bool
	ProviderMessageID string
	FailureReason     string
}

// Gateway delivers offer notifications over WhatsApp or SMS.
type Gateway interface {
	SendOffer(ctx context.Context, notice OfferNotice) (DeliveryResult, error)
}
