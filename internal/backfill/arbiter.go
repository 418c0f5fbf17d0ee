package backfill

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// BookingStore is the external system of record for slots and bookings.
// CreateBooking must itself be a compare-and-set on the slot's status and
// return ErrSlotUnavailable when the slot is no longer open.
type BookingStore interface {
	GetSlot(ctx context.Context, slotID string) (Slot, error)
	CreateBooking(ctx context.Context, slotID, customerID string) (Booking, error)
}

// Arbiter decides claim races. At most one claim per slot freeing wins.
type Arbiter struct {
	store    Store
	bookings BookingStore
	waitlist WaitlistWriter
	manager  *OfferManager
	locker   SlotLocker
	clock    Clock
	metrics  *metrics.BackfillMetrics
	logger   *logging.Logger
}

func NewArbiter(deps Deps, manager *OfferManager) *Arbiter {
	deps = deps.withDefaults()
	return &Arbiter{
		store:    deps.Store,
		bookings: deps.Bookings,
		waitlist: deps.Waitlist,
		manager:  manager,
		locker:   deps.Locker,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// AttemptClaim tries to convert a pending offer into a booking. Losing
// outcomes come back in ClaimResult.Reason; the error is reserved for
// operational failures.
func (a *Arbiter) AttemptClaim(ctx context.Context, offerID, claimant string) (ClaimResult, error) {
	ctx, span := backfillTracer.Start(ctx, "backfill.claim")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.offer_id", offerID))

	offer, err := a.store.GetOffer(ctx, offerID)
	if errors.Is(err, ErrOfferNotFound) {
		a.metrics.ObserveClaim("not_found")
		return ClaimResult{Reason: ErrOfferNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, err
	}
	span.SetAttributes(attribute.String("backfill.slot_id", offer.SlotID))

	unlock, err := a.locker.Lock(ctx, slotLockKey(offer.SlotID))
	if err != nil {
		span.RecordError(err)
		return ClaimResult{}, fmt.Errorf("backfill: lock slot %s: %w", offer.SlotID, err)
	}
	result, outcome, err := a.claimLocked(ctx, offer, claimant)
	unlock()
	if err != nil {
		span.RecordError(err)
		return ClaimResult{}, err
	}

	if result.Won {
		a.metrics.ObserveClaim("won")
		a.logger.Info("slot claimed",
			"slot_id", offer.SlotID,
			"offer_id", offer.ID,
			"customer_id", offer.CustomerID,
			"booking_id", result.Booking.ID,
		)
	} else {
		a.metrics.ObserveClaim(claimOutcomeLabel(result.Reason))
		a.logger.Info("claim lost", "slot_id", offer.SlotID, "offer_id", offer.ID, "reason", result.Reason)
	}
	span.SetAttributes(attribute.Bool("backfill.claim_won", result.Won))

	if outcome != nil {
		a.manager.notify(ctx, *outcome)
	}
	return result, nil
}

// ClaimByRef resolves an inbound claim reference to its offer.
func (a *Arbiter) ClaimByRef(ctx context.Context, ref, claimant string) (ClaimResult, error) {
	offer, err := a.store.GetOfferByClaimRef(ctx, normalizeClaimRef(ref))
	if errors.Is(err, ErrOfferNotFound) {
		a.metrics.ObserveClaim("not_found")
		return ClaimResult{Reason: ErrOfferNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, err
	}
	return a.AttemptClaim(ctx, offer.ID, claimant)
}

// claimLocked runs the claim checks in order under the slot lock. The
// returned outcome, if any, must be reported after the lock is released.
func (a *Arbiter) claimLocked(ctx context.Context, offer *Offer, claimant string) (ClaimResult, *Offer, error) {
	slot, err := a.bookings.GetSlot(ctx, offer.SlotID)
	if err != nil {
		return ClaimResult{}, nil, fmt.Errorf("backfill: read slot %s: %w", offer.SlotID, err)
	}
	if slot.Status != SlotOpen {
		return ClaimResult{Reason: ErrSlotUnavailable}, nil, nil
	}

	current, err := a.store.GetOffer(ctx, offer.ID)
	if err != nil {
		return ClaimResult{}, nil, err
	}
	if current.Status != OfferPending {
		return ClaimResult{Offer: current, Reason: ErrOfferNoLongerValid}, nil, nil
	}
	if current.ExpiresAt != nil && !a.clock.Now().Before(*current.ExpiresAt) {
		expired, err := a.manager.expireLocked(ctx, current.ID)
		if err != nil {
			return ClaimResult{}, nil, err
		}
		return ClaimResult{Offer: expired, Reason: ErrOfferExpired}, expired, nil
	}
	if !isRecipient(current, claimant) {
		return ClaimResult{Offer: current, Reason: ErrNotOfferRecipient}, nil, nil
	}

	booking, err := a.bookings.CreateBooking(ctx, slot.ID, current.CustomerID)
	if errors.Is(err, ErrSlotUnavailable) {
		return ClaimResult{Offer: current, Reason: ErrSlotUnavailable}, nil, nil
	}
	if err != nil {
		return ClaimResult{}, nil, fmt.Errorf("backfill: create booking: %w", err)
	}

	result := ClaimResult{Won: true, Booking: &booking}
	claimed, err := a.store.TransitionOffer(ctx, current.ID, []OfferStatus{OfferPending}, OfferClaimed, func(o *Offer) {
		o.BookingID = booking.ID
		o.Reason = ""
	})
	if err != nil {
		// The booking stands. Report the win anyway so siblings are
		// superseded and the backfill resolves now rather than on expiry.
		a.logger.Error("booking created but offer not marked claimed",
			"offer_id", current.ID, "booking_id", booking.ID, "error", err)
		won := *current
		won.Status = OfferClaimed
		won.BookingID = booking.ID
		claimed = &won
		result.Offer = current
	} else {
		a.metrics.ObserveOffer(string(OfferClaimed))
		result.Offer = claimed
	}
	a.manager.timers.cancel(current.ID)

	if err := a.waitlist.Transition(ctx, current.WaitlistEntryID, []waitlist.Status{waitlist.StatusOffered}, waitlist.StatusClaimed); err != nil {
		a.logger.Warn("failed to mark waitlist entry claimed", "entry_id", current.WaitlistEntryID, "error", err)
	}
	if _, err := a.manager.supersedeLocked(ctx, slot.ID, current.ID, ReasonSlotClaimed); err != nil {
		a.logger.Error("failed to supersede sibling offers", "slot_id", slot.ID, "error", err)
	}
	return result, claimed, nil
}

func claimOutcomeLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(reason, ErrOfferExpired):
		return "expired"
	case errors.Is(reason, ErrNotOfferRecipient):
		return "not_recipient"
	case errors.Is(reason, ErrOfferNoLongerValid):
		return "no_longer_valid"
	default:
		return "lost"
	}
}
