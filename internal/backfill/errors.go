package backfill

import "errors"

var (
	// ErrSlotUnavailable is returned when a slot is no longer OPEN. Booking
	// stores return it from CreateBooking; claims report it as a lost race.
	ErrSlotUnavailable = errors.New("slot no longer available")

	// ErrOfferNoLongerValid is reported when the targeted offer is not PENDING.
	ErrOfferNoLongerValid = errors.New("offer no longer valid")

	// ErrOfferExpired is reported when a claim arrives after the offer's expiry.
	ErrOfferExpired = errors.New("offer expired")

	// ErrNotOfferRecipient is reported when someone other than the offered customer claims.
	ErrNotOfferRecipient = errors.New("claimant is not the offer recipient")

	// ErrOfferNotFound is returned when no offer matches an id or claim reference.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrSlotNotFound is returned by booking stores for unknown slots.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrBackfillNotFound is returned when a slot has never been backfilled.
	ErrBackfillNotFound = errors.New("backfill not found")

	// ErrTransitionConflict is returned when an offer is not in an expected state.
	ErrTransitionConflict = errors.New("offer not in expected state")
)
