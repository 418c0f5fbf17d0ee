package backfill

import (
	"time"
)

// SlotStatus is owned by the Booking Store; the engine only reads it.
type SlotStatus string

const (
	SlotOpen   SlotStatus = "open"
	SlotBooked SlotStatus = "booked"
)

// Slot is a bookable unit of staff, time and service.
type Slot struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	StaffID     string     `json:"staff_id"`
	ServiceID   string     `json:"service_id"`
	ServiceName string     `json:"service_name,omitempty"`
	StaffName   string     `json:"staff_name,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Status      SlotStatus `json:"status"`
}

// Booking is the result of a successful claim.
type Booking struct {
	ID         string    `json:"id"`
	SlotID     string    `json:"slot_id"`
	OrgID      string    `json:"org_id"`
	CustomerID string    `json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// OfferStatus tracks the lifecycle of a single slot offer.
type OfferStatus string

const (
	OfferScheduled  OfferStatus = "scheduled"
	OfferPending    OfferStatus = "pending"
	OfferClaimed    OfferStatus = "claimed"
	OfferDeclined   OfferStatus = "declined"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

// Terminal reports whether no further transition is possible.
func (s OfferStatus) Terminal() bool {
	return s != OfferScheduled && s != OfferPending
}

// Reasons recorded on offers that end without a claim.
const (
	ReasonCustomerDeclined = "customer_declined"
	ReasonDeliveryFailed   = "delivery_failed"
	ReasonTimerElapsed     = "timer_elapsed"
	ReasonSlotClaimed      = "slot_claimed"
	ReasonSlotBooked       = "slot_booked_elsewhere"
)

// Offer is a time-boxed proposal of one slot to one waitlist entry.
// Offers are never deleted.
type Offer struct {
	ID               string      `json:"id"`
	SlotID           string      `json:"slot_id"`
	OrgID            string      `json:"org_id"`
	WaitlistEntryID  string      `json:"waitlist_entry_id"`
	CustomerID       string      `json:"customer_id"`
	Contact          string      `json:"-"`
	Cycle            int         `json:"cycle"`
	Round            int         `json:"round"`
	ClaimRef         string      `json:"claim_ref"`
	SlotDescription  string      `json:"slot_description"`
	ExpiryMinutes    int         `json:"expiry_minutes"`
	DispatchAt       time.Time   `json:"dispatch_at"`
	DispatchAttempts int         `json:"dispatch_attempts"`
	DispatchedAt     *time.Time  `json:"dispatched_at,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	Status           OfferStatus `json:"status"`
	Reason           string      `json:"reason,omitempty"`
	BookingID        string      `json:"booking_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// State is the per-slot backfill state machine.
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateOffering  State = "offering"
	StateResolved  State = "resolved"
	StateExhausted State = "exhausted"
)

// Terminal reports whether the backfill cycle has finished.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateExhausted
}

// Round groups the offers issued together in one cascade iteration.
type Round struct {
	Number     int       `json:"number"`
	OfferCount int       `json:"offer_count"`
	OfferIDs   []string  `json:"offer_ids"`
	DispatchAt time.Time `json:"dispatch_at"`
	StartedAt  time.Time `json:"started_at"`
}

// Backfill is the bookkeeping record for one freeing cycle of one slot.
type Backfill struct {
	SlotID    string    `json:"slot_id"`
	OrgID     string    `json:"org_id"`
	Cycle     int       `json:"cycle"`
	State     State     `json:"state"`
	Round     int       `json:"round"`
	Rounds    []Round   `json:"rounds"`
	Contacted []string  `json:"contacted"`
	BookingID string    `json:"booking_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentRound returns the latest round, if any.
func (b *Backfill) CurrentRound() (Round, bool) {
	if len(b.Rounds) == 0 {
		return Round{}, false
	}
	return b.Rounds[len(b.Rounds)-1], true
}

func (b *Backfill) clone() *Backfill {
	cp := *b
	cp.Rounds = make([]Round, len(b.Rounds))
	for i, r := range b.Rounds {
		r.OfferIDs = append([]string(nil), r.OfferIDs...)
		cp.Rounds[i] = r
	}
	cp.Contacted = append([]string(nil), b.Contacted...)
	return &cp
}

// ClaimResult is the outcome of a claim attempt. Losing is normal control
// flow and is reported through Reason, never as an error.
type ClaimResult struct {
	Won     bool     `json:"won"`
	Booking *Booking `json:"booking,omitempty"`
	Offer   *Offer   `json:"offer,omitempty"`
	Reason  error    `json:"-"`
}
