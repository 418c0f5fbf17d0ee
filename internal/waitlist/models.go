package waitlist

import (
	"errors"
	"time"
)

// Status tracks where a waiting customer is in the backfill lifecycle.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusOffered    Status = "offered"
	StatusClaimed    Status = "claimed"
	StatusExpiredOut Status = "expired_out"
	StatusRemoved    Status = "removed"
)

var (
	// ErrEntryNotFound is returned when a waitlist entry does not exist.
	ErrEntryNotFound = errors.New("waitlist: entry not found")

	// ErrTransitionConflict is returned when an entry is not in any of the expected states.
	ErrTransitionConflict = errors.New("waitlist: entry not in expected state")

	// ErrInvalidEntry is returned when required fields are missing.
	ErrInvalidEntry = errors.New("waitlist: org, customer and service are required")
)

// Entry is a customer waiting for a service at a business, optionally for a
// preferred staff member and a date/time window.
type Entry struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	CustomerID      string    `json:"customer_id"`
	Contact         string    `json:"contact"` // E.164 number used for WhatsApp/SMS
	ServiceID       string    `json:"service_id"`
	StaffPreference string    `json:"staff_preference,omitempty"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Covers reports whether t falls inside the entry's window. Zero bounds are open.
func (e Entry) Covers(t time.Time) bool {
	if !e.WindowStart.IsZero() && t.Before(e.WindowStart) {
		return false
	}
	if !e.WindowEnd.IsZero() && !t.Before(e.WindowEnd) {
		return false
	}
	return true
}

func (e Entry) validate() error {
	if e.OrgID == "" || e.CustomerID == "" || e.ServiceID == "" {
		return ErrInvalidEntry
	}
	return nil
}

var removableStatuses = []Status{StatusWaiting, StatusExpiredOut}

func statusIn(s Status, from []Status) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
