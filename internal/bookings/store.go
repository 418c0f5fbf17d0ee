package bookings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
)

// ErrBookingNotFound is returned when cancelling an unknown or already
// cancelled booking.
var ErrBookingNotFound = errors.New("bookings: booking not found")

// Booking statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Store is the system of record for slots and bookings. CreateBooking is a
// compare-and-set on the slot status and reports backfill.ErrSlotUnavailable
// when the slot is no longer open.
type Store interface {
	UpsertSlot(ctx context.Context, slot backfill.Slot) error
	GetSlot(ctx context.Context, slotID string) (backfill.Slot, error)
	CreateBooking(ctx context.Context, slotID, customerID string) (backfill.Booking, error)
	CancelBooking(ctx context.Context, bookingID string) (backfill.Slot, error)
}

// MemoryStore keeps slots and bookings in process. Used by tests and the
// memory-queue development mode.
type MemoryStore struct {
	mu       sync.Mutex
	slots    map[string]backfill.Slot
	bookings map[string]memoryBooking
	now      func() time.Time
}

type memoryBooking struct {
	backfill.Booking
	status string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:    make(map[string]backfill.Slot),
		bookings: make(map[string]memoryBooking),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

// UpsertSlot adds or replaces a slot. A blank status means open.
func (s *MemoryStore) UpsertSlot(_ context.Context, slot backfill.Slot) error {
	if slot.ID == "" || slot.OrgID == "" {
		return fmt.Errorf("bookings: slot id and org id are required")
	}
	if slot.Status == "" {
		slot.Status = backfill.SlotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.ID] = slot
	return nil
}

func (s *MemoryStore) GetSlot(_ context.Context, slotID string) (backfill.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return backfill.Slot{}, backfill.ErrSlotNotFound
	}
	return slot, nil
}

func (s *MemoryStore) CreateBooking(_ context.Context, slotID, customerID string) (backfill.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return backfill.Booking{}, backfill.ErrSlotNotFound
	}
	if slot.Status != backfill.SlotOpen {
		return backfill.Booking{}, backfill.ErrSlotUnavailable
	}
	slot.Status = backfill.SlotBooked
	s.slots[slotID] = slot

	b := backfill.Booking{
		ID:         uuid.NewString(),
		SlotID:     slotID,
		OrgID:      slot.OrgID,
		CustomerID: customerID,
		CreatedAt:  s.now(),
	}
	s.bookings[b.ID] = memoryBooking{Booking: b, status: StatusConfirmed}
	return b, nil
}

func (s *MemoryStore) CancelBooking(_ context.Context, bookingID string) (backfill.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok || b.status != StatusConfirmed {
		return backfill.Slot{}, ErrBookingNotFound
	}
	b.status = StatusCancelled
	s.bookings[bookingID] = b

	slot := s.slots[b.SlotID]
	slot.Status = backfill.SlotOpen
	s.slots[b.SlotID] = slot
	return slot, nil
}

// ConfirmedBookings returns the confirmed bookings for a slot.
func (s *MemoryStore) ConfirmedBookings(slotID string) []backfill.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backfill.Booking
	for _, b := range s.bookings {
		if b.SlotID == slotID && b.status == StatusConfirmed {
			out = append(out, b.Booking)
		}
	}
	return out
}
