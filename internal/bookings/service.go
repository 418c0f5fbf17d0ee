package bookings

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

var bookingsTracer = otel.Tracer("backfill.internal.bookings")

// SlotEvents receives slot changes made outside the backfill engine.
// *backfill.Orchestrator satisfies it.
type SlotEvents interface {
	HandleSlotFreed(ctx context.Context, slot backfill.Slot) error
	HandleSlotBooked(ctx context.Context, slotID string) error
}

// Service performs front-desk booking operations and tells the engine about
// slots that open up or get taken.
type Service struct {
	store  Store
	events SlotEvents
	logger *logging.Logger
}

// NewService constructs a bookings service. events may be nil.
func NewService(store Store, events SlotEvents, logger *logging.Logger) *Service {
	if store == nil {
		panic("bookings: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, events: events, logger: logger}
}

// Cancel cancels a booking and starts a backfill for the freed slot. The
// cancellation stands even if the backfill fails to start.
func (s *Service) Cancel(ctx context.Context, bookingID string) (backfill.Slot, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.booking_id", bookingID))

	slot, err := s.store.CancelBooking(ctx, bookingID)
	if err != nil {
		span.RecordError(err)
		return backfill.Slot{}, err
	}
	s.logger.Info("booking cancelled", "booking_id", bookingID, "slot_id", slot.ID, "org_id", slot.OrgID)

	if s.events != nil {
		if err := s.events.HandleSlotFreed(ctx, slot); err != nil {
			span.RecordError(err)
			s.logger.Error("backfill did not start for freed slot", "slot_id", slot.ID, "error", err)
		}
	}
	return slot, nil
}

// BookDirect books a slot through the front desk rather than an offer. Any
// running backfill for the slot is resolved.
func (s *Service) BookDirect(ctx context.Context, slotID, customerID string) (backfill.Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.book_direct")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.slot_id", slotID))

	b, err := s.store.CreateBooking(ctx, slotID, customerID)
	if err != nil {
		span.RecordError(err)
		return backfill.Booking{}, err
	}
	s.logger.Info("booking confirmed", "booking_id", b.ID, "slot_id", slotID, "org_id", b.OrgID)

	if s.events != nil {
		if err := s.events.HandleSlotBooked(ctx, slotID); err != nil {
			span.RecordError(err)
			s.logger.Error("failed to resolve backfill for booked slot", "slot_id", slotID, "error", err)
		}
	}
	return b, nil
}
