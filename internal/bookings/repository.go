package bookings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps slots and bookings in Postgres.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("bookings: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertSlot(ctx context.Context, slot backfill.Slot) error {
	if slot.Status == "" {
		slot.Status = backfill.SlotOpen
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO slots (id, org_id, staff_id, service_id, service_name, staff_name, start_time, end_time, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			staff_id = EXCLUDED.staff_id,
			service_id = EXCLUDED.service_id,
			service_name = EXCLUDED.service_name,
			staff_name = EXCLUDED.staff_name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			updated_at = now()`,
		slot.ID, slot.OrgID, slot.StaffID, slot.ServiceID, slot.ServiceName, slot.StaffName,
		slot.StartTime, slot.EndTime, string(slot.Status),
	)
	if err != nil {
		return fmt.Errorf("bookings: upsert slot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSlot(ctx context.Context, slotID string) (backfill.Slot, error) {
	var slot backfill.Slot
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, org_id, staff_id, service_id, service_name, staff_name, start_time, end_time, status
		FROM slots WHERE id = $1`, slotID).Scan(
		&slot.ID, &slot.OrgID, &slot.StaffID, &slot.ServiceID, &slot.ServiceName, &slot.StaffName,
		&slot.StartTime, &slot.EndTime, &status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return backfill.Slot{}, backfill.ErrSlotNotFound
	}
	if err != nil {
		return backfill.Slot{}, fmt.Errorf("bookings: get slot: %w", err)
	}
	slot.Status = backfill.SlotStatus(status)
	return slot, nil
}

// CreateBooking flips the slot to booked only if it is still open, then
// records the booking in the same transaction.
func (s *PostgresStore) CreateBooking(ctx context.Context, slotID, customerID string) (backfill.Booking, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return backfill.Booking{}, fmt.Errorf("bookings: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID string
	err = tx.QueryRow(ctx, `
		UPDATE slots SET status = 'booked', updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING org_id`, slotID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM slots WHERE id = $1`, slotID).Scan(&exists); errors.Is(err, pgx.ErrNoRows) {
			return backfill.Booking{}, backfill.ErrSlotNotFound
		}
		return backfill.Booking{}, backfill.ErrSlotUnavailable
	}
	if err != nil {
		return backfill.Booking{}, fmt.Errorf("bookings: mark slot booked: %w", err)
	}

	b := backfill.Booking{
		ID:         uuid.NewString(),
		SlotID:     slotID,
		OrgID:      orgID,
		CustomerID: customerID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (id, slot_id, org_id, customer_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.SlotID, b.OrgID, b.CustomerID, StatusConfirmed, b.CreatedAt,
	)
	if err != nil {
		return backfill.Booking{}, fmt.Errorf("bookings: insert booking: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return backfill.Booking{}, fmt.Errorf("bookings: commit booking: %w", err)
	}
	return b, nil
}

// CancelBooking cancels a confirmed booking and reopens its slot.
func (s *PostgresStore) CancelBooking(ctx context.Context, bookingID string) (backfill.Slot, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return backfill.Slot{}, fmt.Errorf("bookings: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var slotID string
	err = tx.QueryRow(ctx, `
		UPDATE bookings SET status = 'cancelled', cancelled_at = now()
		WHERE id = $1 AND status = 'confirmed'
		RETURNING slot_id`, bookingID).Scan(&slotID)
	if errors.Is(err, pgx.ErrNoRows) {
		return backfill.Slot{}, ErrBookingNotFound
	}
	if err != nil {
		return backfill.Slot{}, fmt.Errorf("bookings: cancel booking: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE slots SET status = 'open', updated_at = now() WHERE id = $1`, slotID); err != nil {
		return backfill.Slot{}, fmt.Errorf("bookings: reopen slot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return backfill.Slot{}, fmt.Errorf("bookings: commit cancel: %w", err)
	}
	return s.GetSlot(ctx, slotID)
}
