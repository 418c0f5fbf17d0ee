package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const offerColumns = `id, slot_id, org_id, waitlist_entry_id, customer_id, contact, cycle, round, claim_ref,
	slot_description, expiry_minutes, dispatch_at, dispatch_attempts, dispatched_at, expires_at,
	status, reason, booking_id, created_at, updated_at`

const backfillColumns = `slot_id, org_id, cycle, state, round, rounds, contacted, booking_id, last_error, started_at, updated_at`

// PostgresStore persists offers in slot_offers and backfill records in slot_backfills.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("backfill: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	_, err := s.db.Exec(ctx, `
		INSERT INTO slot_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.SlotID, o.OrgID, o.WaitlistEntryID, o.CustomerID, o.Contact, o.Cycle, o.Round, o.ClaimRef,
		o.SlotDescription, o.ExpiryMinutes, o.DispatchAt, o.DispatchAttempts, o.DispatchedAt, o.ExpiresAt,
		string(o.Status), o.Reason, o.BookingID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("backfill: insert offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return s.getOne(ctx, `SELECT `+offerColumns+` FROM slot_offers WHERE id = $1`, id)
}

func (s *PostgresStore) GetOfferByClaimRef(ctx context.Context, ref string) (*Offer, error) {
	return s.getOne(ctx, `SELECT `+offerColumns+` FROM slot_offers WHERE claim_ref = $1`, ref)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Offer, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("backfill: get offer: %w", err)
	}
	defer rows.Close()
	offers, err := scanOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrOfferNotFound
	}
	return &offers[0], nil
}

func (s *PostgresStore) ListOffersBySlot(ctx context.Context, slotID string) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+offerColumns+`
		FROM slot_offers
		WHERE slot_id = $1
		ORDER BY created_at ASC, id ASC`, slotID)
	if err != nil {
		return nil, fmt.Errorf("backfill: list offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (s *PostgresStore) ListOpenOffers(ctx context.Context, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+offerColumns+`
		FROM slot_offers
		WHERE status IN ('scheduled', 'pending')
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("backfill: list open offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// TransitionOffer locks the row, checks the expected status, applies mutate
// and writes the mutable columns back in one transaction.
func (s *PostgresStore) TransitionOffer(ctx context.Context, id string, from []OfferStatus, to OfferStatus, mutate func(*Offer)) (*Offer, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("backfill: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+offerColumns+` FROM slot_offers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("backfill: lock offer: %w", err)
	}
	offers, err := scanOffers(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrOfferNotFound
	}
	next := offers[0]
	if !offerStatusIn(next.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransitionConflict, id, next.Status)
	}
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE slot_offers
		SET dispatch_at = $2, dispatch_attempts = $3, dispatched_at = $4, expires_at = $5,
		    status = $6, reason = $7, booking_id = $8, updated_at = $9
		WHERE id = $1`,
		next.ID, next.DispatchAt, next.DispatchAttempts, next.DispatchedAt, next.ExpiresAt,
		string(next.Status), next.Reason, next.BookingID, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("backfill: update offer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("backfill: commit offer transition: %w", err)
	}
	return &next, nil
}

func (s *PostgresStore) GetBackfill(ctx context.Context, slotID string) (*Backfill, error) {
	b, err := scanBackfill(s.db.QueryRow(ctx, `SELECT `+backfillColumns+` FROM slot_backfills WHERE slot_id = $1`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBackfillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: get backfill: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListStalledBackfills(ctx context.Context, limit int) ([]Backfill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+backfillColumns+`
		FROM slot_backfills
		WHERE state = 'idle' AND last_error <> ''
		ORDER BY updated_at ASC, slot_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("backfill: list stalled backfills: %w", err)
	}
	defer rows.Close()
	var result []Backfill
	for rows.Next() {
		b, err := scanBackfill(rows)
		if err != nil {
			return nil, fmt.Errorf("backfill: scan backfill: %w", err)
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveBackfill(ctx context.Context, b *Backfill) error {
	rounds, err := json.Marshal(b.Rounds)
	if err != nil {
		return fmt.Errorf("backfill: encode rounds: %w", err)
	}
	contacted, err := json.Marshal(b.Contacted)
	if err != nil {
		return fmt.Errorf("backfill: encode contacted: %w", err)
	}
	b.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO slot_backfills (`+backfillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (slot_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			cycle = EXCLUDED.cycle,
			state = EXCLUDED.state,
			round = EXCLUDED.round,
			rounds = EXCLUDED.rounds,
			contacted = EXCLUDED.contacted,
			booking_id = EXCLUDED.booking_id,
			last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`,
		b.SlotID, b.OrgID, b.Cycle, string(b.State), b.Round, rounds, contacted,
		b.BookingID, b.LastError, b.StartedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("backfill: save backfill: %w", err)
	}
	return nil
}

func scanBackfill(row pgx.Row) (*Backfill, error) {
	var b Backfill
	var state string
	var rounds, contacted []byte
	err := row.Scan(
		&b.SlotID, &b.OrgID, &b.Cycle, &state, &b.Round, &rounds, &contacted,
		&b.BookingID, &b.LastError, &b.StartedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.State = State(state)
	if len(rounds) > 0 {
		if err := json.Unmarshal(rounds, &b.Rounds); err != nil {
			return nil, fmt.Errorf("decode rounds: %w", err)
		}
	}
	if len(contacted) > 0 {
		if err := json.Unmarshal(contacted, &b.Contacted); err != nil {
			return nil, fmt.Errorf("decode contacted: %w", err)
		}
	}
	return &b, nil
}

func scanOffers(rows pgx.Rows) ([]Offer, error) {
	var result []Offer
	for rows.Next() {
		var o Offer
		var status string
		err := rows.Scan(
			&o.ID, &o.SlotID, &o.OrgID, &o.WaitlistEntryID, &o.CustomerID, &o.Contact, &o.Cycle, &o.Round, &o.ClaimRef,
			&o.SlotDescription, &o.ExpiryMinutes, &o.DispatchAt, &o.DispatchAttempts, &o.DispatchedAt, &o.ExpiresAt,
			&status, &o.Reason, &o.BookingID, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("backfill: scan offer: %w", err)
		}
		o.Status = OfferStatus(status)
		result = append(result, o)
	}
	return result, rows.Err()
}
