package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `id, org_id, customer_id, contact, service_id, staff_preference, window_start, window_end, status, created_at, updated_at`

// PostgresRegistry stores waitlist entries in the waitlist_entries table.
type PostgresRegistry struct {
	db DB
}

// NewPostgresRegistry creates a registry backed by Postgres.
func NewPostgresRegistry(db DB) *PostgresRegistry {
	if db == nil {
		panic("waitlist: db required")
	}
	return &PostgresRegistry{db: db}
}

var _ Registry = (*PostgresRegistry)(nil)

// Add inserts a new entry in the waiting state.
func (r *PostgresRegistry) Add(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	if e.Status == "" {
		e.Status = StatusWaiting
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO waitlist_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.OrgID, e.CustomerID, e.Contact, e.ServiceID, nullableString(e.StaffPreference),
		nullableTime(e.WindowStart), nullableTime(e.WindowEnd), string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("waitlist: add entry: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("waitlist: get entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return &entries[0], nil
}

// ListWaiting returns waiting entries for the org and service, oldest first.
func (r *PostgresRegistry) ListWaiting(ctx context.Context, orgID, serviceID string) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE org_id = $1 AND service_id = $2 AND status = 'waiting'
		ORDER BY created_at ASC, id ASC`, orgID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list waiting: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Transition moves an entry to `to` only if it is currently in one of `from`.
func (r *PostgresRegistry) Transition(ctx context.Context, id string, from []Status, to Status) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE waitlist_entries SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`,
		string(to), time.Now().UTC(), id, statusStrings(from))
	if err != nil {
		return fmt.Errorf("waitlist: transition: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM waitlist_entries WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("waitlist: transition lookup: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrTransitionConflict, id, current)
}

// Remove marks an entry removed, e.g. when the customer stops waiting.
func (r *PostgresRegistry) Remove(ctx context.Context, id string) error {
	return r.Transition(ctx, id, removableStatuses, StatusRemoved)
}

// ExpireStale marks waiting entries whose window has closed as expired_out.
func (r *PostgresRegistry) ExpireStale(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE waitlist_entries SET status = 'expired_out', updated_at = $1
		WHERE status = 'waiting' AND window_end IS NOT NULL AND window_end <= $1`, asOf)
	if err != nil {
		return 0, fmt.Errorf("waitlist: expire stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var result []Entry
	for rows.Next() {
		var e Entry
		var status string
		var staff *string
		var windowStart, windowEnd *time.Time
		err := rows.Scan(
			&e.ID, &e.OrgID, &e.CustomerID, &e.Contact, &e.ServiceID, &staff,
			&windowStart, &windowEnd, &status, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("waitlist: scan entry: %w", err)
		}
		e.Status = Status(status)
		if staff != nil {
			e.StaffPreference = *staff
		}
		if windowStart != nil {
			e.WindowStart = *windowStart
		}
		if windowEnd != nil {
			e.WindowEnd = *windowEnd
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
