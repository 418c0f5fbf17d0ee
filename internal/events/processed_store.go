package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultClaimLease bounds how long an unfinished claim blocks redeliveries,
// so a worker that dies mid-handler does not strand the event.
const defaultClaimLease = 5 * time.Minute

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProcessedStore is the consumer's dedup ledger. Claiming an envelope and
// checking whether it was seen are one insert, so two deliveries of the same
// event cannot both run.
type ProcessedStore struct {
	db    execer
	lease time.Duration
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{db: pool, lease: defaultClaimLease}
}

func newProcessedStoreWithExec(exec execer) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{db: exec, lease: defaultClaimLease}
}

// Claim takes eventID for consumer. It returns false when the event was
// already completed or another delivery holds a live claim on it.
func (s *ProcessedStore) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id, claimed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (consumer, event_id) DO UPDATE SET claimed_at = now()
		WHERE processed_events.completed_at IS NULL
		  AND processed_events.claimed_at < now() - $3 * interval '1 second'`,
		consumer, eventID, int64(s.lease/time.Second),
	)
	if err != nil {
		return false, fmt.Errorf("events: claim event: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Complete marks a claimed event handled for good.
func (s *ProcessedStore) Complete(ctx context.Context, consumer, eventID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE processed_events SET completed_at = now()
		WHERE consumer = $1 AND event_id = $2`,
		consumer, eventID,
	)
	if err != nil {
		return fmt.Errorf("events: complete event: %w", err)
	}
	return nil
}

// Release drops an unfinished claim so the next redelivery can run.
func (s *ProcessedStore) Release(ctx context.Context, consumer, eventID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM processed_events
		WHERE consumer = $1 AND event_id = $2 AND completed_at IS NULL`,
		consumer, eventID,
	)
	if err != nil {
		return fmt.Errorf("events: release event: %w", err)
	}
	return nil
}
