package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// OutboxEntry represents a pending lifecycle event.
type OutboxEntry struct {
	ID        uuid.UUID
	OrgID     string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type outboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists lifecycle events for reliable delivery. It is the
// engine's backfill.EventSink in production.
type OutboxStore struct {
	db outboxDB
}

var _ backfill.EventSink = (*OutboxStore)(nil)

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: pool}
}

func newOutboxStoreWithExec(db outboxDB) *OutboxStore {
	if db == nil {
		panic("events: exec required")
	}
	return &OutboxStore{db: db}
}

// Emit appends a backfill lifecycle event to the outbox.
func (s *OutboxStore) Emit(ctx context.Context, e backfill.Event) error {
	_, err := s.Insert(ctx, e.OrgID, e.Type, e)
	return err
}

func (s *OutboxStore) Insert(ctx context.Context, orgID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, org_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, id, orgID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, org_id, type, payload, created_at
		FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.OrgID, &entry.Type, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

type outboxSource interface {
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
}

// Deliverer polls the outbox and hands entries to the broker. Entries are
// published at least once, in creation order within a batch.
type Deliverer struct {
	store     outboxSource
	publisher Publisher
	metrics   *metrics.BackfillMetrics
	logger    *logging.Logger
	batchSize int32
	interval  time.Duration
}

func NewDeliverer(store outboxSource, publisher Publisher, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.BackfillMetrics) *Deliverer {
	d.metrics = m
	return d
}

// Start drains the outbox every interval until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.publisher == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain publishes one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry.Type, entry.Payload); err != nil {
			d.logger.Error("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type)
			d.metrics.ObserveOutboxPublish("failed")
			// Later entries would overtake this one.
			return delivered
		}
		d.metrics.ObserveOutboxPublish("published")
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}
