package backfill

import (
	"context"
	"time"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// StaleExpirer marks waitlist entries whose window has closed.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, asOf time.Time) (int64, error)
}

// StalledResumer retries a backfill that stalled on an operational error.
type StalledResumer interface {
	ResumeStalled(ctx context.Context, slotID string) error
}

const maxStallBackoff = 30 * time.Minute

// Sweeper is the safety net behind the in-process timers: it dispatches due
// scheduled offers and expires overdue pending ones straight from the store,
// so work survives restarts and lost timers. With a resumer it also retries
// stalled backfills.
type Sweeper struct {
	store     Store
	manager   *OfferManager
	waitlist  StaleExpirer
	resumer   StalledResumer
	clock     Clock
	interval  time.Duration
	batchSize int
	logger    *logging.Logger

	// retries backs off slots whose resume keeps failing.
	retries map[string]stallRetry
}

type stallRetry struct {
	attempts int
	next     time.Time
}

func NewSweeper(store Store, manager *OfferManager, waitlist StaleExpirer, clock Clock, interval time.Duration, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:     store,
		manager:   manager,
		waitlist:  waitlist,
		clock:     clock,
		interval:  interval,
		batchSize: 500,
		logger:    logger,
		retries:   make(map[string]stallRetry),
	}
}

// WithResumer enables retries of stalled backfills.
func (s *Sweeper) WithResumer(r StalledResumer) *Sweeper {
	s.resumer = r
	return s
}

// SweepResult counts the work done in one pass.
type SweepResult struct {
	Dispatched   int
	Expired      int
	Resumed      int
	StaleEntries int64
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	offers, err := s.store.ListOpenOffers(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: list open offers failed", "error", err)
	}
	now := s.clock.Now()
	for _, o := range offers {
		switch {
		case o.Status == OfferScheduled && !o.DispatchAt.After(now):
			offer, err := s.manager.Dispatch(ctx, o.ID)
			if err != nil {
				s.logger.Warn("sweep: dispatch failed", "offer_id", o.ID, "error", err)
				continue
			}
			if offer.Status == OfferPending || offer.Status == OfferDeclined {
				res.Dispatched++
			}
		case o.Status == OfferPending && o.ExpiresAt != nil && !o.ExpiresAt.After(now):
			if err := s.manager.Expire(ctx, o.ID); err != nil {
				s.logger.Warn("sweep: expire failed", "offer_id", o.ID, "error", err)
				continue
			}
			res.Expired++
		}
	}

	if s.resumer != nil {
		res.Resumed = s.resumeStalled(ctx, now)
	}

	if s.waitlist != nil {
		n, err := s.waitlist.ExpireStale(ctx, now)
		if err != nil {
			s.logger.Error("sweep: expire stale waitlist entries failed", "error", err)
		}
		res.StaleEntries = n
	}

	if res.Dispatched > 0 || res.Expired > 0 || res.Resumed > 0 || res.StaleEntries > 0 {
		s.logger.Info("sweep complete",
			"dispatched", res.Dispatched,
			"expired", res.Expired,
			"resumed", res.Resumed,
			"stale_entries", res.StaleEntries,
		)
	}
	return res
}

// resumeStalled retries each stalled backfill whose backoff has elapsed and
// reports how many resumed cleanly.
func (s *Sweeper) resumeStalled(ctx context.Context, now time.Time) int {
	stalled, err := s.store.ListStalledBackfills(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: list stalled backfills failed", "error", err)
		return 0
	}
	listed := make(map[string]bool, len(stalled))
	resumed := 0
	for _, b := range stalled {
		listed[b.SlotID] = true
		retry := s.retries[b.SlotID]
		if now.Before(retry.next) {
			continue
		}
		if err := s.resumer.ResumeStalled(ctx, b.SlotID); err != nil {
			retry.attempts++
			retry.next = now.Add(s.stallBackoff(retry.attempts))
			s.retries[b.SlotID] = retry
			s.logger.Warn("sweep: stalled backfill still failing",
				"slot_id", b.SlotID,
				"attempts", retry.attempts,
				"retry_at", retry.next.Format(time.RFC3339),
				"error", err,
			)
			continue
		}
		delete(s.retries, b.SlotID)
		resumed++
	}
	for slotID := range s.retries {
		if !listed[slotID] {
			delete(s.retries, slotID)
		}
	}
	return resumed
}

func (s *Sweeper) stallBackoff(attempts int) time.Duration {
	delay := s.interval
	for i := 1; i < attempts && delay < maxStallBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxStallBackoff)
}
