package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/waitlist-backfill/internal/messaging"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

var backfillTracer = otel.Tracer("backfill.internal.backfill")

// OutcomeHandler receives offers that reached a terminal state. Offers
// superseded by a winning claim are not reported; the claim is. It is always
// called without any slot lock held.
type OutcomeHandler func(ctx context.Context, offer Offer)

// WaitlistWriter is the slice of the registry used to move entries.
type WaitlistWriter interface {
	Transition(ctx context.Context, id string, from []waitlist.Status, to waitlist.Status) error
}

// OfferSpec carries the round-level values stamped onto each offer.
type OfferSpec struct {
	Cycle           int
	Round           int
	DispatchAt      time.Time
	ExpiryMinutes   int
	SlotDescription string
}

// OfferManager owns offer state transitions and their timers.
type OfferManager struct {
	store     Store
	waitlist  WaitlistWriter
	bookings  BookingStore
	gateway   messaging.Gateway
	settings  SettingsSource
	gate      DispatchGate
	locker    SlotLocker
	clock     Clock
	timers    *timerSet
	metrics   *metrics.BackfillMetrics
	logger    *logging.Logger
	retryBase time.Duration
	retryMax  time.Duration

	mu        sync.RWMutex
	onOutcome OutcomeHandler
}

func NewOfferManager(deps Deps) *OfferManager {
	deps = deps.withDefaults()
	return &OfferManager{
		store:     deps.Store,
		waitlist:  deps.Waitlist,
		bookings:  deps.Bookings,
		gateway:   deps.Gateway,
		settings:  deps.Settings,
		gate:      NewSettingsGate(deps.Settings),
		locker:    deps.Locker,
		clock:     deps.Clock,
		timers:    newTimerSet(),
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		retryBase: deps.RetryBaseDelay,
		retryMax:  deps.RetryMaxDelay,
	}
}

// SetOutcomeHandler registers the callback for terminal offer outcomes.
func (m *OfferManager) SetOutcomeHandler(h OutcomeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutcome = h
}

// ScheduleOffer records a scheduled offer for entry. When dispatchAt is in
// the future a deferred dispatch is armed; otherwise the caller dispatches.
func (m *OfferManager) ScheduleOffer(ctx context.Context, entry waitlist.Entry, slot Slot, spec OfferSpec) (*Offer, error) {
	now := m.clock.Now()
	offer := &Offer{
		ID:              uuid.NewString(),
		SlotID:          slot.ID,
		OrgID:           slot.OrgID,
		WaitlistEntryID: entry.ID,
		CustomerID:      entry.CustomerID,
		Contact:         entry.Contact,
		Cycle:           spec.Cycle,
		Round:           spec.Round,
		ClaimRef:        newClaimRef(),
		SlotDescription: spec.SlotDescription,
		ExpiryMinutes:   spec.ExpiryMinutes,
		DispatchAt:      spec.DispatchAt,
		Status:          OfferScheduled,
		CreatedAt:       now,
	}
	if err := m.store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("backfill: schedule offer: %w", err)
	}
	m.metrics.ObserveOffer(string(OfferScheduled))
	if offer.DispatchAt.After(now) {
		m.armDispatch(offer.ID, offer.DispatchAt)
	}
	return offer, nil
}

// Dispatch sends a due scheduled offer. Calling it for an offer that is not
// scheduled, or not yet due, is a no-op that returns the current offer.
func (m *OfferManager) Dispatch(ctx context.Context, offerID string) (*Offer, error) {
	ctx, span := backfillTracer.Start(ctx, "backfill.offer.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.offer_id", offerID))

	current, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if current.Status != OfferScheduled || current.DispatchAt.After(now) {
		return current, nil
	}

	unlock, err := m.locker.Lock(ctx, slotLockKey(current.SlotID))
	if err != nil {
		return nil, fmt.Errorf("backfill: lock slot %s: %w", current.SlotID, err)
	}
	offer, gone, err := m.markPendingLocked(ctx, current, now)
	unlock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if gone != nil {
		m.logger.Info("offer withdrawn before send; slot no longer open",
			"offer_id", offerID, "slot_id", current.SlotID)
		m.notify(ctx, *gone)
	}
	if offer == nil {
		return m.store.GetOffer(ctx, offerID)
	}
	m.timers.cancel(offerID)
	m.metrics.ObserveDispatchLatency(now.Sub(offer.DispatchAt).Seconds())

	// A sibling claim may have superseded the offer since it was marked.
	offer, err = m.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferPending {
		m.logger.Info("offer resolved before send", "offer_id", offerID, "status", offer.Status)
		return offer, nil
	}

	result, sendErr := m.gateway.SendOffer(ctx, m.notice(ctx, offer))
	if sendErr != nil && errors.Is(sendErr, messaging.ErrGatewayUnavailable) {
		span.RecordError(sendErr)
		return m.deferRetry(ctx, offer, sendErr)
	}
	if sendErr != nil || !result.Delivered {
		reason := result.FailureReason
		if sendErr != nil {
			reason = sendErr.Error()
		}
		return m.failDelivery(ctx, offer, reason)
	}

	m.metrics.ObserveOffer(string(OfferPending))
	m.armExpiry(offer.ID, *offer.ExpiresAt)
	m.logger.Info("offer dispatched",
		"offer_id", offer.ID,
		"slot_id", offer.SlotID,
		"round", offer.Round,
		"expires_at", offer.ExpiresAt.Format(time.RFC3339),
	)
	return offer, nil
}

// markPendingLocked must run under the slot lock. The marked offer is nil
// when nothing was marked. A slot that is no longer open supersedes every
// open offer instead, and the superseded offer to report comes back as gone.
func (m *OfferManager) markPendingLocked(ctx context.Context, current *Offer, now time.Time) (*Offer, *Offer, error) {
	if m.bookings != nil {
		slot, err := m.bookings.GetSlot(ctx, current.SlotID)
		if err != nil {
			return nil, nil, fmt.Errorf("backfill: read slot %s: %w", current.SlotID, err)
		}
		if slot.Status != SlotOpen {
			superseded, err := m.supersedeLocked(ctx, current.SlotID, "", ReasonSlotBooked)
			if err != nil {
				return nil, nil, err
			}
			if len(superseded) == 0 {
				return nil, nil, nil
			}
			gone := superseded[0]
			for _, o := range superseded {
				if o.ID == current.ID {
					gone = o
				}
			}
			return nil, &gone, nil
		}
	}

	expiry := time.Duration(current.ExpiryMinutes) * time.Minute
	offer, err := m.store.TransitionOffer(ctx, current.ID, []OfferStatus{OfferScheduled}, OfferPending, func(o *Offer) {
		sent := now
		expires := now.Add(expiry)
		o.DispatchedAt = &sent
		o.ExpiresAt = &expires
		o.DispatchAttempts++
		o.Reason = ""
	})
	if errors.Is(err, ErrTransitionConflict) {
		// Someone else dispatched or resolved it first.
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("backfill: mark offer pending: %w", err)
	}
	return offer, nil, nil
}

// deferRetry puts an offer back to scheduled after the gateway was
// unavailable. The round pauses rather than moving on.
func (m *OfferManager) deferRetry(ctx context.Context, offer *Offer, sendErr error) (*Offer, error) {
	retryAt := m.clock.Now().Add(m.backoff(offer.DispatchAttempts))
	if gated, err := m.gate.DispatchTime(ctx, offer.OrgID, retryAt); err != nil {
		m.logger.Warn("quiet hours unavailable for retry", "offer_id", offer.ID, "error", err)
	} else {
		retryAt = gated
	}

	unlock, err := m.locker.Lock(ctx, slotLockKey(offer.SlotID))
	if err != nil {
		return offer, fmt.Errorf("backfill: dispatch %s: %w", offer.ID, sendErr)
	}
	reverted, err := m.store.TransitionOffer(ctx, offer.ID, []OfferStatus{OfferPending}, OfferScheduled, func(o *Offer) {
		o.DispatchedAt = nil
		o.ExpiresAt = nil
		o.DispatchAt = retryAt
		o.Reason = "gateway_unavailable"
	})
	unlock()
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			current, getErr := m.store.GetOffer(ctx, offer.ID)
			if getErr != nil {
				return nil, getErr
			}
			return current, fmt.Errorf("backfill: dispatch %s: %w", offer.ID, sendErr)
		}
		return nil, fmt.Errorf("backfill: revert offer %s: %w", offer.ID, err)
	}

	m.armDispatch(reverted.ID, retryAt)
	m.metrics.ObserveOffer("deferred")
	m.logger.Warn("gateway unavailable; offer dispatch deferred",
		"offer_id", reverted.ID,
		"slot_id", reverted.SlotID,
		"attempts", reverted.DispatchAttempts,
		"retry_at", retryAt.Format(time.RFC3339),
		"error", sendErr,
	)
	return reverted, fmt.Errorf("backfill: dispatch %s: %w", offer.ID, sendErr)
}

func (m *OfferManager) failDelivery(ctx context.Context, offer *Offer, detail string) (*Offer, error) {
	unlock, err := m.locker.Lock(ctx, slotLockKey(offer.SlotID))
	if err != nil {
		return nil, fmt.Errorf("backfill: lock slot %s: %w", offer.SlotID, err)
	}
	declined, err := m.store.TransitionOffer(ctx, offer.ID, []OfferStatus{OfferPending}, OfferDeclined, func(o *Offer) {
		o.Reason = ReasonDeliveryFailed
	})
	if err == nil {
		m.releaseEntry(ctx, declined.WaitlistEntryID)
	}
	unlock()
	if errors.Is(err, ErrTransitionConflict) {
		return m.store.GetOffer(ctx, offer.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: decline undelivered offer: %w", err)
	}

	m.metrics.ObserveOffer(string(OfferDeclined))
	m.logger.Warn("offer delivery failed", "offer_id", declined.ID, "slot_id", declined.SlotID, "detail", detail)
	m.notify(ctx, *declined)
	return declined, nil
}

// Expire ends a pending offer whose expiry has passed.
func (m *OfferManager) Expire(ctx context.Context, offerID string) error {
	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	unlock, err := m.locker.Lock(ctx, slotLockKey(offer.SlotID))
	if err != nil {
		return fmt.Errorf("backfill: lock slot %s: %w", offer.SlotID, err)
	}
	expired, err := m.expireLocked(ctx, offerID)
	unlock()
	if err != nil {
		return err
	}
	if expired != nil {
		m.notify(ctx, *expired)
	}
	return nil
}

// expireLocked must run under the slot lock. It returns nil when the offer
// is not pending or not yet due.
func (m *OfferManager) expireLocked(ctx context.Context, offerID string) (*Offer, error) {
	current, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if current.Status != OfferPending {
		if current.Status.Terminal() {
			m.timers.cancel(offerID)
		}
		return nil, nil
	}
	if current.ExpiresAt != nil && m.clock.Now().Before(*current.ExpiresAt) {
		m.armExpiry(offerID, *current.ExpiresAt)
		return nil, nil
	}
	expired, err := m.store.TransitionOffer(ctx, offerID, []OfferStatus{OfferPending}, OfferExpired, func(o *Offer) {
		o.Reason = ReasonTimerElapsed
	})
	if errors.Is(err, ErrTransitionConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: expire offer: %w", err)
	}
	m.timers.cancel(offerID)
	m.releaseEntry(ctx, expired.WaitlistEntryID)
	m.metrics.ObserveOffer(string(OfferExpired))
	m.logger.Info("offer expired", "offer_id", expired.ID, "slot_id", expired.SlotID)
	return expired, nil
}

// Decline records an explicit refusal. claimant may be empty when the
// reply already carried an authenticated claim reference.
func (m *OfferManager) Decline(ctx context.Context, offerID, claimant string) (*Offer, error) {
	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locker.Lock(ctx, slotLockKey(offer.SlotID))
	if err != nil {
		return nil, fmt.Errorf("backfill: lock slot %s: %w", offer.SlotID, err)
	}
	declined, err := m.declineLocked(ctx, offerID, claimant)
	unlock()
	if err != nil {
		return nil, err
	}
	m.notify(ctx, *declined)
	return declined, nil
}

// DeclineByRef resolves a claim reference and declines that offer.
func (m *OfferManager) DeclineByRef(ctx context.Context, ref, claimant string) (*Offer, error) {
	offer, err := m.store.GetOfferByClaimRef(ctx, normalizeClaimRef(ref))
	if err != nil {
		return nil, err
	}
	return m.Decline(ctx, offer.ID, claimant)
}

func (m *OfferManager) declineLocked(ctx context.Context, offerID, claimant string) (*Offer, error) {
	current, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if current.Status != OfferPending {
		return nil, ErrOfferNoLongerValid
	}
	if !isRecipient(current, claimant) {
		return nil, ErrNotOfferRecipient
	}
	declined, err := m.store.TransitionOffer(ctx, offerID, []OfferStatus{OfferPending}, OfferDeclined, func(o *Offer) {
		o.Reason = ReasonCustomerDeclined
	})
	if errors.Is(err, ErrTransitionConflict) {
		return nil, ErrOfferNoLongerValid
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: decline offer: %w", err)
	}
	m.timers.cancel(offerID)
	m.releaseEntry(ctx, declined.WaitlistEntryID)
	m.metrics.ObserveOffer(string(OfferDeclined))
	return declined, nil
}

// Supersede ends every non-terminal offer for the slot except exceptID.
func (m *OfferManager) Supersede(ctx context.Context, slotID, exceptID, reason string) ([]Offer, error) {
	unlock, err := m.locker.Lock(ctx, slotLockKey(slotID))
	if err != nil {
		return nil, fmt.Errorf("backfill: lock slot %s: %w", slotID, err)
	}
	defer unlock()
	return m.supersedeLocked(ctx, slotID, exceptID, reason)
}

func (m *OfferManager) supersedeLocked(ctx context.Context, slotID, exceptID, reason string) ([]Offer, error) {
	offers, err := m.store.ListOffersBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	var superseded []Offer
	for _, o := range offers {
		if o.ID == exceptID || o.Status.Terminal() {
			continue
		}
		next, err := m.store.TransitionOffer(ctx, o.ID, []OfferStatus{OfferScheduled, OfferPending}, OfferSuperseded, func(x *Offer) {
			x.Reason = reason
		})
		if errors.Is(err, ErrTransitionConflict) {
			continue
		}
		if err != nil {
			return superseded, fmt.Errorf("backfill: supersede offer %s: %w", o.ID, err)
		}
		m.timers.cancel(o.ID)
		m.releaseEntry(ctx, next.WaitlistEntryID)
		m.metrics.ObserveOffer(string(OfferSuperseded))
		superseded = append(superseded, *next)
	}
	return superseded, nil
}

// Recover re-arms timers for open offers after a restart and handles any
// that came due while the process was down.
func (m *OfferManager) Recover(ctx context.Context) error {
	offers, err := m.store.ListOpenOffers(ctx, 0)
	if err != nil {
		return fmt.Errorf("backfill: recover offers: %w", err)
	}
	now := m.clock.Now()
	var due, overdue []string
	for _, o := range offers {
		switch o.Status {
		case OfferScheduled:
			if o.DispatchAt.After(now) {
				m.armDispatch(o.ID, o.DispatchAt)
			} else {
				due = append(due, o.ID)
			}
		case OfferPending:
			if o.ExpiresAt != nil && o.ExpiresAt.After(now) {
				m.armExpiry(o.ID, *o.ExpiresAt)
			} else {
				overdue = append(overdue, o.ID)
			}
		}
	}
	for _, id := range overdue {
		if err := m.Expire(ctx, id); err != nil {
			m.logger.Error("recover: expire offer failed", "offer_id", id, "error", err)
		}
	}
	for _, id := range due {
		if _, err := m.Dispatch(ctx, id); err != nil {
			m.logger.Error("recover: dispatch offer failed", "offer_id", id, "error", err)
		}
	}
	m.logger.Info("offer timers recovered", "open", len(offers), "dispatched", len(due), "expired", len(overdue))
	return nil
}

// ArmedTimers reports how many dispatch/expiry tasks are outstanding.
func (m *OfferManager) ArmedTimers() int {
	return m.timers.len()
}

func (m *OfferManager) armDispatch(offerID string, at time.Time) {
	task := m.clock.AfterFunc(at.Sub(m.clock.Now()), func() {
		if _, err := m.Dispatch(context.Background(), offerID); err != nil {
			m.logger.Error("deferred dispatch failed", "offer_id", offerID, "error", err)
		}
	})
	m.timers.arm(offerID, task)
}

func (m *OfferManager) armExpiry(offerID string, at time.Time) {
	task := m.clock.AfterFunc(at.Sub(m.clock.Now()), func() {
		if err := m.Expire(context.Background(), offerID); err != nil {
			m.logger.Error("offer expiry failed", "offer_id", offerID, "error", err)
		}
	})
	m.timers.arm(offerID, task)
}

func (m *OfferManager) notify(ctx context.Context, offer Offer) {
	m.mu.RLock()
	h := m.onOutcome
	m.mu.RUnlock()
	if h != nil {
		h(ctx, offer)
	}
}

func (m *OfferManager) releaseEntry(ctx context.Context, entryID string) {
	err := m.waitlist.Transition(ctx, entryID, []waitlist.Status{waitlist.StatusOffered}, waitlist.StatusWaiting)
	switch {
	case err == nil:
	case errors.Is(err, waitlist.ErrTransitionConflict), errors.Is(err, waitlist.ErrEntryNotFound):
		m.logger.Debug("waitlist entry not returned to waiting", "entry_id", entryID, "error", err)
	default:
		m.logger.Warn("failed to return waitlist entry to waiting", "entry_id", entryID, "error", err)
	}
}

func (m *OfferManager) notice(ctx context.Context, offer *Offer) messaging.OfferNotice {
	n := messaging.OfferNotice{
		OrgID:           offer.OrgID,
		OfferID:         offer.ID,
		To:              offer.Contact,
		SlotDescription: offer.SlotDescription,
		ClaimRef:        offer.ClaimRef,
	}
	if offer.ExpiresAt != nil {
		n.ExpiresAt = *offer.ExpiresAt
	}
	cfg, err := m.settings.GetWaitlistSettings(ctx, offer.OrgID)
	if err != nil {
		m.logger.Warn("settings unavailable for offer notice", "org_id", offer.OrgID, "error", err)
		return n
	}
	n.BusinessName = cfg.BusinessName
	n.Location = cfg.Location()
	return n
}

func (m *OfferManager) backoff(attempts int) time.Duration {
	delay := m.retryBase
	for i := 1; i < attempts && delay < m.retryMax; i++ {
		delay *= 2
	}
	if delay > m.retryMax {
		delay = m.retryMax
	}
	return delay
}

func isRecipient(offer *Offer, claimant string) bool {
	if claimant == "" || claimant == offer.CustomerID {
		return true
	}
	contact := contactKey(offer.Contact)
	return contact != "" && contact == contactKey(claimant)
}

// contactKey compares numbers regardless of the channel prefix.
func contactKey(v string) string {
	return strings.TrimPrefix(messaging.NormalizeE164(v), "whatsapp:")
}

func slotLockKey(slotID string) string { return "slot:" + slotID }

func newClaimRef() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func normalizeClaimRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// timerSet holds at most one outstanding task per offer.
type timerSet struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newTimerSet() *timerSet {
	return &timerSet{tasks: make(map[string]Task)}
}

func (s *timerSet) arm(id string, t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[id]; ok {
		old.Stop()
	}
	s.tasks[id] = t
}

func (s *timerSet) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Stop()
		delete(s.tasks, id)
	}
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
