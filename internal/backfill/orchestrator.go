package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

const maxParallelDispatch = 8

// Orchestrator drives the per-slot backfill state machine: select a batch,
// schedule offers, wait for the round to resolve, cascade or stop.
type Orchestrator struct {
	store    Store
	registry waitlist.Registry
	bookings BookingStore
	selector *Selector
	settings SettingsSource
	manager  *OfferManager
	locker   SlotLocker
	clock    Clock
	events   EventSink
	metrics  *metrics.BackfillMetrics
	logger   *logging.Logger
}

func NewOrchestrator(deps Deps, manager *OfferManager) *Orchestrator {
	deps = deps.withDefaults()
	return &Orchestrator{
		store:    deps.Store,
		registry: deps.Waitlist,
		bookings: deps.Bookings,
		selector: NewSelector(deps.Waitlist),
		settings: deps.Settings,
		manager:  manager,
		locker:   deps.Locker,
		clock:    deps.Clock,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// StateView is the read-only picture of a slot's current backfill cycle.
type StateView struct {
	Backfill *Backfill `json:"backfill"`
	Offers   []Offer   `json:"offers"`
}

// HandleSlotFreed starts a backfill cycle for a slot that became open.
// Duplicate notifications for an active cycle are ignored.
func (o *Orchestrator) HandleSlotFreed(ctx context.Context, slot Slot) error {
	ctx, span := backfillTracer.Start(ctx, "backfill.slot_freed")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.slot_id", slot.ID))

	unlock, err := o.locker.Lock(ctx, flowLockKey(slot.ID))
	if err != nil {
		return fmt.Errorf("backfill: lock flow %s: %w", slot.ID, err)
	}
	dispatch, err := o.startCycle(ctx, slot)
	unlock()
	if err != nil {
		span.RecordError(err)
	}
	o.dispatchAll(ctx, dispatch)
	return err
}

func (o *Orchestrator) startCycle(ctx context.Context, freed Slot) ([]string, error) {
	prev, err := o.store.GetBackfill(ctx, freed.ID)
	if err != nil && !errors.Is(err, ErrBackfillNotFound) {
		return nil, err
	}
	if prev != nil && !prev.State.Terminal() && prev.State != StateIdle {
		o.logger.Info("slot freed ignored; backfill already active",
			"slot_id", freed.ID, "cycle", prev.Cycle, "state", prev.State)
		return nil, nil
	}

	slot, err := o.bookings.GetSlot(ctx, freed.ID)
	if err != nil {
		return nil, fmt.Errorf("backfill: read slot %s: %w", freed.ID, err)
	}
	if slot.Status != SlotOpen {
		o.logger.Info("slot freed ignored; slot is not open", "slot_id", slot.ID, "status", slot.Status)
		return nil, nil
	}

	var b *Backfill
	if prev != nil && prev.State == StateIdle {
		// A previous attempt stalled before offering; resume the same cycle.
		b = prev
	} else {
		cycle := 1
		if prev != nil {
			cycle = prev.Cycle + 1
		}
		b = &Backfill{
			SlotID:    slot.ID,
			OrgID:     slot.OrgID,
			Cycle:     cycle,
			StartedAt: o.clock.Now(),
		}
	}
	b.State = StateSelecting
	if err := o.store.SaveBackfill(ctx, b); err != nil {
		return nil, err
	}
	o.logger.Info("backfill started", "slot_id", slot.ID, "org_id", slot.OrgID, "cycle", b.Cycle)
	return o.startRound(ctx, b, slot)
}

// startRound selects the next batch and schedules its offers. It returns
// the offer IDs to dispatch immediately once the flow lock is released.
func (o *Orchestrator) startRound(ctx context.Context, b *Backfill, slot Slot) ([]string, error) {
	settings, err := o.settings.GetWaitlistSettings(ctx, b.OrgID)
	if err != nil {
		return nil, o.stall(ctx, b, fmt.Errorf("backfill: load settings: %w", err))
	}
	now := o.clock.Now()
	dispatchAt, err := dispatchTimeFor(settings, now)
	if err != nil {
		return nil, o.stall(ctx, b, err)
	}

	chosen, err := o.reserveCandidates(ctx, b, slot, settings.OfferCount)
	if err != nil {
		return nil, o.stall(ctx, b, err)
	}
	if len(chosen) == 0 {
		b.State = StateExhausted
		b.LastError = ""
		if err := o.store.SaveBackfill(ctx, b); err != nil {
			return nil, err
		}
		o.metrics.ObserveRound("exhausted")
		o.emit(ctx, b, EventExhausted, map[string]any{"rounds": b.Round})
		o.logger.Info("backfill exhausted", "slot_id", b.SlotID, "cycle", b.Cycle, "rounds", b.Round)
		return nil, nil
	}

	round := Round{
		Number:     b.Round + 1,
		OfferCount: settings.OfferCount,
		DispatchAt: dispatchAt,
		StartedAt:  now,
	}
	spec := OfferSpec{
		Cycle:           b.Cycle,
		Round:           round.Number,
		DispatchAt:      dispatchAt,
		ExpiryMinutes:   settings.ExpiryMinutes,
		SlotDescription: describeSlot(slot, settings.Location()),
	}
	for _, entry := range chosen {
		offer, err := o.manager.ScheduleOffer(ctx, entry, slot, spec)
		if err != nil {
			o.logger.Error("failed to schedule offer", "slot_id", slot.ID, "entry_id", entry.ID, "error", err)
			o.manager.releaseEntry(ctx, entry.ID)
			continue
		}
		round.OfferIDs = append(round.OfferIDs, offer.ID)
		b.Contacted = append(b.Contacted, entry.ID)
	}
	if len(round.OfferIDs) == 0 {
		return nil, o.stall(ctx, b, errors.New("backfill: no offers could be scheduled"))
	}

	b.Round = round.Number
	b.Rounds = append(b.Rounds, round)
	b.State = StateOffering
	b.LastError = ""
	if err := o.store.SaveBackfill(ctx, b); err != nil {
		return nil, err
	}

	deferred := dispatchAt.After(now)
	o.metrics.ObserveRound("started")
	o.emit(ctx, b, EventRoundStarted, map[string]any{
		"offers":      len(round.OfferIDs),
		"dispatch_at": dispatchAt.Format(time.RFC3339),
		"deferred":    deferred,
	})
	o.logger.Info("backfill round started",
		"slot_id", b.SlotID,
		"cycle", b.Cycle,
		"round", round.Number,
		"offers", len(round.OfferIDs),
		"dispatch_at", dispatchAt.Format(time.RFC3339),
	)
	if deferred {
		return nil, nil
	}
	return round.OfferIDs, nil
}

// reserveCandidates moves up to limit eligible entries to offered. Entries
// claimed by a concurrent backfill in between are skipped and the
// selection is repeated.
func (o *Orchestrator) reserveCandidates(ctx context.Context, b *Backfill, slot Slot, limit int) ([]waitlist.Entry, error) {
	exclude := make(map[string]bool, len(b.Contacted))
	for _, id := range b.Contacted {
		exclude[id] = true
	}
	var chosen []waitlist.Entry
	for len(chosen) < limit {
		candidates, err := o.selector.Select(ctx, slot, exclude, limit-len(chosen))
		if err != nil {
			o.releaseAll(ctx, chosen)
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			exclude[c.ID] = true
			err := o.registry.Transition(ctx, c.ID, []waitlist.Status{waitlist.StatusWaiting}, waitlist.StatusOffered)
			if errors.Is(err, waitlist.ErrTransitionConflict) || errors.Is(err, waitlist.ErrEntryNotFound) {
				continue
			}
			if err != nil {
				o.releaseAll(ctx, chosen)
				return nil, fmt.Errorf("backfill: reserve entry %s: %w", c.ID, err)
			}
			chosen = append(chosen, c)
		}
	}
	return chosen, nil
}

func (o *Orchestrator) releaseAll(ctx context.Context, entries []waitlist.Entry) {
	for _, e := range entries {
		o.manager.releaseEntry(ctx, e.ID)
	}
}

// stall parks the backfill in idle with the error recorded. The sweeper
// retries it through ResumeStalled, and a repeated SlotFreed resumes the
// same cycle.
func (o *Orchestrator) stall(ctx context.Context, b *Backfill, cause error) error {
	b.State = StateIdle
	b.LastError = cause.Error()
	if err := o.store.SaveBackfill(ctx, b); err != nil {
		o.logger.Error("failed to record stalled backfill", "slot_id", b.SlotID, "error", err)
	}
	o.logger.Error("backfill stalled", "slot_id", b.SlotID, "cycle", b.Cycle, "error", cause)
	return cause
}

// ResumeStalled retries the next round of a backfill parked by stall. It is
// a no-op unless the backfill is still idle with an error recorded. A slot
// that was booked meanwhile resolves the backfill instead.
func (o *Orchestrator) ResumeStalled(ctx context.Context, slotID string) error {
	ctx, span := backfillTracer.Start(ctx, "backfill.resume_stalled")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.slot_id", slotID))

	unlock, err := o.locker.Lock(ctx, flowLockKey(slotID))
	if err != nil {
		return fmt.Errorf("backfill: lock flow %s: %w", slotID, err)
	}
	dispatch, err := o.resumeLocked(ctx, slotID)
	unlock()
	if err != nil {
		span.RecordError(err)
	}
	o.dispatchAll(ctx, dispatch)
	return err
}

func (o *Orchestrator) resumeLocked(ctx context.Context, slotID string) ([]string, error) {
	b, err := o.store.GetBackfill(ctx, slotID)
	if errors.Is(err, ErrBackfillNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b.State != StateIdle || b.LastError == "" {
		return nil, nil
	}

	slot, err := o.bookings.GetSlot(ctx, slotID)
	if err != nil {
		return nil, o.stall(ctx, b, fmt.Errorf("backfill: read slot %s: %w", slotID, err))
	}
	if slot.Status != SlotOpen {
		return nil, o.resolve(ctx, b, "", "booked_elsewhere")
	}
	o.logger.Info("resuming stalled backfill", "slot_id", slotID, "cycle", b.Cycle, "round", b.Round, "last_error", b.LastError)
	b.State = StateSelecting
	if err := o.store.SaveBackfill(ctx, b); err != nil {
		return nil, err
	}
	return o.startRound(ctx, b, slot)
}

// HandleOutcome is the OfferManager callback for terminal offers.
func (o *Orchestrator) HandleOutcome(ctx context.Context, offer Offer) {
	unlock, err := o.locker.Lock(ctx, flowLockKey(offer.SlotID))
	if err != nil {
		o.logger.Error("failed to lock flow for offer outcome", "slot_id", offer.SlotID, "offer_id", offer.ID, "error", err)
		return
	}
	dispatch, err := o.handleOutcomeLocked(ctx, offer)
	unlock()
	if err != nil {
		o.logger.Error("failed to handle offer outcome", "slot_id", offer.SlotID, "offer_id", offer.ID, "error", err)
	}
	o.dispatchAll(ctx, dispatch)
}

func (o *Orchestrator) handleOutcomeLocked(ctx context.Context, offer Offer) ([]string, error) {
	b, err := o.store.GetBackfill(ctx, offer.SlotID)
	if errors.Is(err, ErrBackfillNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b.State.Terminal() || offer.Cycle != b.Cycle {
		return nil, nil
	}
	if offer.Reason == ReasonDeliveryFailed {
		o.emitRound(ctx, b, offer.Round, EventDeliveryFailed, map[string]any{
			"offer_id": offer.ID,
			"entry_id": offer.WaitlistEntryID,
		})
	}
	if offer.Status == OfferClaimed {
		return nil, o.resolve(ctx, b, offer.BookingID, "claimed")
	}

	round, ok := b.CurrentRound()
	if !ok || offer.Round != round.Number {
		return nil, nil
	}
	for _, id := range round.OfferIDs {
		sibling, err := o.store.GetOffer(ctx, id)
		if err != nil {
			return nil, err
		}
		if sibling.Status == OfferClaimed {
			return nil, o.resolve(ctx, b, sibling.BookingID, "claimed")
		}
		if !sibling.Status.Terminal() {
			return nil, nil
		}
	}

	o.metrics.ObserveRound("unclaimed")
	slot, err := o.bookings.GetSlot(ctx, b.SlotID)
	if err != nil {
		return nil, o.stall(ctx, b, fmt.Errorf("backfill: read slot %s: %w", b.SlotID, err))
	}
	if slot.Status != SlotOpen {
		return nil, o.resolve(ctx, b, "", "booked_elsewhere")
	}
	b.State = StateSelecting
	return o.startRound(ctx, b, slot)
}

// HandleSlotBooked resolves an active backfill when the slot was booked
// through some other path, superseding every outstanding offer.
func (o *Orchestrator) HandleSlotBooked(ctx context.Context, slotID string) error {
	ctx, span := backfillTracer.Start(ctx, "backfill.slot_booked")
	defer span.End()
	span.SetAttributes(attribute.String("backfill.slot_id", slotID))

	unlock, err := o.locker.Lock(ctx, flowLockKey(slotID))
	if err != nil {
		return fmt.Errorf("backfill: lock flow %s: %w", slotID, err)
	}
	defer unlock()

	b, err := o.store.GetBackfill(ctx, slotID)
	if errors.Is(err, ErrBackfillNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.State.Terminal() {
		return nil
	}

	superseded, err := o.manager.Supersede(ctx, slotID, "", ReasonSlotBooked)
	if err != nil {
		return err
	}

	bookingID, cause := "", "booked_elsewhere"
	offers, err := o.store.ListOffersBySlot(ctx, slotID)
	if err != nil {
		return err
	}
	for _, offer := range offers {
		if offer.Cycle == b.Cycle && offer.Status == OfferClaimed {
			bookingID, cause = offer.BookingID, "claimed"
		}
	}
	o.logger.Info("slot booked externally", "slot_id", slotID, "superseded", len(superseded))
	return o.resolve(ctx, b, bookingID, cause)
}

func (o *Orchestrator) resolve(ctx context.Context, b *Backfill, bookingID, cause string) error {
	b.State = StateResolved
	b.BookingID = bookingID
	b.LastError = ""
	if err := o.store.SaveBackfill(ctx, b); err != nil {
		return err
	}
	o.metrics.ObserveRound("resolved")
	o.emit(ctx, b, EventResolved, map[string]any{"cause": cause, "booking_id": bookingID})
	o.logger.Info("backfill resolved", "slot_id", b.SlotID, "cycle", b.Cycle, "round", b.Round, "cause", cause)
	return nil
}

// State returns the slot's latest backfill and the offers of that cycle.
func (o *Orchestrator) State(ctx context.Context, slotID string) (*StateView, error) {
	b, err := o.store.GetBackfill(ctx, slotID)
	if err != nil {
		return nil, err
	}
	offers, err := o.store.ListOffersBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	view := &StateView{Backfill: b, Offers: []Offer{}}
	for _, offer := range offers {
		if offer.Cycle == b.Cycle {
			view.Offers = append(view.Offers, offer)
		}
	}
	return view, nil
}

// dispatchAll sends a round's offers in parallel. Failures are handled by
// the manager; nothing here cancels sibling sends.
func (o *Orchestrator) dispatchAll(ctx context.Context, offerIDs []string) {
	if len(offerIDs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(maxParallelDispatch)
	for _, id := range offerIDs {
		g.Go(func() error {
			if _, err := o.manager.Dispatch(ctx, id); err != nil {
				o.logger.Warn("offer dispatch failed", "offer_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) emit(ctx context.Context, b *Backfill, eventType string, attrs map[string]any) {
	o.emitRound(ctx, b, b.Round, eventType, attrs)
}

func (o *Orchestrator) emitRound(ctx context.Context, b *Backfill, round int, eventType string, attrs map[string]any) {
	event := Event{
		Type:       eventType,
		OrgID:      b.OrgID,
		SlotID:     b.SlotID,
		Cycle:      b.Cycle,
		Round:      round,
		Attributes: attrs,
		OccurredAt: o.clock.Now(),
	}
	if err := o.events.Emit(ctx, event); err != nil {
		o.logger.Warn("failed to emit backfill event", "type", eventType, "slot_id", b.SlotID, "error", err)
	}
}

func describeSlot(slot Slot, loc *time.Location) string {
	name := slot.ServiceName
	if name == "" {
		name = slot.ServiceID
	}
	desc := fmt.Sprintf("%s on %s", name, slot.StartTime.In(loc).Format("Mon Jan 2 at 3:04 PM"))
	if slot.StaffName != "" {
		desc += " with " + slot.StaffName
	}
	return desc
}

func flowLockKey(slotID string) string { return "flow:" + slotID }
