package backfill

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/clinic"
	"github.com/wolfman30/waitlist-backfill/internal/messaging"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// Monday 2 June 2025, 10:00 UTC.
var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// fakeClock runs scheduled callbacks only when advanced.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTask{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.tasks = append(c.tasks, t)
	return t
}

func (t *fakeTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due callbacks in order. Callbacks run
// without the clock's mutex so they may schedule more work.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTask
		for _, t := range c.tasks {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Set moves time without running callbacks, as if timers were lost.
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeBookings struct {
	mu       sync.Mutex
	slots    map[string]Slot
	bookings []Booking
	getErr   error
}

func newFakeBookings(slots ...Slot) *fakeBookings {
	f := &fakeBookings{slots: make(map[string]Slot)}
	for _, s := range slots {
		f.slots[s.ID] = s
	}
	return f
}

func (f *fakeBookings) GetSlot(ctx context.Context, slotID string) (Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Slot{}, f.getErr
	}
	s, ok := f.slots[slotID]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return s, nil
}

func (f *fakeBookings) CreateBooking(ctx context.Context, slotID, customerID string) (Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[slotID]
	if !ok {
		return Booking{}, ErrSlotNotFound
	}
	if s.Status != SlotOpen {
		return Booking{}, ErrSlotUnavailable
	}
	s.Status = SlotBooked
	f.slots[slotID] = s
	b := Booking{ID: fmt.Sprintf("booking-%d", len(f.bookings)+1), SlotID: slotID, OrgID: s.OrgID, CustomerID: customerID}
	f.bookings = append(f.bookings, b)
	return b, nil
}

func (f *fakeBookings) setStatus(slotID string, status SlotStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slots[slotID]
	s.Status = status
	f.slots[slotID] = s
}

func (f *fakeBookings) bookingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bookings)
}

type fakeGateway struct {
	mu          sync.Mutex
	sent        []messaging.OfferNotice
	undelivered map[string]bool
	unavailable bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{undelivered: make(map[string]bool)}
}

func (g *fakeGateway) SendOffer(ctx context.Context, n messaging.OfferNotice) (messaging.DeliveryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unavailable {
		return messaging.DeliveryResult{}, fmt.Errorf("%w: provider down", messaging.ErrGatewayUnavailable)
	}
	g.sent = append(g.sent, n)
	if g.undelivered[n.To] {
		return messaging.DeliveryResult{FailureReason: "blocked"}, nil
	}
	return messaging.DeliveryResult{Delivered: true}, nil
}

func (g *fakeGateway) setUnavailable(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unavailable = v
}

func (g *fakeGateway) sentTo() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	for i, n := range g.sent {
		out[i] = n.To
	}
	return out
}

type staticSettings struct {
	mu  sync.Mutex
	cfg clinic.WaitlistSettings
	err error
}

func (s *staticSettings) GetWaitlistSettings(ctx context.Context, orgID string) (*clinic.WaitlistSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	cp := s.cfg
	cp.OrgID = orgID
	return &cp, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	store    *MemoryStore
	registry *waitlist.MemoryRegistry
	bookings *fakeBookings
	gateway  *fakeGateway
	settings *staticSettings
	sink     *recordingSink
	engine   *Engine
	slot     Slot
	contacts int
}

func testSettings() clinic.WaitlistSettings {
	return clinic.WaitlistSettings{
		BusinessName:  "Glow Studio",
		OfferCount:    2,
		ExpiryMinutes: 15,
		Timezone:      "UTC",
	}
}

func testSlot() Slot {
	return Slot{
		ID:          "slot-1",
		OrgID:       "org-1",
		StaffID:     "staff-1",
		ServiceID:   "botox",
		ServiceName: "Botox",
		StartTime:   time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC),
		Status:      SlotOpen,
	}
}

func newTestEnv(t *testing.T, cfg clinic.WaitlistSettings) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		ctx:      context.Background(),
		clock:    newFakeClock(testNow),
		store:    NewMemoryStore(),
		registry: waitlist.NewMemoryRegistry(),
		gateway:  newFakeGateway(),
		settings: &staticSettings{cfg: cfg},
		sink:     &recordingSink{},
		slot:     testSlot(),
	}
	env.bookings = newFakeBookings(env.slot)
	env.engine = NewEngine(env.deps())
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{
		Store:    e.store,
		Waitlist: e.registry,
		Bookings: e.bookings,
		Gateway:  e.gateway,
		Settings: e.settings,
		Clock:    e.clock,
		Events:   e.sink,
		Logger:   logging.Discard(),
	}
}

// addEntry registers a waiting customer who joined `joined` before testNow.
func (e *testEnv) addEntry(id string, joined time.Duration) {
	e.t.Helper()
	e.contacts++
	require.NoError(e.t, e.registry.Add(e.ctx, &waitlist.Entry{
		ID:         id,
		OrgID:      e.slot.OrgID,
		CustomerID: "cust-" + id,
		Contact:    fmt.Sprintf("+1555010%04d", e.contacts),
		ServiceID:  e.slot.ServiceID,
		CreatedAt:  testNow.Add(-joined),
	}))
}

func (e *testEnv) entry(id string) *waitlist.Entry {
	e.t.Helper()
	got, err := e.registry.Get(e.ctx, id)
	require.NoError(e.t, err)
	return got
}

func (e *testEnv) contactOf(id string) string {
	return e.entry(id).Contact
}

func (e *testEnv) freeSlot() {
	e.t.Helper()
	require.NoError(e.t, e.engine.Orchestrator.HandleSlotFreed(e.ctx, e.slot))
}

func (e *testEnv) backfill() *Backfill {
	e.t.Helper()
	b, err := e.store.GetBackfill(e.ctx, e.slot.ID)
	require.NoError(e.t, err)
	return b
}

// offerFor returns the latest offer made to entry id for the test slot.
func (e *testEnv) offerFor(id string) *Offer {
	e.t.Helper()
	offers, err := e.store.ListOffersBySlot(e.ctx, e.slot.ID)
	require.NoError(e.t, err)
	var found *Offer
	for i := range offers {
		if offers[i].WaitlistEntryID == id {
			found = &offers[i]
		}
	}
	require.NotNil(e.t, found, "no offer for entry %s", id)
	return found
}

func (e *testEnv) offersByStatus() map[OfferStatus]int {
	e.t.Helper()
	offers, err := e.store.ListOffersBySlot(e.ctx, e.slot.ID)
	require.NoError(e.t, err)
	out := make(map[OfferStatus]int)
	for _, o := range offers {
		out[o.Status]++
	}
	return out
}

// hookStore lets a test fail or interleave with offer transitions.
type hookStore struct {
	*MemoryStore
	before func(to OfferStatus) error
	after  func(o *Offer, to OfferStatus)
}

func (h *hookStore) TransitionOffer(ctx context.Context, id string, from []OfferStatus, to OfferStatus, mutate func(*Offer)) (*Offer, error) {
	if h.before != nil {
		if err := h.before(to); err != nil {
			return nil, err
		}
	}
	o, err := h.MemoryStore.TransitionOffer(ctx, id, from, to, mutate)
	if err == nil && h.after != nil {
		h.after(o, to)
	}
	return o, err
}

// withStore rebuilds the engine over store, keeping every other fake.
func (e *testEnv) withStore(store Store) {
	deps := e.deps()
	deps.Store = store
	e.engine = NewEngine(deps)
}
