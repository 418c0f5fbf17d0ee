package backfill

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
)

func TestDispatchIsIdempotent(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", time.Hour)
	env.freeSlot()
	offer := env.offerFor("a")

	again, err := env.engine.Manager.Dispatch(env.ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferPending, again.Status)
	assert.Equal(t, 1, again.DispatchAttempts)
	assert.Len(t, env.gateway.sentTo(), 1)
}

func TestDispatchBeforeDueIsNoop(t *testing.T) {
	cfg := testSettings()
	cfg.QuietStart = "09:00"
	cfg.QuietEnd = "12:00"
	env := newTestEnv(t, cfg)
	env.addEntry("a", time.Hour)
	env.freeSlot()

	got, err := env.engine.Manager.Dispatch(env.ctx, env.offerFor("a").ID)
	require.NoError(t, err)
	assert.Equal(t, OfferScheduled, got.Status)
	assert.Empty(t, env.gateway.sentTo())
}

func TestOfferNoticeCarriesBusinessDetails(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", time.Hour)
	env.freeSlot()

	require.Len(t, env.gateway.sent, 1)
	n := env.gateway.sent[0]
	offer := env.offerFor("a")
	assert.Equal(t, "Glow Studio", n.BusinessName)
	assert.Equal(t, offer.ClaimRef, n.ClaimRef)
	assert.Equal(t, "Botox on Tue Jun 3 at 2:00 PM", n.SlotDescription)
	assert.True(t, n.ExpiresAt.Equal(testNow.Add(15*time.Minute)))
	assert.Equal(t, time.UTC, n.Location)
}

func TestDeclineRules(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", 2*time.Hour)
	env.addEntry("b", time.Hour)
	env.freeSlot()
	offerA := env.offerFor("a")

	_, err := env.engine.Manager.Decline(env.ctx, offerA.ID, "cust-b")
	assert.ErrorIs(t, err, ErrNotOfferRecipient)

	declined, err := env.engine.Manager.DeclineByRef(env.ctx, offerA.ClaimRef, env.contactOf("a"))
	require.NoError(t, err)
	assert.Equal(t, OfferDeclined, declined.Status)
	assert.Equal(t, waitlist.StatusWaiting, env.entry("a").Status)

	_, err = env.engine.Manager.Decline(env.ctx, offerA.ID, "cust-a")
	assert.ErrorIs(t, err, ErrOfferNoLongerValid)

	_, err = env.engine.Manager.DeclineByRef(env.ctx, "ZZZZZZZZ", "cust-a")
	assert.ErrorIs(t, err, ErrOfferNotFound)
}

func TestExpireIgnoresOffersNotYetDue(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", time.Hour)
	env.freeSlot()
	offer := env.offerFor("a")

	require.NoError(t, env.engine.Manager.Expire(env.ctx, offer.ID))
	assert.Equal(t, OfferPending, env.offerFor("a").Status)
	assert.Equal(t, 1, env.engine.Manager.ArmedTimers())
}

func TestSupersedeSkipsTerminalAndExcepted(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", 3*time.Hour)
	env.addEntry("b", 2*time.Hour)
	env.freeSlot()
	offerA := env.offerFor("a")
	offerB := env.offerFor("b")

	_, err := env.engine.Manager.Decline(env.ctx, offerA.ID, "cust-a")
	require.NoError(t, err)

	got, err := env.engine.Manager.Supersede(env.ctx, env.slot.ID, "", ReasonSlotBooked)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, offerB.ID, got[0].ID)
	assert.Equal(t, OfferDeclined, env.offerFor("a").Status)

	got, err = env.engine.Manager.Supersede(env.ctx, env.slot.ID, "", ReasonSlotBooked)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDispatchSkipsSendWhenOfferResolvedMeanwhile(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", time.Hour)
	// A sibling claim supersedes the offer right after it is marked pending.
	env.withStore(&hookStore{
		MemoryStore: env.store,
		after: func(o *Offer, to OfferStatus) {
			if to != OfferPending {
				return
			}
			_, err := env.store.TransitionOffer(env.ctx, o.ID, []OfferStatus{OfferPending}, OfferSuperseded, func(x *Offer) {
				x.Reason = ReasonSlotClaimed
			})
			assert.NoError(t, err)
		},
	})

	env.freeSlot()

	assert.Empty(t, env.gateway.sentTo())
	offer := env.offerFor("a")
	assert.Equal(t, OfferSuperseded, offer.Status)
	assert.Equal(t, 0, env.engine.Manager.ArmedTimers())
}

func TestDeferredDispatchWaitsForBookingStore(t *testing.T) {
	cfg := testSettings()
	cfg.QuietStart = "09:00"
	cfg.QuietEnd = "12:00"
	env := newTestEnv(t, cfg)
	env.addEntry("a", time.Hour)
	env.freeSlot()

	env.bookings.mu.Lock()
	env.bookings.getErr = errors.New("booking store offline")
	env.bookings.mu.Unlock()
	env.clock.Advance(2 * time.Hour)

	assert.Empty(t, env.gateway.sentTo())
	assert.Equal(t, OfferScheduled, env.offerFor("a").Status)

	env.bookings.mu.Lock()
	env.bookings.getErr = nil
	env.bookings.mu.Unlock()
	offer, err := env.engine.Manager.Dispatch(env.ctx, env.offerFor("a").ID)
	require.NoError(t, err)
	assert.Equal(t, OfferPending, offer.Status)
	assert.Len(t, env.gateway.sentTo(), 1)
}

func TestRecoverRearmsDeferredDispatch(t *testing.T) {
	cfg := testSettings()
	cfg.QuietStart = "09:00"
	cfg.QuietEnd = "12:00"
	env := newTestEnv(t, cfg)
	env.addEntry("a", 2*time.Hour)
	env.addEntry("b", time.Hour)
	env.freeSlot()

	// A restarted process has no timers until it recovers.
	restarted := newFakeClock(testNow.Add(30 * time.Minute))
	deps := env.deps()
	deps.Clock = restarted
	engine := NewEngine(deps)
	require.Equal(t, 0, engine.Manager.ArmedTimers())

	require.NoError(t, engine.Manager.Recover(env.ctx))
	assert.Equal(t, 2, engine.Manager.ArmedTimers())
	assert.Empty(t, env.gateway.sentTo())

	restarted.Advance(90 * time.Minute)
	assert.Len(t, env.gateway.sentTo(), 2)
	assert.Equal(t, map[OfferStatus]int{OfferPending: 2}, env.offersByStatus())
}

func TestRecoverExpiresLapsedOffers(t *testing.T) {
	env := newTestEnv(t, testSettings())
	env.addEntry("a", 3*time.Hour)
	env.addEntry("b", 2*time.Hour)
	env.addEntry("c", time.Hour)
	env.freeSlot()

	restarted := newFakeClock(testNow.Add(20 * time.Minute))
	deps := env.deps()
	deps.Clock = restarted
	engine := NewEngine(deps)
	require.NoError(t, engine.Manager.Recover(env.ctx))

	assert.Equal(t, OfferExpired, env.offerFor("a").Status)
	assert.Equal(t, OfferExpired, env.offerFor("b").Status)
	assert.Equal(t, OfferPending, env.offerFor("c").Status)
	assert.Equal(t, 2, env.backfill().Round)
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	deps := retryDeps(30*time.Second, 5*time.Minute)
	m := NewOfferManager(deps)

	assert.Equal(t, 30*time.Second, m.backoff(1))
	assert.Equal(t, time.Minute, m.backoff(2))
	assert.Equal(t, 2*time.Minute, m.backoff(3))
	assert.Equal(t, 4*time.Minute, m.backoff(4))
	assert.Equal(t, 5*time.Minute, m.backoff(5))
	assert.Equal(t, 5*time.Minute, m.backoff(40))
}

func TestRetryDelayDefaults(t *testing.T) {
	d := Deps{RetryBaseDelay: time.Hour}.withDefaults()
	assert.Equal(t, time.Hour, d.RetryMaxDelay)

	d = Deps{}.withDefaults()
	assert.Equal(t, 30*time.Second, d.RetryBaseDelay)
	assert.Equal(t, 30*time.Minute, d.RetryMaxDelay)
	assert.NotNil(t, d.Locker)
	assert.NotNil(t, d.Clock)
}

func TestClaimRefFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ref := newClaimRef()
		assert.Regexp(t, `^[0-9A-F]{8}$`, ref)
		seen[ref] = true
	}
	assert.Len(t, seen, 50)
	assert.Equal(t, "AB12CD34", normalizeClaimRef(" ab12cd34\n"))
}

func TestIsRecipient(t *testing.T) {
	offer := &Offer{CustomerID: "cust-1", Contact: "+1 (555) 010-0001"}
	assert.True(t, isRecipient(offer, ""))
	assert.True(t, isRecipient(offer, "cust-1"))
	assert.True(t, isRecipient(offer, "+15550100001"))
	assert.True(t, isRecipient(offer, "whatsapp:+15550100001"))
	assert.False(t, isRecipient(offer, "cust-2"))
	assert.False(t, isRecipient(offer, "+15550100002"))
}

func retryDeps(base, ceiling time.Duration) Deps {
	return Deps{
		Store:          NewMemoryStore(),
		Waitlist:       waitlist.NewMemoryRegistry(),
		Settings:       &staticSettings{cfg: testSettings()},
		Clock:          newFakeClock(testNow),
		RetryBaseDelay: base,
		RetryMaxDelay:  ceiling,
	}
}
