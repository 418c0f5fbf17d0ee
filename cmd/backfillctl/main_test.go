package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/events"
)

func newTestApp(q events.Queue) (*app, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &app{
		out:        out,
		httpClient: http.DefaultClient,
		openQueue:  func(context.Context) (events.Queue, error) { return q, nil },
	}, out
}

func run(t *testing.T, a *app, args ...string) error {
	t.Helper()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func receiveOne(t *testing.T, q events.Queue) events.Envelope {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	env, err := events.DecodeEnvelope(msgs[0].Body)
	require.NoError(t, err)
	return env
}

func TestPublishSlotFreed(t *testing.T) {
	q := events.NewMemoryQueue(4)
	a, out := newTestApp(q)

	err := run(t, a, "publish", "slot-freed",
		"--slot-id", "slot-1", "--org", "org-1", "--service", "botox",
		"--start", "2025-06-03T14:00:00Z", "--end", "2025-06-03T15:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "published slot.freed.v1")

	env := receiveOne(t, q)
	assert.Equal(t, events.TypeSlotFreed, env.EventType)
	assert.Equal(t, "org-1", env.OrgID)
	var p events.SlotFreedV1
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "slot-1", p.Slot.ID)
	assert.Equal(t, backfill.SlotOpen, p.Slot.Status)
	assert.Equal(t, 14, p.Slot.StartTime.Hour())
}

func TestPublishSlotFreedRejectsInvertedWindow(t *testing.T) {
	q := events.NewMemoryQueue(1)
	a, _ := newTestApp(q)
	err := run(t, a, "publish", "slot-freed",
		"--slot-id", "slot-1", "--org", "org-1", "--service", "botox",
		"--start", "2025-06-03T15:00:00Z", "--end", "2025-06-03T14:00:00Z")
	require.Error(t, err)
}

func TestPublishClaimRequiresOfferIdentity(t *testing.T) {
	q := events.NewMemoryQueue(2)
	a, _ := newTestApp(q)

	require.Error(t, run(t, a, "publish", "claim", "--claimant", "cust-1"))

	require.NoError(t, run(t, a, "publish", "decline", "--ref", "AB12CD34", "--claimant", "+15550100001"))
	env := receiveOne(t, q)
	assert.Equal(t, events.TypeOfferDeclined, env.EventType)
	var p events.OfferReplyV1
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "AB12CD34", p.ClaimRef)
	assert.Equal(t, "+15550100001", p.Claimant)
}

func TestPublishMessage(t *testing.T) {
	q := events.NewMemoryQueue(1)
	a, _ := newTestApp(q)
	require.NoError(t, run(t, a, "publish", "message", "--from", "+15550100001", "--body", "YES AB12CD34"))
	env := receiveOne(t, q)
	assert.Equal(t, events.TypeMessageReceived, env.EventType)
}

func TestStatePrintsOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/slots/slot-1/backfill", r.URL.Path)
		_ = json.NewEncoder(w).Encode(backfill.StateView{
			Backfill: &backfill.Backfill{SlotID: "slot-1", State: backfill.StateResolved, Cycle: 1, Round: 2},
			Offers:   []backfill.Offer{{ID: "offer-1", Status: backfill.OfferClaimed, ClaimRef: "AB12CD34", Round: 2}},
		})
	}))
	defer srv.Close()

	a, out := newTestApp(nil)
	require.NoError(t, run(t, a, "state", "slot-1", "--api-url", srv.URL))
	assert.Contains(t, out.String(), "slot slot-1")
	assert.Contains(t, out.String(), "offer-1")
	assert.Contains(t, out.String(), "AB12CD34")
}

func TestStateSurfacesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no backfill for slot"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	a, _ := newTestApp(nil)
	err := run(t, a, "state", "slot-9", "--api-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
