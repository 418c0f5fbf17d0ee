package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
)

func waiting(id string, joined time.Time) waitlist.Entry {
	return waitlist.Entry{
		ID:        id,
		OrgID:     "org-1",
		ServiceID: "botox",
		Status:    waitlist.StatusWaiting,
		CreatedAt: joined,
	}
}

func ids(entries []waitlist.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestRankCandidatesEligibility(t *testing.T) {
	slot := testSlot()
	base := testNow.Add(-24 * time.Hour)

	otherStaff := waiting("other-staff", base)
	otherStaff.StaffPreference = "staff-2"
	sameStaff := waiting("same-staff", base.Add(time.Minute))
	sameStaff.StaffPreference = "staff-1"
	windowClosed := waiting("window-closed", base)
	windowClosed.WindowEnd = slot.StartTime
	windowLater := waiting("window-later", base)
	windowLater.WindowStart = slot.StartTime.Add(time.Hour)
	windowOK := waiting("window-ok", base.Add(2*time.Minute))
	windowOK.WindowStart = slot.StartTime.Add(-time.Hour)
	windowOK.WindowEnd = slot.StartTime.Add(time.Hour)
	otherService := waiting("other-service", base)
	otherService.ServiceID = "filler"
	otherOrg := waiting("other-org", base)
	otherOrg.OrgID = "org-2"
	offered := waiting("offered", base)
	offered.Status = waitlist.StatusOffered
	excluded := waiting("excluded", base)

	entries := []waitlist.Entry{otherStaff, sameStaff, windowClosed, windowLater, windowOK, otherService, otherOrg, offered, excluded}
	got := RankCandidates(entries, slot, map[string]bool{"excluded": true}, 10)

	assert.Equal(t, []string{"same-staff", "window-ok"}, ids(got))
}

func TestRankCandidatesOrdering(t *testing.T) {
	slot := testSlot()
	joined := testNow.Add(-time.Hour)
	entries := []waitlist.Entry{
		waiting("c", joined),
		waiting("b", joined),
		waiting("z", joined.Add(-time.Minute)),
		waiting("a", joined.Add(time.Minute)),
	}

	got := RankCandidates(entries, slot, nil, 3)
	assert.Equal(t, []string{"z", "b", "c"}, ids(got))
	assert.Equal(t, "c", entries[0].ID, "input must not be reordered")

	assert.Nil(t, RankCandidates(entries, slot, nil, 0))
}

type stubWaitlist struct {
	entries []waitlist.Entry
	err     error
}

func (s stubWaitlist) ListWaiting(ctx context.Context, orgID, serviceID string) ([]waitlist.Entry, error) {
	return s.entries, s.err
}

func TestSelectorSelect(t *testing.T) {
	slot := testSlot()
	sel := NewSelector(stubWaitlist{entries: []waitlist.Entry{waiting("a", testNow), waiting("b", testNow)}})

	got, err := sel.Select(context.Background(), slot, map[string]bool{"a": true}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	sel = NewSelector(stubWaitlist{err: errors.New("db down")})
	_, err = sel.Select(context.Background(), slot, nil, 2)
	assert.ErrorContains(t, err, "db down")
}
