package backfill

import (
	"context"
	"fmt"
	"sort"

	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
)

// WaitlistReader is the slice of the registry the selector needs.
type WaitlistReader interface {
	ListWaiting(ctx context.Context, orgID, serviceID string) ([]waitlist.Entry, error)
}

// Selector picks the next candidates for a freed slot.
type Selector struct {
	waitlist WaitlistReader
}

func NewSelector(reader WaitlistReader) *Selector {
	return &Selector{waitlist: reader}
}

// Select returns up to limit eligible entries, fairest first.
func (s *Selector) Select(ctx context.Context, slot Slot, exclude map[string]bool, limit int) ([]waitlist.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.waitlist.ListWaiting(ctx, slot.OrgID, slot.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("backfill: load waitlist: %w", err)
	}
	return RankCandidates(entries, slot, exclude, limit), nil
}

// RankCandidates filters entries eligible for slot and orders them by join
// time, then ID, capped at limit. The input is not modified.
func RankCandidates(entries []waitlist.Entry, slot Slot, exclude map[string]bool, limit int) []waitlist.Entry {
	if limit <= 0 {
		return nil
	}
	eligible := make([]waitlist.Entry, 0, len(entries))
	for _, e := range entries {
		if !eligibleFor(e, slot) || exclude[e.ID] {
			continue
		}
		eligible = append(eligible, e)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

func eligibleFor(e waitlist.Entry, slot Slot) bool {
	if e.Status != waitlist.StatusWaiting {
		return false
	}
	if e.OrgID != slot.OrgID || e.ServiceID != slot.ServiceID {
		return false
	}
	if e.StaffPreference != "" && e.StaffPreference != slot.StaffID {
		return false
	}
	return e.Covers(slot.StartTime)
}
