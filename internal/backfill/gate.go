package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/waitlist-backfill/internal/clinic"
)

// SettingsSource supplies per-business waitlist settings.
type SettingsSource interface {
	GetWaitlistSettings(ctx context.Context, orgID string) (*clinic.WaitlistSettings, error)
}

// DispatchGate decides when a notification may go out for an org.
type DispatchGate interface {
	DispatchTime(ctx context.Context, orgID string, at time.Time) (time.Time, error)
}

// SettingsGate applies each org's quiet hours.
type SettingsGate struct {
	settings SettingsSource
}

func NewSettingsGate(settings SettingsSource) *SettingsGate {
	return &SettingsGate{settings: settings}
}

func (g *SettingsGate) DispatchTime(ctx context.Context, orgID string, at time.Time) (time.Time, error) {
	cfg, err := g.settings.GetWaitlistSettings(ctx, orgID)
	if err != nil {
		return at, fmt.Errorf("backfill: load settings for gate: %w", err)
	}
	return dispatchTimeFor(cfg, at)
}

func dispatchTimeFor(cfg *clinic.WaitlistSettings, at time.Time) (time.Time, error) {
	q, err := cfg.QuietHours()
	if err != nil {
		return at, fmt.Errorf("backfill: quiet hours: %w", err)
	}
	return q.NextDispatch(at), nil
}
