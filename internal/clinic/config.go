package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/waitlist-backfill/internal/messaging/compliance"
)

// ErrConfigurationInvalid is returned when waitlist settings fail validation.
var ErrConfigurationInvalid = errors.New("clinic: invalid waitlist configuration")

// Bounds for per-business tunables.
const (
	MinOfferCount    = 1
	MaxOfferCount    = 5
	MinExpiryMinutes = 5
	MaxExpiryMinutes = 60
)

// WaitlistSettings holds the per-business knobs the backfill engine reads
// at the start of every round.
type WaitlistSettings struct {
	OrgID         string `json:"org_id"`
	BusinessName  string `json:"business_name,omitempty"`
	OfferCount    int    `json:"offer_count"`
	ExpiryMinutes int    `json:"expiry_minutes"`
	QuietStart    string `json:"quiet_start"`
	QuietEnd      string `json:"quiet_end"`
	Timezone      string `json:"timezone"`
}

// DefaultWaitlistSettings returns the settings used when an org has none stored.
func DefaultWaitlistSettings(orgID string) *WaitlistSettings {
	return &WaitlistSettings{
		OrgID:         orgID,
		OfferCount:    3,
		ExpiryMinutes: 15,
		QuietStart:    "21:00",
		QuietEnd:      "09:00",
		Timezone:      "UTC",
	}
}

// Validate checks bounds and parses the quiet-hours window.
func (s *WaitlistSettings) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: settings missing", ErrConfigurationInvalid)
	}
	if s.OfferCount < MinOfferCount || s.OfferCount > MaxOfferCount {
		return fmt.Errorf("%w: offer_count %d outside %d..%d", ErrConfigurationInvalid, s.OfferCount, MinOfferCount, MaxOfferCount)
	}
	if s.ExpiryMinutes < MinExpiryMinutes || s.ExpiryMinutes > MaxExpiryMinutes {
		return fmt.Errorf("%w: expiry_minutes %d outside %d..%d", ErrConfigurationInvalid, s.ExpiryMinutes, MinExpiryMinutes, MaxExpiryMinutes)
	}
	if _, err := s.QuietHours(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	return nil
}

// QuietHours builds the gate for these settings.
func (s *WaitlistSettings) QuietHours() (compliance.QuietHours, error) {
	return compliance.ParseQuietHours(s.QuietStart, s.QuietEnd, s.Timezone)
}

// Location returns the business time zone, falling back to UTC.
func (s *WaitlistSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ExpiryDuration converts ExpiryMinutes to a duration.
func (s *WaitlistSettings) ExpiryDuration() time.Duration {
	return time.Duration(s.ExpiryMinutes) * time.Minute
}

// Store provides persistence for waitlist settings.
type Store struct {
	redis    *redis.Client
	timezone string
}

// NewStore creates a new settings store. defaultTimezone applies to orgs
// with no stored settings.
func NewStore(redisClient *redis.Client, defaultTimezone string) *Store {
	return &Store{redis: redisClient, timezone: defaultTimezone}
}

func (s *Store) key(orgID string) string {
	return fmt.Sprintf("clinic:waitlist:%s", orgID)
}

// GetWaitlistSettings retrieves settings, returning defaults if none are stored.
func (s *Store) GetWaitlistSettings(ctx context.Context, orgID string) (*WaitlistSettings, error) {
	data, err := s.redis.Get(ctx, s.key(orgID)).Bytes()
	if err == redis.Nil {
		cfg := DefaultWaitlistSettings(orgID)
		if s.timezone != "" {
			cfg.Timezone = s.timezone
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get waitlist settings: %w", err)
	}

	var cfg WaitlistSettings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal waitlist settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetWaitlistSettings validates and saves settings.
func (s *Store) SetWaitlistSettings(ctx context.Context, cfg *WaitlistSettings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("clinic: marshal waitlist settings: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(cfg.OrgID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set waitlist settings: %w", err)
	}

	return nil
}
