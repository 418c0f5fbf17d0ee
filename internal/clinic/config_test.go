package clinic

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "America/New_York"), mr
}

func TestWaitlistSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *WaitlistSettings)
		ok     bool
	}{
		{name: "defaults", mutate: func(s *WaitlistSettings) {}, ok: true},
		{name: "offer count zero", mutate: func(s *WaitlistSettings) { s.OfferCount = 0 }},
		{name: "offer count six", mutate: func(s *WaitlistSettings) { s.OfferCount = 6 }},
		{name: "offer count five", mutate: func(s *WaitlistSettings) { s.OfferCount = 5 }, ok: true},
		{name: "expiry four", mutate: func(s *WaitlistSettings) { s.ExpiryMinutes = 4 }},
		{name: "expiry sixty one", mutate: func(s *WaitlistSettings) { s.ExpiryMinutes = 61 }},
		{name: "expiry sixty", mutate: func(s *WaitlistSettings) { s.ExpiryMinutes = 60 }, ok: true},
		{name: "bad clock", mutate: func(s *WaitlistSettings) { s.QuietStart = "25:00" }},
		{name: "bad timezone", mutate: func(s *WaitlistSettings) { s.Timezone = "Mars/Olympus" }},
		{name: "gate disabled", mutate: func(s *WaitlistSettings) { s.QuietStart, s.QuietEnd = "", "" }, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultWaitlistSettings("org")
			tt.mutate(s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrConfigurationInvalid)
		})
	}
}

func TestStoreReturnsDefaultsWhenUnset(t *testing.T) {
	store, _ := newTestStore(t)

	cfg, err := store.GetWaitlistSettings(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", cfg.OrgID)
	assert.Equal(t, 3, cfg.OfferCount)
	assert.Equal(t, 15, cfg.ExpiryMinutes)
	assert.Equal(t, "21:00", cfg.QuietStart)
	assert.Equal(t, "09:00", cfg.QuietEnd)
	assert.Equal(t, "America/New_York", cfg.Timezone)
}

func TestStoreRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	cfg := DefaultWaitlistSettings("org-1")
	cfg.OfferCount = 2
	cfg.ExpiryMinutes = 30
	require.NoError(t, store.SetWaitlistSettings(ctx, cfg))
	assert.True(t, mr.Exists("clinic:waitlist:org-1"))

	got, err := store.GetWaitlistSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.OfferCount)
	assert.Equal(t, 30, got.ExpiryMinutes)
}

func TestStoreRejectsInvalidWrite(t *testing.T) {
	store, mr := newTestStore(t)

	cfg := DefaultWaitlistSettings("org-1")
	cfg.OfferCount = 9
	err := store.SetWaitlistSettings(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrConfigurationInvalid))
	assert.False(t, mr.Exists("clinic:waitlist:org-1"))
}

func TestStoreRejectsCorruptStoredSettings(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("clinic:waitlist:org-1", `{"org_id":"org-1","offer_count":0,"expiry_minutes":15}`))

	_, err := store.GetWaitlistSettings(context.Background(), "org-1")
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestExpiryDurationAndLocation(t *testing.T) {
	cfg := DefaultWaitlistSettings("org")
	cfg.Timezone = "Europe/Madrid"
	assert.Equal(t, "Europe/Madrid", cfg.Location().String())
	assert.Equal(t, 900.0, cfg.ExpiryDuration().Seconds())

	cfg.Timezone = "nope/nope"
	assert.Equal(t, "UTC", cfg.Location().String())
}
