package clinic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

type mockStore struct {
	configs map[string]*WaitlistSettings
	getErr  error
}

func newMockStore() *mockStore {
	return &mockStore{configs: make(map[string]*WaitlistSettings)}
}

func (m *mockStore) GetWaitlistSettings(ctx context.Context, orgID string) (*WaitlistSettings, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if cfg, ok := m.configs[orgID]; ok {
		cp := *cfg
		return &cp, nil
	}
	return DefaultWaitlistSettings(orgID), nil
}

func (m *mockStore) SetWaitlistSettings(ctx context.Context, cfg *WaitlistSettings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.configs[cfg.OrgID] = cfg
	return nil
}

func newRouter(store SettingsStore) http.Handler {
	r := chi.NewRouter()
	r.Mount("/orgs", NewSettingsHandler(store, logging.Discard()).Routes())
	return r
}

func TestGetSettingsReturnsDefault(t *testing.T) {
	r := newRouter(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/orgs/test-org-123/waitlist-settings", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var cfg WaitlistSettings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	assert.Equal(t, "test-org-123", cfg.OrgID)
	assert.Equal(t, 3, cfg.OfferCount)
}

func TestGetSettingsStoreError(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("redis down")
	r := newRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/orgs/org/waitlist-settings", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUpdateSettingsPartialUpdate(t *testing.T) {
	store := newMockStore()
	r := newRouter(store)

	body, _ := json.Marshal(map[string]any{"offer_count": 2, "timezone": "America/Chicago"})
	req := httptest.NewRequest(http.MethodPut, "/orgs/org-1/waitlist-settings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	saved := store.configs["org-1"]
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.OfferCount)
	assert.Equal(t, 15, saved.ExpiryMinutes)
	assert.Equal(t, "America/Chicago", saved.Timezone)
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	store := newMockStore()
	r := newRouter(store)

	body, _ := json.Marshal(map[string]any{"expiry_minutes": 90})
	req := httptest.NewRequest(http.MethodPut, "/orgs/org-1/waitlist-settings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, store.configs)
}

func TestUpdateSettingsBadJSON(t *testing.T) {
	r := newRouter(newMockStore())

	req := httptest.NewRequest(http.MethodPut, "/orgs/org-1/waitlist-settings", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
