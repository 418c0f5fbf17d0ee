package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// SettingsStore is the persistence the handler needs.
type SettingsStore interface {
	GetWaitlistSettings(ctx context.Context, orgID string) (*WaitlistSettings, error)
	SetWaitlistSettings(ctx context.Context, cfg *WaitlistSettings) error
}

// SettingsHandler provides HTTP endpoints for waitlist settings management.
type SettingsHandler struct {
	store  SettingsStore
	logger *logging.Logger
}

// NewSettingsHandler creates a new waitlist settings HTTP handler.
func NewSettingsHandler(store SettingsStore, logger *logging.Logger) *SettingsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SettingsHandler{
		store:  store,
		logger: logger,
	}
}

// Routes returns a chi router with settings routes.
func (h *SettingsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{orgID}/waitlist-settings", h.GetSettings)
	r.Put("/{orgID}/waitlist-settings", h.UpdateSettings)
	return r
}

// GetSettings returns the waitlist settings for an org.
// GET /api/v1/orgs/{orgID}/waitlist-settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if orgID == "" {
		http.Error(w, `{"error": "org_id required"}`, http.StatusBadRequest)
		return
	}

	cfg, err := h.store.GetWaitlistSettings(r.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to get waitlist settings", "org_id", orgID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		h.logger.Error("failed to encode waitlist settings", "org_id", orgID, "error", err)
	}
}

// UpdateSettingsRequest is the request body for updating waitlist settings.
type UpdateSettingsRequest struct {
	BusinessName  *string `json:"business_name,omitempty"`
	OfferCount    *int    `json:"offer_count,omitempty"`
	ExpiryMinutes *int    `json:"expiry_minutes,omitempty"`
	QuietStart    *string `json:"quiet_start,omitempty"`
	QuietEnd      *string `json:"quiet_end,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`
}

// UpdateSettings applies a partial update. Invalid settings are rejected
// here so the engine never reads them.
// PUT /api/v1/orgs/{orgID}/waitlist-settings
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if orgID == "" {
		http.Error(w, `{"error": "org_id required"}`, http.StatusBadRequest)
		return
	}

	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	cfg, err := h.store.GetWaitlistSettings(r.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to get waitlist settings", "org_id", orgID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	if req.BusinessName != nil {
		cfg.BusinessName = *req.BusinessName
	}
	if req.OfferCount != nil {
		cfg.OfferCount = *req.OfferCount
	}
	if req.ExpiryMinutes != nil {
		cfg.ExpiryMinutes = *req.ExpiryMinutes
	}
	if req.QuietStart != nil {
		cfg.QuietStart = *req.QuietStart
	}
	if req.QuietEnd != nil {
		cfg.QuietEnd = *req.QuietEnd
	}
	if req.Timezone != nil {
		cfg.Timezone = *req.Timezone
	}
	cfg.OrgID = orgID

	if err := h.store.SetWaitlistSettings(r.Context(), cfg); err != nil {
		if errors.Is(err, ErrConfigurationInvalid) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to save waitlist settings", "org_id", orgID, "error", err)
		http.Error(w, `{"error": "failed to save settings"}`, http.StatusInternalServerError)
		return
	}

	h.logger.Info("waitlist settings updated", "org_id", orgID,
		"offer_count", cfg.OfferCount, "expiry_minutes", cfg.ExpiryMinutes)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		h.logger.Error("failed to encode waitlist settings", "org_id", orgID, "error", err)
	}
}
